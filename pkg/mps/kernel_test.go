package mps

import (
	"testing"

	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/fxnlabs/mpsengine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matrixOf(t *testing.T, s *Session, rows, cols int, values ...float32) Matrix {
	t.Helper()
	var (
		buf *Buffer
		err error
	)
	if values == nil {
		buf, err = s.Allocate(rows * cols * 4)
	} else {
		buf, err = s.AllocateFromFloat32(values)
	}
	require.NoError(t, err)
	desc, err := DenseDescriptor(rows, cols)
	require.NoError(t, err)
	m, err := NewMatrix(buf, desc)
	require.NoError(t, err)
	return m
}

func TestMatmulKernel_Encode(t *testing.T) {
	s := openCPU(t)

	k, err := s.NewMatmulKernel(MatmulConfig{Rows: 2, Columns: 2, Inner: 2, Alpha: 1, Beta: 0})
	require.NoError(t, err)
	defer k.Release()

	left := matrixOf(t, s, 2, 2, 1, 2, 3, 4)
	right := matrixOf(t, s, 2, 2, 5, 6, 7, 8)
	result := matrixOf(t, s, 2, 2)

	cb, err := s.Queue().NewCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, k.Encode(cb, left, right, result))

	// nothing runs before commit
	got, err := result.Buffer().ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, got)

	require.NoError(t, cb.Commit())
	require.NoError(t, cb.WaitUntilCompleted())

	got, err = result.Buffer().ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, got)
}

func TestMatmulKernel_BatchedEncodes(t *testing.T) {
	s := openCPU(t)

	// result = left@right, then result = left@right + result
	first, err := s.NewMatmulKernel(MatmulConfig{Rows: 2, Columns: 2, Inner: 2, Alpha: 1})
	require.NoError(t, err)
	accumulate, err := s.NewMatmulKernel(MatmulConfig{Rows: 2, Columns: 2, Inner: 2, Alpha: 1, Beta: 1})
	require.NoError(t, err)

	left := matrixOf(t, s, 2, 2, 1, 2, 3, 4)
	right := matrixOf(t, s, 2, 2, 5, 6, 7, 8)
	result := matrixOf(t, s, 2, 2)

	cb, err := s.Queue().NewCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, first.Encode(cb, left, right, result))
	require.NoError(t, accumulate.Encode(cb, left, right, result))
	require.NoError(t, cb.Run())

	got, err := result.Buffer().ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{38, 44, 86, 100}, got)
}

func TestMatmulKernel_EncodeToQueue(t *testing.T) {
	s := openCPU(t)
	k, err := s.NewMatmulKernel(MatmulConfig{TransposeLeft: true, Rows: 2, Columns: 2, Inner: 2, Alpha: 1})
	require.NoError(t, err)

	left := matrixOf(t, s, 2, 2, 1, 3, 2, 4)
	right := matrixOf(t, s, 2, 2, 5, 6, 7, 8)
	result := matrixOf(t, s, 2, 2)

	cb, err := k.EncodeToQueue(s.Queue(), left, right, result)
	require.NoError(t, err)
	status, err := cb.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	require.NoError(t, cb.Run())

	got, err := result.Buffer().ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, got)
}

func TestMatmulKernel_EncodeToQueueRetiresOnFailure(t *testing.T) {
	s := openCPU(t)
	k, err := s.NewMatmulKernel(MatmulConfig{Rows: 1, Columns: 1, Inner: 1, Alpha: 1})
	require.NoError(t, err)

	a := matrixOf(t, s, 1, 1, 2)
	gone := matrixOf(t, s, 1, 1, 3)
	require.NoError(t, gone.Buffer().Release())

	committed := metrics.CommandBuffersCommitted.WithLabelValues(string(gpu.KindCPU))
	before := testutil.ToFloat64(committed)

	cb, err := k.EncodeToQueue(s.Queue(), a, gone, a)
	assert.ErrorIs(t, err, ErrUseAfterRelease)
	assert.Nil(t, cb)
	assert.Equal(t, before+1, testutil.ToFloat64(committed), "the command buffer was not retired")

	// the queue keeps working
	result := matrixOf(t, s, 1, 1)
	cb, err = k.EncodeToQueue(s.Queue(), a, a, result)
	require.NoError(t, err)
	require.NoError(t, cb.Run())
	got, err := result.Buffer().ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, got)
}

func TestMatmulKernel_Conformability(t *testing.T) {
	s := openCPU(t)
	cfg := MatmulConfig{Rows: 2, Columns: 3, Inner: 4, Alpha: 1}
	k, err := s.NewMatmulKernel(cfg)
	require.NoError(t, err)
	cb, err := s.Queue().NewCommandBuffer()
	require.NoError(t, err)

	tests := []struct {
		name                string
		left, right, result [2]int
		ok                  bool
	}{
		{name: "conformable", left: [2]int{2, 4}, right: [2]int{4, 3}, result: [2]int{2, 3}, ok: true},
		{name: "left transposed by mistake", left: [2]int{4, 2}, right: [2]int{4, 3}, result: [2]int{2, 3}},
		{name: "right wrong", left: [2]int{2, 4}, right: [2]int{3, 4}, result: [2]int{2, 3}},
		{name: "result wrong", left: [2]int{2, 4}, right: [2]int{4, 3}, result: [2]int{3, 2}},
		{name: "inner mismatch", left: [2]int{2, 5}, right: [2]int{5, 3}, result: [2]int{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := k.Encode(cb,
				matrixOf(t, s, tt.left[0], tt.left[1]),
				matrixOf(t, s, tt.right[0], tt.right[1]),
				matrixOf(t, s, tt.result[0], tt.result[1]))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrShapeMismatch)
			}
		})
	}
}

func TestMatmulKernel_ForeignSession(t *testing.T) {
	s := openCPU(t)
	other := openCPU(t)

	k, err := s.NewMatmulKernel(MatmulConfig{Rows: 1, Columns: 1, Inner: 1, Alpha: 1})
	require.NoError(t, err)
	a := matrixOf(t, s, 1, 1, 2)
	b := matrixOf(t, other, 1, 1, 3)

	cb, err := s.Queue().NewCommandBuffer()
	require.NoError(t, err)
	assert.ErrorIs(t, k.Encode(cb, a, b, a), ErrDeviceMismatch)

	_, err = k.EncodeToQueue(other.Queue(), a, a, a)
	assert.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestMatmulKernel_Released(t *testing.T) {
	s := openCPU(t)
	k, err := s.NewMatmulKernel(MatmulConfig{Rows: 1, Columns: 1, Inner: 1, Alpha: 1})
	require.NoError(t, err)
	require.NoError(t, k.Release())

	a := matrixOf(t, s, 1, 1, 2)
	cb, err := s.Queue().NewCommandBuffer()
	require.NoError(t, err)
	assert.ErrorIs(t, k.Encode(cb, a, a, a), ErrUseAfterRelease)
	assert.ErrorIs(t, k.Release(), ErrUseAfterRelease)
}
