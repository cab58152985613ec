package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorData_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		values []float32
		shape  Shape
	}{
		{name: "scalar", values: []float32{42}, shape: Shape{}},
		{name: "vector", values: []float32{1, 2, 3}, shape: Shape{3}},
		{name: "matrix", values: []float32{1, 2, 3, 4, 5, 6}, shape: Shape{2, 3}},
		{name: "rank 3", values: make([]float32, 24), shape: Shape{2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := FromHostArray(tt.values, tt.shape)
			require.NoError(t, err)
			got, err := d.ToHostArray()
			require.NoError(t, err)
			assert.Equal(t, tt.values, got)
			assert.True(t, tt.shape.Equal(d.Shape()))
		})
	}
}

func TestTensorData_Copies(t *testing.T) {
	values := []float32{1, 2}
	d, err := FromHostArray(values, Shape{2})
	require.NoError(t, err)

	values[0] = 100
	got, err := d.ToHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	got[1] = 100
	again, err := d.ToHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, again)
}

func TestTensorData_Errors(t *testing.T) {
	_, err := FromHostArray([]float32{1, 2, 3}, Shape{2, 2})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = FromHostArray(nil, Shape{0})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewTensorData(Shape{3, -1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// extent products that wrap around int
	_, err = FromHostArray(nil, Shape{1 << 32, 1 << 32})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.NotPanics(t, func() {
		_, err = NewTensorData(Shape{3, 1 << 62})
	})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewTensorData(Shape{1 << 62})
	assert.ErrorIs(t, err, ErrShapeMismatch, "byte size overflows")

	d, err := NewTensorData(Shape{2})
	require.NoError(t, err)
	got, err := d.ToHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, got)

	require.NoError(t, d.Release())
	assert.ErrorIs(t, d.Release(), ErrUseAfterRelease)
	_, err = d.ToHostArray()
	assert.ErrorIs(t, err, ErrUseAfterRelease)
}

func TestStoreAll_AllOrNothing(t *testing.T) {
	out, err := FromHostArray([]float32{1, 2}, Shape{2})
	require.NoError(t, err)
	grad, err := NewTensorData(Shape{1})
	require.NoError(t, err)
	require.NoError(t, grad.Release())

	err = storeAll([]*TensorData{out, grad}, [][]float32{{7, 8}, {9}})
	assert.ErrorIs(t, err, ErrUseAfterRelease)
	got, err := out.ToHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got, "output written although a gradient target was released")

	live, err := NewTensorData(Shape{1})
	require.NoError(t, err)
	require.NoError(t, storeAll([]*TensorData{out, live, live}, [][]float32{{7, 8}, {5}, {6}}))
	got, _ = out.ToHostArray()
	assert.Equal(t, []float32{7, 8}, got)
	got, _ = live.ToHostArray()
	assert.Equal(t, []float32{6}, got)

	// the locks are released on both paths
	assert.NoError(t, out.Release())
	assert.NoError(t, live.Release())
}
