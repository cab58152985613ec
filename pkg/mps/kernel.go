package mps

import (
	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MatmulKernel computes result = Alpha*op(left)@op(right) + Beta*result for a
// fixed configuration. It can be encoded any number of times.
type MatmulKernel struct {
	s   *Session
	id  gpu.KernelID
	cfg MatmulConfig
}

// NewMatmulKernel allocates a GEMM kernel on the session's device.
func (s *Session) NewMatmulKernel(cfg MatmulConfig) (*MatmulKernel, error) {
	var k *MatmulKernel
	err := s.use(func() error {
		id, err := s.backend.AllocateMatmulKernel(s.device, cfg)
		if err != nil {
			return err
		}
		k = &MatmulKernel{s: s, id: id, cfg: cfg}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("Matmul kernel created",
		zap.Int("m", cfg.Rows), zap.Int("n", cfg.Columns), zap.Int("k", cfg.Inner),
		zap.Bool("transpose_left", cfg.TransposeLeft), zap.Bool("transpose_right", cfg.TransposeRight))
	return k, nil
}

// Config returns the kernel configuration.
func (k *MatmulKernel) Config() MatmulConfig {
	return k.cfg
}

// Encode appends the GEMM to cb. Shapes are checked before anything is
// recorded. Nothing runs until cb is committed.
func (k *MatmulKernel) Encode(cb *CommandBuffer, left, right, result Matrix) error {
	if cb == nil {
		return errors.Wrap(ErrUseAfterRelease, "nil command buffer")
	}
	if err := k.check(cb.s, left, right, result); err != nil {
		return err
	}
	return k.s.use(func() error {
		return k.s.backend.EncodeMatmul(cb.id, k.id, left.ref(), right.ref(), result.ref())
	})
}

// EncodeToQueue encodes into a new command buffer on q and returns it
// uncommitted.
func (k *MatmulKernel) EncodeToQueue(q *Queue, left, right, result Matrix) (*CommandBuffer, error) {
	if q == nil {
		return nil, errors.Wrap(ErrUseAfterRelease, "nil queue")
	}
	if err := k.check(q.s, left, right, result); err != nil {
		return nil, err
	}
	cb, err := q.NewCommandBuffer()
	if err != nil {
		return nil, err
	}
	if err := k.Encode(cb, left, right, result); err != nil {
		// Nothing was recorded, so running the buffer only retires it.
		_ = cb.Run()
		return nil, err
	}
	return cb, nil
}

// Release frees the kernel.
func (k *MatmulKernel) Release() error {
	return k.s.use(func() error {
		return k.s.backend.ReleaseKernel(k.id)
	})
}

func (k *MatmulKernel) check(owner *Session, left, right, result Matrix) error {
	if err := k.s.owns(owner); err != nil {
		return err
	}
	for _, m := range []Matrix{left, right, result} {
		if m.buffer == nil {
			return errors.Wrap(ErrShapeMismatch, "matrix has no buffer")
		}
		if err := k.s.owns(m.buffer.s); err != nil {
			return err
		}
	}
	return k.cfg.Conformable(left.ref(), right.ref(), result.ref())
}
