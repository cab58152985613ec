package mps

import (
	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/pkg/errors"
)

// Queue is an ordered submission channel. Command buffers committed to one
// queue complete in commit order. A Queue is not safe for concurrent encoding
// and committing from several goroutines.
type Queue struct {
	s  *Session
	id gpu.QueueID
}

// NewCommandBuffer returns an empty, uncommitted command buffer.
func (q *Queue) NewCommandBuffer() (*CommandBuffer, error) {
	var cb *CommandBuffer
	err := q.s.use(func() error {
		id, err := q.s.backend.MakeCommandBuffer(q.id)
		if err != nil {
			return err
		}
		cb = &CommandBuffer{s: q.s, id: id}
		return nil
	})
	return cb, err
}

// Release releases the queue. Committed work is drained first.
func (q *Queue) Release() error {
	return q.s.use(func() error {
		return q.s.backend.ReleaseQueue(q.id)
	})
}

// CommandBuffer is a single-use batch of encoded work: encode, commit once,
// then wait. It cannot be used after WaitUntilCompleted returns.
type CommandBuffer struct {
	s  *Session
	id gpu.CommandBufferID
}

// Commit submits the command buffer for execution.
func (cb *CommandBuffer) Commit() error {
	return cb.s.use(func() error {
		return cb.s.backend.Commit(cb.id)
	})
}

// WaitUntilCompleted blocks until the committed work has run and returns the
// error it produced, if any.
func (cb *CommandBuffer) WaitUntilCompleted() error {
	return cb.s.use(func() error {
		return cb.s.backend.WaitUntilCompleted(cb.id)
	})
}

// Status reports the lifecycle state of the command buffer.
func (cb *CommandBuffer) Status() (CommandBufferStatus, error) {
	var status CommandBufferStatus
	err := cb.s.use(func() (err error) {
		status, err = cb.s.backend.CommandBufferStatus(cb.id)
		return err
	})
	return status, err
}

// EncodeElementwise appends op over the first count float32 elements of a, b
// and out. out may alias either input.
func (cb *CommandBuffer) EncodeElementwise(op ElementwiseOp, a, b, out *Buffer, count int) error {
	for _, buf := range []*Buffer{a, b, out} {
		if buf == nil {
			return errors.Wrap(ErrUseAfterRelease, "nil buffer")
		}
		if err := cb.s.owns(buf.s); err != nil {
			return err
		}
	}
	return cb.s.use(func() error {
		return cb.s.backend.EncodeElementwise(cb.id, op, a.id, b.id, out.id, count)
	})
}

// Run commits the command buffer and waits for it.
func (cb *CommandBuffer) Run() error {
	if err := cb.Commit(); err != nil {
		return err
	}
	return cb.WaitUntilCompleted()
}
