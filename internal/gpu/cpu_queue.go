package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/mpsengine/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const queueDepth = 64

// cpuQueue executes committed command buffers in commit order on its own goroutine.
type cpuQueue struct {
	device DeviceID
	log    *zap.Logger

	mu      sync.Mutex
	closed  bool
	work    chan *cpuCommandBuffer
	stopped chan struct{}
}

type command struct {
	kernel string
	run    func() error
}

type cpuCommandBuffer struct {
	device DeviceID
	queue  QueueID

	mu          sync.Mutex
	status      CommandBufferStatus
	commands    []command
	committedAt time.Time

	done chan struct{}
	err  error
}

// MakeCommandQueue starts a queue worker for the device.
func (c *CPUBackend) MakeCommandQueue(id DeviceID) (QueueID, error) {
	if _, err := c.device(id); err != nil {
		return QueueID{}, err
	}
	q := &cpuQueue{
		device:  id,
		work:    make(chan *cpuCommandBuffer, queueDepth),
		stopped: make(chan struct{}),
	}
	qid := QueueID{c.queues.Insert(q)}
	q.log = c.log.With(zap.Stringer("queue", qid))
	go q.run()
	c.log.Debug("command queue created", zap.Stringer("device", id), zap.Stringer("queue", qid))
	return qid, nil
}

// ReleaseQueue stops the queue after it has drained committed work.
func (c *CPUBackend) ReleaseQueue(id QueueID) error {
	q, ok := c.queues.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterRelease, "release %s", id)
	}
	q.stop()
	return nil
}

// MakeCommandBuffer returns a fresh, uncommitted command buffer.
func (c *CPUBackend) MakeCommandBuffer(id QueueID) (CommandBufferID, error) {
	q, ok := c.queues.Get(id.h)
	if !ok {
		return CommandBufferID{}, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	cb := &cpuCommandBuffer{
		device: q.device,
		queue:  id,
		status: StatusPending,
		done:   make(chan struct{}),
	}
	return CommandBufferID{c.cmdBufs.Insert(cb)}, nil
}

// Commit hands the command buffer to its queue. A buffer can be committed once.
func (c *CPUBackend) Commit(id CommandBufferID) error {
	cb, err := c.commandBuffer(id)
	if err != nil {
		return err
	}
	q, ok := c.queues.Get(cb.queue.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterRelease, "commit %s: %s", id, cb.queue)
	}

	cb.mu.Lock()
	if cb.status != StatusPending {
		cb.mu.Unlock()
		return errors.Wrapf(ErrAlreadyCommitted, "commit %s", id)
	}
	cb.status = StatusCommitted
	cb.committedAt = time.Now()
	cb.mu.Unlock()

	if err := q.submit(cb); err != nil {
		return errors.Wrapf(err, "commit %s", id)
	}
	metrics.CommandBuffersCommitted.WithLabelValues(string(KindCPU)).Inc()
	return nil
}

// WaitUntilCompleted blocks until the command buffer has run and releases it.
func (c *CPUBackend) WaitUntilCompleted(id CommandBufferID) error {
	cb, err := c.commandBuffer(id)
	if err != nil {
		return err
	}
	cb.mu.Lock()
	status := cb.status
	cb.mu.Unlock()
	if status == StatusPending {
		return errors.Wrapf(ErrNotCommitted, "wait on %s", id)
	}

	<-cb.done
	c.cmdBufs.Remove(id.h)
	return cb.err
}

// CommandBufferStatus reports the lifecycle state of a command buffer.
func (c *CPUBackend) CommandBufferStatus(id CommandBufferID) (CommandBufferStatus, error) {
	cb, err := c.commandBuffer(id)
	if err != nil {
		return 0, err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status, nil
}

func (c *CPUBackend) commandBuffer(id CommandBufferID) (*cpuCommandBuffer, error) {
	cb, ok := c.cmdBufs.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	return cb, nil
}

// encode appends a command to a pending buffer.
func (cb *cpuCommandBuffer) encode(cmd command) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusPending {
		return errors.Wrapf(ErrAlreadyCommitted, "encode %s", cmd.kernel)
	}
	cb.commands = append(cb.commands, cmd)
	return nil
}

func (q *cpuQueue) submit(cb *cpuCommandBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrUseAfterRelease
	}
	q.work <- cb
	return nil
}

func (q *cpuQueue) stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()
	<-q.stopped
}

func (q *cpuQueue) run() {
	defer close(q.stopped)
	for cb := range q.work {
		cb.execute(q.log)
	}
}

// execute runs the commands in order and stops at the first failure.
func (cb *cpuCommandBuffer) execute(log *zap.Logger) {
	var err error
	for _, cmd := range cb.commands {
		if err = runCommand(cmd); err != nil {
			break
		}
		metrics.KernelsExecuted.WithLabelValues(string(KindCPU), cmd.kernel).Inc()
	}

	cb.mu.Lock()
	cb.err = err
	status := "completed"
	cb.status = StatusCompleted
	if err != nil {
		cb.status = StatusError
		status = "error"
	}
	elapsed := time.Since(cb.committedAt)
	cb.mu.Unlock()

	metrics.CommandBuffersCompleted.WithLabelValues(string(KindCPU), status).Inc()
	metrics.CommandBufferDuration.WithLabelValues(string(KindCPU)).Observe(float64(elapsed.Microseconds()) / 1000)
	if err != nil {
		log.Warn("command buffer failed", zap.Int("commands", len(cb.commands)), zap.Error(err))
	} else {
		log.Debug("command buffer completed", zap.Int("commands", len(cb.commands)), zap.Duration("elapsed", elapsed))
	}
	close(cb.done)
}

func runCommand(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(ErrInternal, fmt.Sprintf("kernel %s panicked: %v", cmd.kernel, r))
		}
	}()
	return cmd.run()
}
