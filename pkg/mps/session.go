// Package mps is the device-facing half of the engine: sessions, command
// queues, device buffers, matrix views and GEMM kernels.
//
// A Session owns one device. Everything created from it is invalid once the
// session is closed, and using it afterwards returns ErrUseAfterClose.
package mps

import (
	"sync"

	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/fxnlabs/mpsengine/internal/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Session owns a device handle and a default command queue.
type Session struct {
	id      uuid.UUID
	backend gpu.Backend
	device  gpu.DeviceID
	name    string
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  *Queue
}

// Open creates the backend's default device and its default queue.
func Open(backend gpu.Backend, log *zap.Logger) (*Session, error) {
	if backend == nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, "no backend")
	}
	id := uuid.New()
	log = logger.OrNop(log).Named("session").With(zap.String("session", id.String()))

	device, err := backend.CreateDefaultDevice()
	if err != nil {
		return nil, errors.Wrap(err, "create default device")
	}
	name, err := backend.DeviceName(device)
	if err != nil {
		_ = backend.ReleaseDevice(device)
		return nil, err
	}
	qid, err := backend.MakeCommandQueue(device)
	if err != nil {
		_ = backend.ReleaseDevice(device)
		return nil, errors.Wrap(err, "create command queue")
	}

	s := &Session{
		id:      id,
		backend: backend,
		device:  device,
		name:    name,
		log:     log,
	}
	s.queue = &Queue{s: s, id: qid}

	log.Info("Session opened", zap.String("device", name), zap.String("backend", string(backend.Kind())))
	return s, nil
}

// ID uniquely identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Name returns the device name captured when the session was opened.
func (s *Session) Name() string {
	return s.name
}

// Info returns the device description and memory counters.
func (s *Session) Info() (DeviceInfo, error) {
	var info DeviceInfo
	err := s.use(func() (err error) {
		info, err = s.backend.DeviceInfo(s.device)
		return err
	})
	return info, err
}

// Queue returns the session's default command queue.
func (s *Session) Queue() *Queue {
	return s.queue
}

// NewQueue creates an additional command queue on the device.
func (s *Session) NewQueue() (*Queue, error) {
	var q *Queue
	err := s.use(func() error {
		id, err := s.backend.MakeCommandQueue(s.device)
		if err != nil {
			return err
		}
		q = &Queue{s: s, id: id}
		return nil
	})
	return q, err
}

// Close releases the device and every object created from the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrapf(ErrUseAfterClose, "close session %s", s.id)
	}
	s.closed = true
	if err := s.backend.ReleaseDevice(s.device); err != nil {
		return err
	}
	s.log.Info("Session closed")
	return nil
}

// use runs fn unless the session is closed. Close waits for running calls.
func (s *Session) use(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Wrapf(ErrUseAfterClose, "session %s", s.id)
	}
	return fn()
}

// owns reports whether an object created by other can be used with s.
func (s *Session) owns(other *Session) error {
	if other != s {
		return errors.Wrapf(ErrDeviceMismatch, "object belongs to session %s, not %s", other.id, s.id)
	}
	return nil
}
