package mps

import (
	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/pkg/errors"
)

// Buffer is device memory owned by whoever allocated it until released.
type Buffer struct {
	s      *Session
	id     gpu.BufferID
	length int
}

// Allocate returns a zero-filled buffer of length bytes.
func (s *Session) Allocate(length int) (*Buffer, error) {
	var b *Buffer
	err := s.use(func() error {
		id, err := s.backend.AllocateBuffer(s.device, length)
		if err != nil {
			return err
		}
		b = &Buffer{s: s, id: id, length: length}
		return nil
	})
	return b, err
}

// AllocateFrom returns a buffer holding a copy of data.
func (s *Session) AllocateFrom(data []byte) (*Buffer, error) {
	var b *Buffer
	err := s.use(func() error {
		id, err := s.backend.AllocateBufferWithBytes(s.device, data)
		if err != nil {
			return err
		}
		b = &Buffer{s: s, id: id, length: len(data)}
		return nil
	})
	return b, err
}

// AllocateFromFloat32 uploads values as little-endian float32.
func (s *Session) AllocateFromFloat32(values []float32) (*Buffer, error) {
	return s.AllocateFrom(gpu.Float32sToBytes(values))
}

// Length is the buffer size in bytes.
func (b *Buffer) Length() int {
	return b.length
}

// ReadBack copies min(Length(), maxBytes) bytes into dst. Asking for more
// bytes than the buffer holds, or more than dst can take, fails with
// ErrBufferOverrun and copies nothing.
func (b *Buffer) ReadBack(dst []byte, maxBytes int) (int, error) {
	if maxBytes < 0 {
		return 0, errors.Wrapf(ErrBufferOverrun, "negative read size %d", maxBytes)
	}
	if maxBytes > b.length {
		return 0, errors.Wrapf(ErrBufferOverrun, "read of %d bytes from buffer of %d bytes", maxBytes, b.length)
	}
	n := min(b.length, maxBytes)
	if n > len(dst) {
		return 0, errors.Wrapf(ErrBufferOverrun, "read of %d bytes into destination of %d bytes", n, len(dst))
	}

	var read int
	err := b.s.use(func() (err error) {
		read, err = b.s.backend.ReadBufferContents(b.id, dst[:n])
		return err
	})
	return read, err
}

// ReadFloat32 reads the whole buffer as float32 values.
func (b *Buffer) ReadFloat32() ([]float32, error) {
	dst := make([]byte, b.length)
	if _, err := b.ReadBack(dst, b.length); err != nil {
		return nil, err
	}
	return gpu.BytesToFloat32s(dst), nil
}

// Release frees the buffer. Matrices built on it become unusable.
func (b *Buffer) Release() error {
	return b.s.use(func() error {
		return b.s.backend.ReleaseBuffer(b.id)
	})
}
