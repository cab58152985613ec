//go:build metal && darwin
// +build metal,darwin

package gpu

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Metal -framework MetalPerformanceShaders -framework Foundation
#include <stdlib.h>
#include "mps_bridge.h"
*/
import "C"
import (
	"sync"
	"time"
	"unsafe"

	"github.com/fxnlabs/mpsengine/internal/handle"
	"github.com/fxnlabs/mpsengine/internal/logger"
	"github.com/fxnlabs/mpsengine/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MetalBackend implements Backend using Apple Metal and MetalPerformanceShaders.
// All buffers use shared storage, so reads need no blit.
type MetalBackend struct {
	log *zap.Logger

	devices *handle.Registry[*metalDevice]
	queues  *handle.Registry[*metalObject]
	cmdBufs *handle.Registry[*metalCommandBuffer]
	buffers *handle.Registry[*metalBuffer]
	kernels *handle.Registry[*metalKernel]

	releaseMu sync.Mutex
}

type metalDevice struct {
	ref         C.mpsb_ref
	elementwise C.mpsb_ref
	name        string
}

type metalObject struct {
	device DeviceID
	ref    C.mpsb_ref
}

type metalBuffer struct {
	metalObject
	length int
}

type metalKernel struct {
	metalObject
	cfg MatmulConfig
}

type metalCommandBuffer struct {
	metalObject
	queue QueueID

	mu          sync.Mutex
	status      CommandBufferStatus
	kernels     []string // encoded kernel names, counted once the buffer completes
	committedAt time.Time
}

// NewMetalBackend creates a Metal backend. It fails with ErrDeviceUnavailable
// when the system has no Metal device.
func NewMetalBackend(log *zap.Logger) (*MetalBackend, error) {
	probe := C.mpsb_create_default_device()
	if probe == nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, "no Metal-capable device found")
	}
	C.mpsb_release(probe)

	return &MetalBackend{
		log:     logger.OrNop(log).Named("metal"),
		devices: handle.NewRegistry[*metalDevice](),
		queues:  handle.NewRegistry[*metalObject](),
		cmdBufs: handle.NewRegistry[*metalCommandBuffer](),
		buffers: handle.NewRegistry[*metalBuffer](),
		kernels: handle.NewRegistry[*metalKernel](),
	}, nil
}

// Kind reports KindMetal.
func (m *MetalBackend) Kind() Kind {
	return KindMetal
}

// CreateDefaultDevice opens the system default Metal device and compiles
// its elementwise pipelines.
func (m *MetalBackend) CreateDefaultDevice() (DeviceID, error) {
	ref := C.mpsb_create_default_device()
	if ref == nil {
		return DeviceID{}, errors.Wrap(ErrDeviceUnavailable, "MTLCreateSystemDefaultDevice returned nil")
	}
	lib := C.mpsb_make_elementwise_library(ref)
	if lib == nil {
		C.mpsb_release(ref)
		return DeviceID{}, errors.Wrap(ErrInternal, "failed to compile elementwise pipelines")
	}

	var name [256]C.char
	C.mpsb_device_name(ref, &name[0], C.size_t(len(name)))
	d := &metalDevice{ref: ref, elementwise: lib, name: C.GoString(&name[0])}
	id := DeviceID{m.devices.Insert(d)}

	m.log.Info("Metal device created",
		zap.Stringer("device", id),
		zap.String("name", d.name),
		zap.Bool("unified_memory", bool(C.mpsb_device_unified_memory(ref))),
		zap.Uint64("recommended_memory", uint64(C.mpsb_device_recommended_memory(ref))))
	return id, nil
}

// ReleaseDevice releases the device and every object created under it.
func (m *MetalBackend) ReleaseDevice(id DeviceID) error {
	m.releaseMu.Lock()
	defer m.releaseMu.Unlock()

	d, ok := m.devices.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterClose, "release %s", id)
	}

	var cmdBufs, queues, buffers, kernels []handle.Handle
	m.cmdBufs.Each(func(h handle.Handle, cb *metalCommandBuffer) {
		if cb.device == id {
			cmdBufs = append(cmdBufs, h)
		}
	})
	m.queues.Each(func(h handle.Handle, q *metalObject) {
		if q.device == id {
			queues = append(queues, h)
		}
	})
	m.buffers.Each(func(h handle.Handle, b *metalBuffer) {
		if b.device == id {
			buffers = append(buffers, h)
		}
	})
	m.kernels.Each(func(h handle.Handle, k *metalKernel) {
		if k.device == id {
			kernels = append(kernels, h)
		}
	})

	for _, h := range cmdBufs {
		if cb, ok := m.cmdBufs.Remove(h); ok {
			C.mpsb_release(cb.ref)
		}
	}
	for _, h := range queues {
		if q, ok := m.queues.Remove(h); ok {
			C.mpsb_release(q.ref)
		}
	}
	for _, h := range buffers {
		if b, ok := m.buffers.Remove(h); ok {
			C.mpsb_release(b.ref)
			metrics.DeviceMemoryAllocatedBytes.WithLabelValues(string(KindMetal)).Sub(float64(b.length))
		}
	}
	for _, h := range kernels {
		if k, ok := m.kernels.Remove(h); ok {
			C.mpsb_release(k.ref)
		}
	}
	C.mpsb_release(d.elementwise)
	C.mpsb_release(d.ref)

	m.log.Info("Metal device released", zap.Stringer("device", id), zap.Int("buffers", len(buffers)))
	return nil
}

// DeviceName returns the Metal device name.
func (m *MetalBackend) DeviceName(id DeviceID) (string, error) {
	d, err := m.device(id)
	if err != nil {
		return "", err
	}
	return d.name, nil
}

// DeviceInfo reports the recommended working set as total memory.
func (m *MetalBackend) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	d, err := m.device(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	total := int64(C.mpsb_device_recommended_memory(d.ref))
	return DeviceInfo{
		Name:            d.name,
		Backend:         KindMetal,
		TotalMemory:     total,
		AvailableMemory: total - int64(C.mpsb_device_allocated_memory(d.ref)),
		UnifiedMemory:   bool(C.mpsb_device_unified_memory(d.ref)),
	}, nil
}

func (m *MetalBackend) MakeCommandQueue(id DeviceID) (QueueID, error) {
	d, err := m.device(id)
	if err != nil {
		return QueueID{}, err
	}
	ref := C.mpsb_make_command_queue(d.ref)
	if ref == nil {
		return QueueID{}, errors.Wrap(ErrInternal, "newCommandQueue returned nil")
	}
	return QueueID{m.queues.Insert(&metalObject{device: id, ref: ref})}, nil
}

func (m *MetalBackend) ReleaseQueue(id QueueID) error {
	q, ok := m.queues.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterRelease, "release %s", id)
	}
	C.mpsb_release(q.ref)
	return nil
}

func (m *MetalBackend) MakeCommandBuffer(id QueueID) (CommandBufferID, error) {
	q, ok := m.queues.Get(id.h)
	if !ok {
		return CommandBufferID{}, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	ref := C.mpsb_make_command_buffer(q.ref)
	if ref == nil {
		return CommandBufferID{}, errors.Wrap(ErrInternal, "commandBuffer returned nil")
	}
	cb := &metalCommandBuffer{metalObject: metalObject{device: q.device, ref: ref}, queue: id}
	return CommandBufferID{m.cmdBufs.Insert(cb)}, nil
}

func (m *MetalBackend) Commit(id CommandBufferID) error {
	cb, err := m.commandBuffer(id)
	if err != nil {
		return err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusPending {
		return errors.Wrapf(ErrAlreadyCommitted, "commit %s", id)
	}
	cb.status = StatusCommitted
	cb.committedAt = time.Now()
	C.mpsb_commit(cb.ref)
	metrics.CommandBuffersCommitted.WithLabelValues(string(KindMetal)).Inc()
	return nil
}

func (m *MetalBackend) WaitUntilCompleted(id CommandBufferID) error {
	cb, err := m.commandBuffer(id)
	if err != nil {
		return err
	}
	cb.mu.Lock()
	status := cb.status
	cb.mu.Unlock()
	if status == StatusPending {
		return errors.Wrapf(ErrNotCommitted, "wait on %s", id)
	}

	code := C.mpsb_wait_until_completed(cb.ref)
	elapsed := time.Since(cb.committedAt)

	cb.mu.Lock()
	result := "completed"
	cb.status = StatusCompleted
	if code != 0 {
		cb.status = StatusError
		result = "error"
	}
	kernels := cb.kernels
	cb.mu.Unlock()

	// Only the waiter that removes the buffer records it.
	if _, ok := m.cmdBufs.Remove(id.h); ok {
		C.mpsb_release(cb.ref)
		metrics.CommandBuffersCompleted.WithLabelValues(string(KindMetal), result).Inc()
		metrics.CommandBufferDuration.WithLabelValues(string(KindMetal)).Observe(float64(elapsed.Microseconds()) / 1000)
		if code == 0 {
			for _, name := range kernels {
				metrics.KernelsExecuted.WithLabelValues(string(KindMetal), name).Inc()
			}
		}
	}
	if code != 0 {
		return errors.Wrapf(ErrInternal, "command buffer %s failed with MTLCommandBufferError %d", id, int(code))
	}
	return nil
}

func (m *MetalBackend) CommandBufferStatus(id CommandBufferID) (CommandBufferStatus, error) {
	cb, err := m.commandBuffer(id)
	if err != nil {
		return 0, err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status, nil
}

func (m *MetalBackend) AllocateBuffer(id DeviceID, length int) (BufferID, error) {
	if length <= 0 {
		return BufferID{}, errors.Wrapf(ErrShapeMismatch, "buffer length must be positive, got %d", length)
	}
	d, err := m.device(id)
	if err != nil {
		return BufferID{}, err
	}
	return m.insertBuffer(id, C.mpsb_make_buffer(d.ref, C.size_t(length)), length)
}

func (m *MetalBackend) AllocateBufferWithBytes(id DeviceID, data []byte) (BufferID, error) {
	if len(data) == 0 {
		return BufferID{}, errors.Wrap(ErrShapeMismatch, "buffer length must be positive, got 0")
	}
	d, err := m.device(id)
	if err != nil {
		return BufferID{}, err
	}
	ref := C.mpsb_make_buffer_with_bytes(d.ref, unsafe.Pointer(&data[0]), C.size_t(len(data)))
	return m.insertBuffer(id, ref, len(data))
}

func (m *MetalBackend) insertBuffer(id DeviceID, ref C.mpsb_ref, length int) (BufferID, error) {
	if ref == nil {
		return BufferID{}, errors.Wrapf(ErrOutOfDeviceMemory, "newBuffer of %d bytes returned nil", length)
	}
	metrics.DeviceMemoryAllocatedBytes.WithLabelValues(string(KindMetal)).Add(float64(length))
	return BufferID{m.buffers.Insert(&metalBuffer{metalObject: metalObject{device: id, ref: ref}, length: length})}, nil
}

func (m *MetalBackend) BufferLength(id BufferID) (int, error) {
	b, err := m.buffer(id)
	if err != nil {
		return 0, err
	}
	return b.length, nil
}

func (m *MetalBackend) ReadBufferContents(id BufferID, dst []byte) (int, error) {
	b, err := m.buffer(id)
	if err != nil {
		return 0, err
	}
	if len(dst) > b.length {
		return 0, errors.Wrapf(ErrBufferOverrun, "read of %d bytes from %s of %d bytes", len(dst), id, b.length)
	}
	if len(dst) == 0 {
		return 0, nil
	}
	C.mpsb_read_buffer(b.ref, unsafe.Pointer(&dst[0]), C.size_t(len(dst)))
	return len(dst), nil
}

func (m *MetalBackend) ReleaseBuffer(id BufferID) error {
	b, ok := m.buffers.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterRelease, "release %s", id)
	}
	C.mpsb_release(b.ref)
	metrics.DeviceMemoryAllocatedBytes.WithLabelValues(string(KindMetal)).Sub(float64(b.length))
	return nil
}

func (m *MetalBackend) AllocateMatmulKernel(id DeviceID, cfg MatmulConfig) (KernelID, error) {
	if err := cfg.Validate(); err != nil {
		return KernelID{}, err
	}
	d, err := m.device(id)
	if err != nil {
		return KernelID{}, err
	}
	ref := C.mpsb_make_matmul_kernel(d.ref, C.bool(cfg.TransposeLeft), C.bool(cfg.TransposeRight),
		C.size_t(cfg.Rows), C.size_t(cfg.Columns), C.size_t(cfg.Inner), C.float(cfg.Alpha), C.float(cfg.Beta))
	if ref == nil {
		return KernelID{}, errors.Wrap(ErrInternal, "MPSMatrixMultiplication init returned nil")
	}
	return KernelID{m.kernels.Insert(&metalKernel{metalObject: metalObject{device: id, ref: ref}, cfg: cfg})}, nil
}

func (m *MetalBackend) ReleaseKernel(id KernelID) error {
	k, ok := m.kernels.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterRelease, "release %s", id)
	}
	C.mpsb_release(k.ref)
	return nil
}

func (m *MetalBackend) EncodeMatmul(cbID CommandBufferID, kernelID KernelID, left, right, result MatrixRef) error {
	cb, err := m.commandBuffer(cbID)
	if err != nil {
		return err
	}
	k, err := m.kernel(kernelID)
	if err != nil {
		return err
	}
	if k.device != cb.device {
		return errors.Wrapf(ErrDeviceMismatch, "%s used with %s", kernelID, cbID)
	}
	if err := k.cfg.Conformable(left, right, result); err != nil {
		return err
	}
	refs := make([]C.mpsb_ref, 3)
	for i, mat := range []MatrixRef{left, right, result} {
		b, err := m.buffer(mat.Buffer)
		if err != nil {
			return err
		}
		if b.device != cb.device {
			return errors.Wrapf(ErrDeviceMismatch, "%s used with %s", mat.Buffer, cbID)
		}
		if err := ValidateLayout(mat.Rows, mat.Columns, mat.RowBytes, b.length); err != nil {
			return err
		}
		refs[i] = b.ref
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusPending {
		return errors.Wrapf(ErrAlreadyCommitted, "encode gemm into %s", cbID)
	}
	C.mpsb_encode_matmul(k.ref, cb.ref,
		refs[0], C.size_t(left.Rows), C.size_t(left.Columns), C.size_t(left.RowBytes),
		refs[1], C.size_t(right.Rows), C.size_t(right.Columns), C.size_t(right.RowBytes),
		refs[2], C.size_t(result.Rows), C.size_t(result.Columns), C.size_t(result.RowBytes))
	cb.kernels = append(cb.kernels, "gemm")
	metrics.MatmulEncodes.WithLabelValues(string(KindMetal)).Inc()
	return nil
}

func (m *MetalBackend) EncodeElementwise(cbID CommandBufferID, op ElementwiseOp, a, b, out BufferID, count int) error {
	cb, err := m.commandBuffer(cbID)
	if err != nil {
		return err
	}
	if op < OpAdd || op > OpMultiplyAccumulate {
		return errors.Wrapf(ErrInternal, "unknown elementwise op %d", int(op))
	}
	if count <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "element count must be positive, got %d", count)
	}
	d, err := m.device(cb.device)
	if err != nil {
		return err
	}
	refs := make([]C.mpsb_ref, 3)
	for i, id := range []BufferID{a, b, out} {
		buf, err := m.buffer(id)
		if err != nil {
			return err
		}
		if buf.device != cb.device {
			return errors.Wrapf(ErrDeviceMismatch, "%s used with %s", id, cbID)
		}
		if count > buf.length/Float32Size {
			return errors.Wrapf(ErrShapeMismatch, "%d elements exceed %s of %d bytes", count, id, buf.length)
		}
		refs[i] = buf.ref
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusPending {
		return errors.Wrapf(ErrAlreadyCommitted, "encode %s into %s", op, cbID)
	}
	if rc := C.mpsb_encode_elementwise(d.elementwise, cb.ref, C.int(op), refs[0], refs[1], refs[2], C.uint(count)); rc != 0 {
		return errors.Wrapf(ErrInternal, "encode %s failed with code %d", op, int(rc))
	}
	cb.kernels = append(cb.kernels, op.String())
	return nil
}

func (m *MetalBackend) device(id DeviceID) (*metalDevice, error) {
	d, ok := m.devices.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterClose, "%s", id)
	}
	return d, nil
}

func (m *MetalBackend) commandBuffer(id CommandBufferID) (*metalCommandBuffer, error) {
	cb, ok := m.cmdBufs.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	return cb, nil
}

func (m *MetalBackend) buffer(id BufferID) (*metalBuffer, error) {
	b, ok := m.buffers.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	return b, nil
}

func (m *MetalBackend) kernel(id KernelID) (*metalKernel, error) {
	k, ok := m.kernels.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	return k, nil
}
