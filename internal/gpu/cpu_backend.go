package gpu

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/fxnlabs/mpsengine/internal/config"
	"github.com/fxnlabs/mpsengine/internal/handle"
	"github.com/fxnlabs/mpsengine/internal/logger"
	"github.com/fxnlabs/mpsengine/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CPUBackend implements Backend with a software device. Command buffers
// run on one worker goroutine per queue, so execution is asynchronous to
// the submitter and ordered per queue.
type CPUBackend struct {
	log *zap.Logger
	cfg config.DeviceConfig

	devices *handle.Registry[*cpuDevice]
	queues  *handle.Registry[*cpuQueue]
	cmdBufs *handle.Registry[*cpuCommandBuffer]
	buffers *handle.Registry[*cpuBuffer]
	kernels *handle.Registry[*cpuKernel]

	releaseMu sync.Mutex
}

type cpuDevice struct {
	name        string
	memoryLimit int64 // <= 0 means unlimited

	mu        sync.Mutex
	allocated int64
}

// cpuBuffer keeps its bytes in float32-aligned storage so kernels can use
// the memory directly. The byte view uses host byte order.
type cpuBuffer struct {
	device  DeviceID
	storage []float32
	bytes   []byte
}

type cpuKernel struct {
	device DeviceID
	cfg    MatmulConfig
}

// NewCPUBackend creates a new CPU backend instance
func NewCPUBackend(cfg config.DeviceConfig, log *zap.Logger) *CPUBackend {
	return &CPUBackend{
		log:     logger.OrNop(log).Named("cpu"),
		cfg:     cfg,
		devices: handle.NewRegistry[*cpuDevice](),
		queues:  handle.NewRegistry[*cpuQueue](),
		cmdBufs: handle.NewRegistry[*cpuCommandBuffer](),
		buffers: handle.NewRegistry[*cpuBuffer](),
		kernels: handle.NewRegistry[*cpuKernel](),
	}
}

// Kind reports KindCPU.
func (c *CPUBackend) Kind() Kind {
	return KindCPU
}

// CreateDefaultDevice creates a software device. It never fails for lack of hardware.
func (c *CPUBackend) CreateDefaultDevice() (DeviceID, error) {
	name := c.cfg.Name
	if name == "" {
		name = fmt.Sprintf("CPU (%s, %d cores)", runtime.GOARCH, runtime.NumCPU())
	}
	id := DeviceID{c.devices.Insert(&cpuDevice{name: name, memoryLimit: c.cfg.MemoryLimit})}
	c.log.Info("CPU device created",
		zap.Stringer("device", id),
		zap.String("name", name),
		zap.Int64("memory_limit", c.cfg.MemoryLimit))
	return id, nil
}

// ReleaseDevice invalidates the device and every queue, command buffer,
// buffer and kernel created under it. Work already committed is drained first.
func (c *CPUBackend) ReleaseDevice(id DeviceID) error {
	c.releaseMu.Lock()
	defer c.releaseMu.Unlock()

	d, ok := c.devices.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterClose, "release %s", id)
	}

	var queues []handle.Handle
	c.queues.Each(func(h handle.Handle, q *cpuQueue) {
		if q.device == id {
			queues = append(queues, h)
		}
	})
	for _, h := range queues {
		if q, ok := c.queues.Remove(h); ok {
			q.stop()
		}
	}

	var cmdBufs []handle.Handle
	c.cmdBufs.Each(func(h handle.Handle, cb *cpuCommandBuffer) {
		if cb.device == id {
			cmdBufs = append(cmdBufs, h)
		}
	})
	for _, h := range cmdBufs {
		c.cmdBufs.Remove(h)
	}

	var buffers []handle.Handle
	c.buffers.Each(func(h handle.Handle, b *cpuBuffer) {
		if b.device == id {
			buffers = append(buffers, h)
		}
	})
	for _, h := range buffers {
		if b, ok := c.buffers.Remove(h); ok {
			d.unreserve(int64(len(b.bytes)))
		}
	}

	var kernels []handle.Handle
	c.kernels.Each(func(h handle.Handle, k *cpuKernel) {
		if k.device == id {
			kernels = append(kernels, h)
		}
	})
	for _, h := range kernels {
		c.kernels.Remove(h)
	}

	c.log.Info("CPU device released",
		zap.Stringer("device", id),
		zap.Int("queues", len(queues)),
		zap.Int("buffers", len(buffers)),
		zap.Int("kernels", len(kernels)))
	return nil
}

// DeviceName returns the human-readable device name.
func (c *CPUBackend) DeviceName(id DeviceID) (string, error) {
	d, err := c.device(id)
	if err != nil {
		return "", err
	}
	return d.name, nil
}

// DeviceInfo returns memory accounting for the device.
func (c *CPUBackend) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	d, err := c.device(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	info := DeviceInfo{
		Name:          d.name,
		Backend:       KindCPU,
		TotalMemory:   d.memoryLimit,
		UnifiedMemory: true,
	}
	if d.memoryLimit > 0 {
		info.AvailableMemory = d.memoryLimit - d.allocated
	}
	return info, nil
}

// AllocateBuffer returns zero-filled memory of the given length.
func (c *CPUBackend) AllocateBuffer(id DeviceID, length int) (BufferID, error) {
	if length <= 0 {
		return BufferID{}, errors.Wrapf(ErrShapeMismatch, "buffer length must be positive, got %d", length)
	}
	d, err := c.device(id)
	if err != nil {
		return BufferID{}, err
	}
	if err := d.reserve(int64(length)); err != nil {
		c.log.Warn("buffer allocation failed", zap.Stringer("device", id), zap.Int("length", length), zap.Error(err))
		return BufferID{}, err
	}

	storage := make([]float32, (length+Float32Size-1)/Float32Size)
	b := &cpuBuffer{
		device:  id,
		storage: storage,
		bytes:   unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(storage))), length),
	}
	bid := BufferID{c.buffers.Insert(b)}
	c.log.Debug("buffer allocated", zap.Stringer("buffer", bid), zap.Int("length", length))
	return bid, nil
}

// AllocateBufferWithBytes returns a buffer holding a copy of data.
func (c *CPUBackend) AllocateBufferWithBytes(id DeviceID, data []byte) (BufferID, error) {
	bid, err := c.AllocateBuffer(id, len(data))
	if err != nil {
		return BufferID{}, err
	}
	b, _ := c.buffers.Get(bid.h)
	copy(b.bytes, data)
	return bid, nil
}

// BufferLength returns the buffer size in bytes.
func (c *CPUBackend) BufferLength(id BufferID) (int, error) {
	b, err := c.buffer(id)
	if err != nil {
		return 0, err
	}
	return len(b.bytes), nil
}

// ReadBufferContents copies len(dst) bytes from the start of the buffer.
func (c *CPUBackend) ReadBufferContents(id BufferID, dst []byte) (int, error) {
	b, err := c.buffer(id)
	if err != nil {
		return 0, err
	}
	if len(dst) > len(b.bytes) {
		return 0, errors.Wrapf(ErrBufferOverrun, "read of %d bytes from %s of %d bytes", len(dst), id, len(b.bytes))
	}
	return copy(dst, b.bytes), nil
}

// ReleaseBuffer frees the buffer and returns its bytes to the device budget.
func (c *CPUBackend) ReleaseBuffer(id BufferID) error {
	b, ok := c.buffers.Remove(id.h)
	if !ok {
		return errors.Wrapf(ErrUseAfterRelease, "release %s", id)
	}
	if d, ok := c.devices.Get(b.device.h); ok {
		d.unreserve(int64(len(b.bytes)))
	}
	return nil
}

// AllocateMatmulKernel stores a GEMM configuration for later encodes.
func (c *CPUBackend) AllocateMatmulKernel(id DeviceID, cfg MatmulConfig) (KernelID, error) {
	if err := cfg.Validate(); err != nil {
		return KernelID{}, err
	}
	if _, err := c.device(id); err != nil {
		return KernelID{}, err
	}
	return KernelID{c.kernels.Insert(&cpuKernel{device: id, cfg: cfg})}, nil
}

// ReleaseKernel frees a kernel.
func (c *CPUBackend) ReleaseKernel(id KernelID) error {
	if _, ok := c.kernels.Remove(id.h); !ok {
		return errors.Wrapf(ErrUseAfterRelease, "release %s", id)
	}
	return nil
}

func (c *CPUBackend) device(id DeviceID) (*cpuDevice, error) {
	d, ok := c.devices.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterClose, "%s", id)
	}
	return d, nil
}

func (c *CPUBackend) buffer(id BufferID) (*cpuBuffer, error) {
	b, ok := c.buffers.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	return b, nil
}

func (c *CPUBackend) kernel(id KernelID) (*cpuKernel, error) {
	k, ok := c.kernels.Get(id.h)
	if !ok {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", id)
	}
	return k, nil
}

func (d *cpuDevice) reserve(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memoryLimit > 0 && d.allocated+n > d.memoryLimit {
		return errors.Wrapf(ErrOutOfDeviceMemory, "requested %d bytes with %d of %d in use",
			n, d.allocated, d.memoryLimit)
	}
	d.allocated += n
	metrics.DeviceMemoryAllocatedBytes.WithLabelValues(string(KindCPU)).Add(float64(n))
	return nil
}

func (d *cpuDevice) unreserve(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocated -= n
	metrics.DeviceMemoryAllocatedBytes.WithLabelValues(string(KindCPU)).Sub(float64(n))
}
