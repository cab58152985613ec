package gpu

import (
	"fmt"

	"github.com/fxnlabs/mpsengine/internal/handle"
	"github.com/pkg/errors"
)

// Kind names a backend implementation.
type Kind string

const (
	KindCPU   Kind = "cpu"
	KindMetal Kind = "metal"
)

// DeviceInfo contains information about an accelerator device
type DeviceInfo struct {
	Name            string `json:"name"`
	Backend         Kind   `json:"backend"`
	TotalMemory     int64  `json:"totalMemory"`     // in bytes
	AvailableMemory int64  `json:"availableMemory"` // in bytes
	UnifiedMemory   bool   `json:"unifiedMemory"`
}

// Typed runtime handles. The zero value of each is invalid.
type (
	DeviceID        struct{ h handle.Handle }
	QueueID         struct{ h handle.Handle }
	CommandBufferID struct{ h handle.Handle }
	BufferID        struct{ h handle.Handle }
	KernelID        struct{ h handle.Handle }
)

func (id DeviceID) IsZero() bool        { return id.h.IsZero() }
func (id QueueID) IsZero() bool         { return id.h.IsZero() }
func (id CommandBufferID) IsZero() bool { return id.h.IsZero() }
func (id BufferID) IsZero() bool        { return id.h.IsZero() }
func (id KernelID) IsZero() bool        { return id.h.IsZero() }

func (id DeviceID) String() string        { return "device:" + id.h.String() }
func (id QueueID) String() string         { return "queue:" + id.h.String() }
func (id CommandBufferID) String() string { return "cmdbuf:" + id.h.String() }
func (id BufferID) String() string        { return "buffer:" + id.h.String() }
func (id KernelID) String() string        { return "kernel:" + id.h.String() }

// CommandBufferStatus is the lifecycle state of a command buffer.
type CommandBufferStatus int

const (
	StatusPending CommandBufferStatus = iota
	StatusCommitted
	StatusCompleted
	StatusError
)

func (s CommandBufferStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ElementwiseOp selects an elementwise kernel.
type ElementwiseOp int

const (
	// OpAdd computes out = a + b.
	OpAdd ElementwiseOp = iota
	// OpMultiply computes out = a * b.
	OpMultiply
	// OpMultiplyAccumulate computes out += a * b.
	OpMultiplyAccumulate
)

func (op ElementwiseOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpMultiply:
		return "multiply"
	case OpMultiplyAccumulate:
		return "multiply_accumulate"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Backend is the accelerator runtime: devices, queues, command buffers,
// buffers and the two kernel families. Implementations exist for the
// software (CPU) device and for Metal.
//
// Implementation notes:
//   - Handles from a released device resolve to ErrUseAfterRelease, except the
//     device handle itself which reports ErrUseAfterClose.
//   - Encode calls only record work. Nothing executes before Commit.
//   - Command buffers on one queue complete in commit order.
//   - A command buffer is released once WaitUntilCompleted returns.
//   - Buffers hold little-endian float32 data for the kernels; byte-level
//     access is unrestricted.
type Backend interface {
	// Kind reports which implementation this is.
	Kind() Kind

	CreateDefaultDevice() (DeviceID, error)
	ReleaseDevice(DeviceID) error
	DeviceName(DeviceID) (string, error)
	DeviceInfo(DeviceID) (DeviceInfo, error)

	MakeCommandQueue(DeviceID) (QueueID, error)
	ReleaseQueue(QueueID) error

	MakeCommandBuffer(QueueID) (CommandBufferID, error)
	Commit(CommandBufferID) error
	// WaitUntilCompleted blocks until the command buffer finished and returns
	// the first error raised while executing it.
	WaitUntilCompleted(CommandBufferID) error
	CommandBufferStatus(CommandBufferID) (CommandBufferStatus, error)

	// AllocateBuffer returns zero-filled device memory of the given length.
	AllocateBuffer(DeviceID, int) (BufferID, error)
	AllocateBufferWithBytes(DeviceID, []byte) (BufferID, error)
	BufferLength(BufferID) (int, error)
	// ReadBufferContents copies len(dst) bytes from the start of the buffer.
	ReadBufferContents(BufferID, []byte) (int, error)
	ReleaseBuffer(BufferID) error

	AllocateMatmulKernel(DeviceID, MatmulConfig) (KernelID, error)
	ReleaseKernel(KernelID) error
	EncodeMatmul(cb CommandBufferID, kernel KernelID, left, right, result MatrixRef) error

	// EncodeElementwise applies op to the first count float32 elements. out may
	// alias a or b.
	EncodeElementwise(cb CommandBufferID, op ElementwiseOp, a, b, out BufferID, count int) error
}

// MatmulConfig configures a GEMM kernel: result = Alpha * op(left) @ op(right) + Beta * result,
// where result is Rows×Columns and Inner is the contracted dimension.
type MatmulConfig struct {
	TransposeLeft  bool
	TransposeRight bool
	Rows           int // M
	Columns        int // N
	Inner          int // K
	Alpha          float32
	Beta           float32
}

// Validate checks that the dimensions are usable.
func (c MatmulConfig) Validate() error {
	if c.Rows <= 0 || c.Columns <= 0 || c.Inner <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "matmul dimensions must be positive, got M=%d N=%d K=%d",
			c.Rows, c.Columns, c.Inner)
	}
	return nil
}

// FLOPs is the floating point operation count of one execution.
func (c MatmulConfig) FLOPs() float64 {
	return 2 * float64(c.Rows) * float64(c.Columns) * float64(c.Inner)
}

// leftShape is the stored shape of the left operand.
func (c MatmulConfig) leftShape() (rows, cols int) {
	if c.TransposeLeft {
		return c.Inner, c.Rows
	}
	return c.Rows, c.Inner
}

func (c MatmulConfig) rightShape() (rows, cols int) {
	if c.TransposeRight {
		return c.Columns, c.Inner
	}
	return c.Inner, c.Columns
}

// Conformable checks that left, right and result have the stored shapes the
// kernel expects: left M×K (K×M if transposed), right K×N (N×K if
// transposed), result M×N.
func (c MatmulConfig) Conformable(left, right, result MatrixRef) error {
	checks := []struct {
		name       string
		m          MatrixRef
		rows, cols int
	}{
		{name: "left", m: left},
		{name: "right", m: right},
		{name: "result", m: result, rows: c.Rows, cols: c.Columns},
	}
	checks[0].rows, checks[0].cols = c.leftShape()
	checks[1].rows, checks[1].cols = c.rightShape()

	for _, chk := range checks {
		if chk.m.Rows != chk.rows || chk.m.Columns != chk.cols {
			return errors.Wrapf(ErrShapeMismatch, "%s matrix is %dx%d, kernel expects %dx%d",
				chk.name, chk.m.Rows, chk.m.Columns, chk.rows, chk.cols)
		}
	}
	return nil
}

// MatrixRef interprets a device buffer as a row-major float32 matrix.
type MatrixRef struct {
	Buffer   BufferID
	Rows     int
	Columns  int
	RowBytes int
}

// ValidateLayout checks a matrix layout against the length of its backing buffer.
func ValidateLayout(rows, columns, rowBytes, bufferLength int) error {
	if rows <= 0 || columns <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "matrix extents must be positive, got %dx%d", rows, columns)
	}
	if rowBytes%Float32Size != 0 {
		return errors.Wrapf(ErrShapeMismatch, "row stride %d is not a multiple of %d bytes", rowBytes, Float32Size)
	}
	// Compared by division so huge extents cannot wrap around.
	if columns > rowBytes/Float32Size {
		return errors.Wrapf(ErrShapeMismatch, "row stride %d is smaller than %d columns", rowBytes, columns)
	}
	if rows > bufferLength/rowBytes {
		return errors.Wrapf(ErrShapeMismatch, "%d rows of %d bytes exceed buffer of %d bytes",
			rows, rowBytes, bufferLength)
	}
	return nil
}
