package mps

import "github.com/fxnlabs/mpsengine/internal/gpu"

// Errors returned by this package. Test for them with errors.Is.
var (
	ErrDeviceUnavailable = gpu.ErrDeviceUnavailable
	ErrOutOfDeviceMemory = gpu.ErrOutOfDeviceMemory
	ErrShapeMismatch     = gpu.ErrShapeMismatch
	ErrBufferOverrun     = gpu.ErrBufferOverrun
	ErrUseAfterClose     = gpu.ErrUseAfterClose
	ErrUseAfterRelease   = gpu.ErrUseAfterRelease
	ErrInternal          = gpu.ErrInternal
	ErrNotCommitted      = gpu.ErrNotCommitted
	ErrAlreadyCommitted  = gpu.ErrAlreadyCommitted
	ErrDeviceMismatch    = gpu.ErrDeviceMismatch
)

// Re-exported runtime types.
type (
	DeviceInfo          = gpu.DeviceInfo
	MatmulConfig        = gpu.MatmulConfig
	CommandBufferStatus = gpu.CommandBufferStatus
	ElementwiseOp       = gpu.ElementwiseOp
)

const (
	StatusPending   = gpu.StatusPending
	StatusCommitted = gpu.StatusCommitted
	StatusCompleted = gpu.StatusCompleted
	StatusError     = gpu.StatusError

	OpAdd                = gpu.OpAdd
	OpMultiply           = gpu.OpMultiply
	OpMultiplyAccumulate = gpu.OpMultiplyAccumulate
)
