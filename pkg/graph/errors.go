package graph

import "github.com/fxnlabs/mpsengine/internal/gpu"

// Errors returned by this package. Test for them with errors.Is.
var (
	ErrShapeMismatch     = gpu.ErrShapeMismatch
	ErrMissingFeed       = gpu.ErrMissingFeed
	ErrInvalidNode       = gpu.ErrInvalidNode
	ErrDuplicateFeed     = gpu.ErrDuplicateFeed
	ErrUseAfterRelease   = gpu.ErrUseAfterRelease
	ErrUseAfterClose     = gpu.ErrUseAfterClose
	ErrOutOfDeviceMemory = gpu.ErrOutOfDeviceMemory
	ErrInternal          = gpu.ErrInternal
)
