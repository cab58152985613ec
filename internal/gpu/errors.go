package gpu

import "github.com/pkg/errors"

// Error taxonomy shared by the runtime, the session layer and the graph executor.
// Returned errors wrap one of these with context; test them with errors.Is.
var (
	ErrDeviceUnavailable = errors.New("no accelerator device available")
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrMissingFeed       = errors.New("missing feed for placeholder")
	ErrBufferOverrun     = errors.New("buffer overrun")
	ErrUseAfterClose     = errors.New("use of closed device")
	ErrUseAfterRelease   = errors.New("use of released handle")
	ErrInternal          = errors.New("internal error")

	ErrNotCommitted     = errors.New("command buffer not committed")
	ErrAlreadyCommitted = errors.New("command buffer already committed")
	ErrInvalidNode      = errors.New("invalid graph node")
	ErrDuplicateFeed    = errors.New("duplicate feed for placeholder")
	ErrDeviceMismatch   = errors.New("handle belongs to another device")
)
