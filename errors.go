package display

import "errors"

// Errors. Backends wrap these with operation context; match with errors.Is.
var (
	// ErrNotFound reports a failed device or connector lookup. Recoverable:
	// the caller chooses a fallback.
	ErrNotFound = errors.New("display: not found")

	// ErrInvalidArgument reports an unsupported mode or pixel format, or a
	// frame exceeding its buffer capacity.
	ErrInvalidArgument = errors.New("display: invalid argument")

	// ErrMappingFailed reports a failed grant mapping or driver handle
	// allocation.
	ErrMappingFailed = errors.New("display: mapping failed")

	// ErrInvalidState reports an operation that is illegal in the current
	// connector state, such as a flip submitted while one is pending or a
	// call on a released connector.
	ErrInvalidState = errors.New("display: invalid state")
)
