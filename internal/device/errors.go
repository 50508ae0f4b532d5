package device

import "errors"

// Error taxonomy shared by every layer between the entry points and the
// transfer engine. Callers match with errors.Is; concrete errors wrap one of
// these with context.
var (
	// ErrUnsupportedType means the element type has no registered compute
	// routine. Reported before any device work is issued.
	ErrUnsupportedType = errors.New("unsupported data type")

	// ErrInvalidArgument covers caller misconfiguration detected before launch:
	// negative counts, nil buffers, bad geometry, non-positive scratch capacity.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOperationFailed is a transfer or compute failure surfaced by the
	// device runtime mid-flight. The whole invocation is failed and the output
	// buffer must be discarded.
	ErrOperationFailed = errors.New("operation failed")
)
