package rock

import "errors"

// Sentinel errors returned by the transport. Callers should use errors.Is
// for comparison — request errors are often wrapped with call context.
var (
	// ErrNotConnect is returned when a connection cannot be established, or
	// when an outstanding request is cancelled by connection teardown (read
	// error, peer close, application stop).
	ErrNotConnect = errors.New("rock: not connected")

	// ErrTimeout is returned when a request's deadline expires before a
	// matching response arrives. The frame, if already sent, produces a late
	// response that is silently dropped.
	ErrTimeout = errors.New("rock: request timed out")

	// ErrCancelled is returned when the caller withdraws a request via
	// context cancellation before it completes.
	ErrCancelled = errors.New("rock: request cancelled")

	// ErrClosed is returned when an operation is attempted on a connection
	// that has already been stopped.
	ErrClosed = errors.New("rock: connection closed")

	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the configured cap, in either direction.
	ErrFrameTooLarge = errors.New("rock: frame exceeds maximum size")

	// ErrMalformedFrame is returned when a frame's declared length is
	// smaller than its fixed header, or the type tag is unknown.
	ErrMalformedFrame = errors.New("rock: malformed frame")

	// ErrQueueFull is returned when the bounded write queue is full. The
	// enqueue fails fast rather than blocking the caller indefinitely.
	ErrQueueFull = errors.New("rock: write queue full")
)
