package auth

import "errors"

// Sentinel errors returned by token verification.
// Callers should use errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrUIDInvalid is returned when the uid claim is missing, zero, or not
	// a decimal integer.
	ErrUIDInvalid = errors.New("auth: uid claim invalid")
)
