package service

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when no instance of the requested service is
// known — no fixed address is configured and the registry has nothing
// cached. Callers surface this as a domain-level unavailable error; it never
// blocks.
var ErrUnavailable = errors.New("service: no instance available")

// RemoteError is a non-200 result returned by a service. The fabric does not
// interpret the pair beyond carrying it back to the caller.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("service: remote error %d: %s", e.Code, e.Message)
}
