package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the caller could not be identified.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest means the request was malformed; it is wrapped with the reason.
	ErrBadRequest = errors.New("bad request")
	// ErrStreamIdle is reported when the provider sends nothing within the idle timeout.
	ErrStreamIdle = errors.New("provider stream idle timeout")
	// ErrShuttingDown is reported for exchanges refused or cut off by Shutdown.
	ErrShuttingDown = errors.New("relay shutting down")
)

// UpstreamError is a provider failure before any output reached the caller.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream provider: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PartialStreamError is a provider failure after some output was relayed.
// The partial text has already been persisted when this error is reported.
type PartialStreamError struct {
	Delivered int
	Err       error
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("stream failed after %d bytes: %v", e.Delivered, e.Err)
}

func (e *PartialStreamError) Unwrap() error {
	return e.Err
}

func badRequest(reason string) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, reason)
}
