package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by provider objects used after Close
	ErrClosed = errors.New("provider: closed")
	// ErrTransportFailure signals that the underlying transport is gone
	ErrTransportFailure = errors.New("provider: transport failure")
	// ErrUnsupported is returned for operations a provider cannot perform
	ErrUnsupported = errors.New("provider: unsupported operation")
)

// Error is a failure signaled by the provider (transport, broker or protocol)
type Error struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a provider error. A nil err yields nil and an err that
// already is a provider error is returned unchanged.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsProviderError reports whether err was signaled by the provider
func IsProviderError(err error) bool {
	var perr *Error
	return errors.As(err, &perr)
}
