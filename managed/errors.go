package managed

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned while the underlying object is absent
	ErrNotReady = errors.New("managed: not ready")
	// ErrUnsupported is returned for operations a managed façade disallows
	ErrUnsupported = errors.New("managed: unsupported operation")
	// ErrClosed is returned by façades used after Close
	ErrClosed = errors.New("managed: closed")
	// ErrPrecondition is returned when required collaborators are missing,
	// for instance by a poller started without a consumer
	ErrPrecondition = errors.New("managed: precondition failed")
	// ErrInvalidDefinition is returned when a connection definition fails validation
	ErrInvalidDefinition = errors.New("managed: invalid definition")
)

func notReady(kind, id string) error {
	return fmt.Errorf("%w: %s %s has no underlying %s", ErrNotReady, kind, id, kind)
}

func closedErr(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrClosed, kind, id)
}

// IsNotReady reports whether err was caused by an absent underlying object
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

func errUnsupportedClientID(name string) error {
	return fmt.Errorf("%w: client identifier of connection %s is fixed at creation", ErrUnsupported, name)
}
