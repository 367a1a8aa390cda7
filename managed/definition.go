package managed

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-managed/provider"
)

// DefaultReconnectionDelay is used when a definition does not set one
const DefaultReconnectionDelay = 30 * time.Second

// ExceptionHandler is consulted when a listener fails. It returns true when
// the error has been handled and should not be reported further.
type ExceptionHandler interface {
	HandleException(err error, session provider.Session) bool
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler
type ExceptionHandlerFunc func(err error, session provider.Session) bool

// HandleException implements ExceptionHandler
func (f ExceptionHandlerFunc) HandleException(err error, session provider.Session) bool {
	return f(err, session)
}

// Definition is the immutable configuration of one connection
type Definition struct {
	Name    string
	Factory provider.ConnectionFactory

	// Managed selects a self-healing façade over a raw connection
	Managed bool
	// NoManagedThreads disables background delivery; sessions are pull mode
	// and failures are only detected through pollers
	NoManagedThreads bool

	ShouldSetClientID bool
	ClientID          string

	User     string
	Password string

	ReconnectionDelay time.Duration

	ExceptionListener provider.ExceptionListener
	ExceptionHandler  ExceptionHandler
}

// Validate checks the definition
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.Factory == nil {
		return fmt.Errorf("%w: connection %s has no connection factory", ErrInvalidDefinition, d.Name)
	}
	if d.ReconnectionDelay < 0 {
		return fmt.Errorf("%w: connection %s has negative reconnection delay %s", ErrInvalidDefinition, d.Name, d.ReconnectionDelay)
	}
	if d.NoManagedThreads && d.ShouldSetClientID {
		return fmt.Errorf("%w: connection %s cannot set a client identifier without managed threads", ErrInvalidDefinition, d.Name)
	}
	if d.ShouldSetClientID && d.ClientID == "" {
		return fmt.Errorf("%w: connection %s requires a client identifier", ErrInvalidDefinition, d.Name)
	}
	return nil
}
