package mmate

import (
	"fmt"

	"github.com/glimte/mmate-managed/config"
	"github.com/glimte/mmate-managed/managed"
	"github.com/glimte/mmate-managed/provider"
)

// CreateDefinition builds the definition of the named connection. When f is
// nil the connection factory named by cfg is used. The client identifier
// defaults to <application id>-<name>.
func (c *Client) CreateDefinition(name string, cfg config.ConnectionConfig, f provider.ConnectionFactory) (*managed.Definition, error) {
	if f == nil {
		c.mu.RLock()
		f = c.factories[cfg.ConnectionFactory]
		c.mu.RUnlock()
		if f == nil {
			return nil, fmt.Errorf("%w: connection %s references %q", ErrMissingConnectionFactory, name, cfg.ConnectionFactory)
		}
	}

	shouldSetClientID := cfg.ShouldSetClientID()
	if cfg.NoManagedThreads && shouldSetClientID {
		return nil, fmt.Errorf("%w: connection %s", ErrClientIDInNoManagedThreadsMode, name)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = c.applicationID + "-" + name
	}

	def := &managed.Definition{
		Name:              name,
		Factory:           f,
		Managed:           cfg.IsManaged(),
		NoManagedThreads:  cfg.NoManagedThreads,
		ShouldSetClientID: shouldSetClientID,
		ClientID:          clientID,
		User:              cfg.User,
		Password:          cfg.Password,
		ReconnectionDelay: cfg.Delay(),
	}

	if cfg.ExceptionListener != "" {
		c.mu.RLock()
		listener, ok := c.exceptionListeners[cfg.ExceptionListener]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: exception listener %q of connection %s", ErrUnknownHandler, cfg.ExceptionListener, name)
		}
		def.ExceptionListener = listener
	}
	if cfg.ExceptionHandler != "" {
		c.mu.RLock()
		handler, ok := c.exceptionHandlers[cfg.ExceptionHandler]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: exception handler %q of connection %s", ErrUnknownHandler, cfg.ExceptionHandler, name)
		}
		def.ExceptionHandler = handler
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
