package mmate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-managed/health"
	"github.com/glimte/mmate-managed/managed"
	"github.com/glimte/mmate-managed/pollers"
	"github.com/glimte/mmate-managed/provider"
)

// ListenerDefinition binds a message listener to a destination of a
// registered connection
type ListenerDefinition struct {
	Name        string
	Connection  string
	Destination provider.Destination
	Selector    string
	// Transacted creates a transacted session: the listener's work is
	// committed on success and rolled back on failure
	Transacted bool
	Listener   provider.MessageListener
	// Poller switches the listener to pull mode; required on connections
	// without managed threads
	Poller pollers.MessagePoller
}

// RegisterListener creates the session and consumer of def. Without a poller
// the listener is attached to the consumer; with one the poller receives on
// its behalf and is started when the client is.
func (c *Client) RegisterListener(def ListenerDefinition) error {
	if def.Name == "" || def.Listener == nil {
		return fmt.Errorf("%w: listener name and message listener are required", managed.ErrInvalidDefinition)
	}

	c.mu.RLock()
	conn, ok := c.connections[def.Connection]
	cdef := c.definitions[def.Connection]
	_, duplicate := c.listeners[def.Name]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s (listener %s)", ErrUnknownConnection, def.Connection, def.Name)
	}
	if duplicate {
		return fmt.Errorf("%w: %s", ErrDuplicateListener, def.Name)
	}
	if cdef.NoManagedThreads && def.Poller == nil {
		return fmt.Errorf("%w: listener %s on connection %s", ErrPollerRequired, def.Name, def.Connection)
	}

	c.logger.Debug("creating consumer", "listener", def.Name, "connection", def.Connection, "destination", def.Destination.String())

	session, err := createSession(conn, def.Transacted, def.Poller != nil)
	if err != nil {
		return fmt.Errorf("failed to create session for listener %s: %w", def.Name, err)
	}
	consumer, err := createConsumer(session, def)
	if err != nil {
		c.discard(session, def.Name)
		return fmt.Errorf("failed to create consumer for listener %s: %w", def.Name, err)
	}

	if def.Poller != nil {
		def.Poller.SetSession(session)
		def.Poller.SetConsumer(consumer)
		def.Poller.SetMessageListener(def.Listener)
		if mc, ok := conn.(*managed.Connection); ok {
			def.Poller.SetExceptionListener(mc)
		} else {
			def.Poller.SetExceptionListener(conn.ExceptionListener())
		}
	} else {
		adapter := &transactionalListener{
			name:       def.Name,
			session:    session,
			transacted: def.Transacted,
			listener:   def.Listener,
			handler:    cdef.ExceptionHandler,
			logger:     c.logger.With("listener", def.Name),
		}
		if err := consumer.SetMessageListener(adapter); err != nil {
			c.discard(session, def.Name)
			return fmt.Errorf("failed to attach listener %s: %w", def.Name, err)
		}
	}

	c.mu.Lock()
	if _, exists := c.listeners[def.Name]; exists {
		c.mu.Unlock()
		c.discard(session, def.Name)
		return fmt.Errorf("%w: %s", ErrDuplicateListener, def.Name)
	}
	stored := def
	c.listeners[def.Name] = &stored
	if def.Poller != nil {
		c.pollers[def.Name] = def.Poller
	}
	c.mu.Unlock()

	if state, ok := def.Poller.(health.PollerState); ok {
		c.health.Register(health.NewPollerChecker(state, c.Started))
	}

	if def.Poller != nil && c.started.Load() {
		if err := def.Poller.Start(); err != nil {
			return fmt.Errorf("failed to start poller %s: %w", def.Name, err)
		}
	}

	c.logger.Info("listener registered", "listener", def.Name, "connection", def.Connection, "poller", def.Poller != nil)
	return nil
}

// ListenerNames returns the registered listener names in order
func (c *Client) ListenerNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedNames(c.listeners)
}

// discard closes the session of a listener that could not be registered
func (c *Client) discard(session provider.Session, name string) {
	if err := session.Close(); err != nil {
		c.logger.Debug("failed to close session", "listener", name, "error", err)
	}
}

func createSession(conn provider.Connection, transacted, polling bool) (provider.Session, error) {
	if mc, ok := conn.(*managed.Connection); ok && polling {
		s, err := mc.CreatePollingSession(transacted, provider.AutoAcknowledge)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return conn.CreateSession(transacted, provider.AutoAcknowledge)
}

func createConsumer(session provider.Session, def ListenerDefinition) (provider.Consumer, error) {
	dest, err := resolveDestination(session, def.Destination)
	if err != nil {
		return nil, err
	}
	return session.CreateConsumer(dest, def.Selector, false)
}

// resolveDestination declares the destination through the session
func resolveDestination(session provider.Session, dest provider.Destination) (provider.Destination, error) {
	if dest.Kind == provider.TopicKind {
		return session.CreateTopic(dest.Name)
	}
	return session.CreateQueue(dest.Name)
}

// transactionalListener settles the session around a message listener:
// commit on success and rollback on failure. ErrRollback rolls back without
// reporting; other failures are offered to the exception handler first.
type transactionalListener struct {
	name       string
	session    provider.Session
	transacted bool
	listener   provider.MessageListener
	handler    managed.ExceptionHandler
	logger     *slog.Logger
}

func (l *transactionalListener) OnMessage(msg provider.Message) error {
	err := l.invoke(msg)
	if err == nil {
		if !l.transacted {
			return nil
		}
		if cerr := l.session.Commit(); cerr != nil {
			l.logger.Error("failed to commit message", "messageId", msg.ID(), "error", cerr)
			return cerr
		}
		return nil
	}

	if !errors.Is(err, ErrRollback) {
		handled := l.handler != nil && l.handler.HandleException(err, l.session)
		if !handled {
			l.logger.Error("message listener failed", "messageId", msg.ID(), "error", err)
		}
	}

	if !l.transacted {
		return err
	}
	if rerr := l.session.Rollback(); rerr != nil {
		l.logger.Error("failed to roll back message", "messageId", msg.ID(), "error", rerr)
		return rerr
	}
	l.logger.Debug("message rolled back", "messageId", msg.ID())
	return nil
}

func (l *transactionalListener) invoke(msg provider.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message listener panicked: %v", r)
		}
	}()
	return l.listener.OnMessage(msg)
}
