package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-managed/provider"
)

// Connection is an in-memory provider.Connection
type Connection struct {
	broker *Broker
	opts   provider.ConnectionOptions

	mu       sync.Mutex
	listener provider.ExceptionListener
	clientID string
	started  bool
	closed   bool
	broken   error
	sessions map[*Session]struct{}
}

// Options returns the options the connection was created with
func (c *Connection) Options() provider.ConnectionOptions {
	return c.opts
}

// Started reports whether delivery is started
func (c *Connection) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// IsClosed reports whether the connection was closed or broken
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.broken != nil
}

// check returns the error operations fail with once the connection is gone.
// Callers hold c.mu.
func (c *Connection) check(op string) error {
	if c.broken != nil {
		return provider.NewError(op, fmt.Errorf("%w: %v", provider.ErrTransportFailure, c.broken))
	}
	if c.closed {
		return provider.NewError(op, provider.ErrClosed)
	}
	return nil
}

func (c *Connection) status(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(op)
}

func (c *Connection) CreateSession(transacted bool, mode provider.AcknowledgeMode) (provider.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("create session"); err != nil {
		return nil, err
	}

	s := &Session{
		conn:       c,
		transacted: transacted,
		mode:       mode,
		consumers:  make(map[*Consumer]struct{}),
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("start"); err != nil {
		return err
	}
	c.started = true
	return nil
}

func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("stop"); err != nil {
		return err
	}
	c.started = false
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.takeSessions()
	c.mu.Unlock()

	c.broker.remove(c)
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closed || c.broken != nil {
		c.mu.Unlock()
		return
	}
	c.broken = err
	listener := c.listener
	sessions := c.takeSessions()
	c.mu.Unlock()

	c.broker.remove(c)
	for _, s := range sessions {
		s.Close()
	}
	if listener != nil {
		go listener.OnException(provider.NewError("connection", fmt.Errorf("%w: %v", provider.ErrTransportFailure, err)))
	}
}

// takeSessions empties the session set. Callers hold c.mu.
func (c *Connection) takeSessions() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	c.sessions = make(map[*Session]struct{})
	return out
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

func (c *Connection) SetExceptionListener(listener provider.ExceptionListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = listener
	return nil
}

func (c *Connection) ExceptionListener() provider.ExceptionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientID != "" {
		return provider.NewError("set client id", provider.ErrUnsupported)
	}
	c.clientID = id
	return nil
}

func (c *Connection) ClientID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, nil
}

func (c *Connection) MetaData() (provider.MetaData, error) {
	return provider.MetaData{ProviderName: "providertest", ProviderVersion: "1"}, nil
}

// waitStarted blocks until delivery is started. It returns false once the
// connection is gone or ctx is done.
func (c *Connection) waitStarted(ctx context.Context) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		started, gone := c.started, c.closed || c.broken != nil
		c.mu.Unlock()
		if gone {
			return false
		}
		if started {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
