package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-managed/provider"
)

// Connection is a provider.Connection over one AMQP connection
type Connection struct {
	id       string
	conn     amqpConnection
	clientID string
	prefetch int
	logger   *slog.Logger
	gate     *gate
	done     chan struct{}

	mu       sync.Mutex
	listener provider.ExceptionListener
	closed   bool
	sessions map[*Session]struct{}
}

func newConnection(conn amqpConnection, clientID string, prefetch int, logger *slog.Logger) *Connection {
	c := &Connection{
		id:       uuid.New().String(),
		conn:     conn,
		clientID: clientID,
		prefetch: prefetch,
		logger:   logger,
		gate:     newGate(),
		done:     make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c
}

// watch reports an unexpected close of the AMQP connection
func (c *Connection) watch(closed <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			return
		}
		c.logger.Error("connection closed", "error", amqpErr, "clientID", c.clientID)

		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener.OnException(provider.NewError("connection", &ConnectionError{
				Op:        "connection",
				Err:       fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr),
				Timestamp: time.Now(),
			}))
		}
	case <-c.done:
	}
}

func (c *Connection) CreateSession(transacted bool, mode provider.AcknowledgeMode) (provider.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn.IsClosed() {
		return nil, provider.NewError("create session", ErrConnectionClosed)
	}

	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, provider.NewError("create session", &ChannelError{Op: "open", Err: err, Timestamp: time.Now()})
	}

	s, err := newSession(c, ch, transacted, mode)
	if err != nil {
		if cerr := ch.Close(); cerr != nil {
			c.logger.Debug("failed to close channel", "error", cerr)
		}
		return nil, err
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// Start opens delivery to message listeners
func (c *Connection) Start() error {
	if err := c.check("start"); err != nil {
		return err
	}
	c.gate.open()
	return nil
}

// Stop holds back delivery to message listeners
func (c *Connection) Stop() error {
	if err := c.check("stop"); err != nil {
		return err
	}
	c.gate.shut()
	return nil
}

func (c *Connection) check(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.NewError(op, ErrConnectionClosed)
	}
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[*Session]struct{})
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			c.logger.Debug("failed to close session", "error", err)
		}
	}

	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return provider.NewError("close", &ConnectionError{Op: "close", Err: err, Timestamp: time.Now()})
	}
	return nil
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

// SetClientID fails: the client id is the connection name sent when dialing
func (c *Connection) SetClientID(string) error {
	return provider.NewError("set client id", fmt.Errorf("%w: %w", provider.ErrUnsupported, ErrClientIDImmutable))
}

func (c *Connection) ClientID() (string, error) {
	return c.clientID, nil
}

func (c *Connection) MetaData() (provider.MetaData, error) {
	props := c.conn.ServerProperties()
	md := provider.MetaData{ProviderName: "RabbitMQ"}
	if product, ok := props["product"].(string); ok {
		md.ProviderName = product
	}
	if version, ok := props["version"].(string); ok {
		md.ProviderVersion = version
	}
	return md, nil
}

// gate blocks push delivery while the connection is stopped
type gate struct {
	mu     sync.Mutex
	ch     chan struct{}
	opened bool
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.opened {
		close(g.ch)
		g.opened = true
	}
}

func (g *gate) shut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.opened {
		g.ch = make(chan struct{})
		g.opened = false
	}
}

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
