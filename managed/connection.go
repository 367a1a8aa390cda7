package managed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/glimte/mmate-managed/internal/reliability"
	"github.com/glimte/mmate-managed/metrics"
	"github.com/glimte/mmate-managed/provider"
)

// sessionNode is a child of a Connection taking part in the reset and
// refresh cascade
type sessionNode interface {
	Close() error
	reset()
	refresh(conn provider.Connection) error
}

// Connection is a provider.Connection whose underlying connection is rebuilt
// in place after a transport failure
type Connection struct {
	id        string
	def       Definition
	factory   *Factory
	logger    *slog.Logger
	metrics   metrics.Recorder
	scheduler *reliability.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	attempts  atomic.Int64

	// mu guards the underlying connection and the started flag. It is held
	// for reading during delegated calls and for writing during the cascade.
	mu      sync.RWMutex
	conn    provider.Connection
	started bool

	listenerMu sync.RWMutex
	listener   provider.ExceptionListener
	onClose    []func(*Connection)

	// stateMu guards the reconnection state
	stateMu      sync.Mutex
	active       provider.Connection
	reconnecting bool
	building     bool
	lost         bool

	sessions sync.Map // sessionNode -> struct{}
}

func newConnection(f *Factory, def Definition) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:        uuid.New().String(),
		def:       def,
		factory:   f,
		logger:    f.logger.With("connection", def.Name),
		metrics:   f.metrics,
		scheduler: reliability.NewScheduler(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// exceptionSink is registered with one raw connection so that failures can
// be told apart from those of a connection that was already replaced
type exceptionSink struct {
	owner *Connection
	raw   provider.Connection
}

func (s *exceptionSink) OnException(err error) {
	s.owner.handleException(s.raw, err)
}

// adopt makes raw the underlying connection
func (c *Connection) adopt(raw provider.Connection) {
	c.stateMu.Lock()
	c.active = raw
	c.stateMu.Unlock()

	if !c.def.NoManagedThreads {
		if err := raw.SetExceptionListener(&exceptionSink{owner: c, raw: raw}); err != nil {
			c.logger.Warn("failed to register exception listener", "error", err)
		}
	}

	c.mu.Lock()
	c.conn = raw
	c.mu.Unlock()
	c.metrics.ConnectionReady(c.def.Name, true)
}

// Name returns the definition name
func (c *Connection) Name() string {
	return c.def.Name
}

// ID returns the unique identifier of this façade
func (c *Connection) ID() string {
	return c.id
}

// Definition returns the definition the connection was created from
func (c *Connection) Definition() Definition {
	return c.def
}

// Ready reports whether an underlying connection is present
func (c *Connection) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Reconnecting reports whether a reconnection cycle is in progress
func (c *Connection) Reconnecting() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.reconnecting
}

// ReconnectAttempts returns the number of rebuild attempts made in the
// current reconnection cycle
func (c *Connection) ReconnectAttempts() int64 {
	return c.attempts.Load()
}

// Closed reports whether Close was called
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// CreateSession creates a managed session. Sessions of a connection without
// managed threads are always pull mode.
func (c *Connection) CreateSession(transacted bool, mode provider.AcknowledgeMode) (provider.Session, error) {
	s, err := c.createSession(transacted, mode, c.def.NoManagedThreads)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreatePollingSession creates a managed session whose consumers are driven
// by a poller and never get a listener attached to the underlying consumer
func (c *Connection) CreatePollingSession(transacted bool, mode provider.AcknowledgeMode) (*Session, error) {
	return c.createSession(transacted, mode, true)
}

func (c *Connection) createSession(transacted bool, mode provider.AcknowledgeMode, polling bool) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed.Load() {
		return nil, closedErr("connection", c.def.Name)
	}
	if c.conn == nil {
		return nil, notReady("connection", c.def.Name)
	}

	raw, err := c.conn.CreateSession(transacted, mode)
	if err != nil {
		return nil, err
	}

	s := newSession(c, raw, transacted, mode, polling, c.logger)
	c.sessions.Store(s, struct{}{})
	c.logger.Debug("session created", "session", s.id, "transacted", transacted, "polling", polling)
	return s, nil
}

func (c *Connection) removeSession(s sessionNode) {
	c.sessions.Delete(s)
}

// Start starts delivery and remembers to do so again after a reconnection.
// It fails with ErrNotReady while reconnecting.
func (c *Connection) Start() error {
	return c.setStarted(true)
}

// Stop stops delivery and remembers to keep it stopped after a reconnection.
// It fails with ErrNotReady while reconnecting.
func (c *Connection) Stop() error {
	return c.setStarted(false)
}

func (c *Connection) setStarted(started bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return closedErr("connection", c.def.Name)
	}
	c.started = started
	if c.conn == nil {
		return notReady("connection", c.def.Name)
	}

	if started {
		return c.conn.Start()
	}
	return c.conn.Stop()
}

// Close closes the underlying connection and stops any pending reconnection.
// Closing twice is a no-op.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.scheduler.Cancel()

	c.sessions.Range(func(key, _ interface{}) bool {
		if err := key.(sessionNode).Close(); err != nil {
			c.logger.Debug("failed to close session", "error", err)
		}
		return true
	})

	c.mu.Lock()
	raw := c.conn
	c.conn = nil
	c.started = false
	c.mu.Unlock()

	c.metrics.ConnectionReady(c.def.Name, false)

	var err error
	if raw != nil {
		err = raw.Close()
	}

	c.listenerMu.RLock()
	hooks := append([]func(*Connection){}, c.onClose...)
	c.listenerMu.RUnlock()
	for _, hook := range hooks {
		hook(c)
	}

	c.logger.Info("managed connection closed")
	return err
}

// NotifyClose registers fn to be called once the connection is closed
func (c *Connection) NotifyClose(fn func(*Connection)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// SetExceptionListener sets the listener informed of transport failures. The
// listener is never registered with the underlying connection.
func (c *Connection) SetExceptionListener(listener provider.ExceptionListener) error {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listener = listener
	return nil
}

// ExceptionListener returns the listener set with SetExceptionListener
func (c *Connection) ExceptionListener() provider.ExceptionListener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return c.listener
}

// SetClientID always fails: the identifier is applied on every (re)connection
// from the definition.
func (c *Connection) SetClientID(string) error {
	return errUnsupportedClientID(c.def.Name)
}

// ClientID returns the client identifier of the definition, or the one of
// the underlying connection when the definition does not set one
func (c *Connection) ClientID() (string, error) {
	if c.def.ShouldSetClientID {
		return c.def.ClientID, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return "", notReady("connection", c.def.Name)
	}
	return c.conn.ClientID()
}

// MetaData delegates to the underlying connection
func (c *Connection) MetaData() (provider.MetaData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return provider.MetaData{}, notReady("connection", c.def.Name)
	}
	return c.conn.MetaData()
}

// OnException reports a failure detected outside the underlying connection,
// for instance by a poller. It takes the same path as a transport failure.
func (c *Connection) OnException(err error) {
	c.handleException(nil, err)
}

// handleException forwards err and starts a reconnection cycle unless one is
// already in progress. src is the raw connection that reported the failure,
// nil when it was reported through OnException.
func (c *Connection) handleException(src provider.Connection, err error) {
	if c.closed.Load() {
		c.logger.Debug("ignoring exception on closed connection", "error", err)
		return
	}

	c.logger.Error("transport exception", "error", err)
	if l := c.ExceptionListener(); l != nil {
		l.OnException(err)
	}

	c.stateMu.Lock()
	if src != nil && src != c.active {
		c.stateMu.Unlock()
		c.logger.Debug("exception from replaced connection", "error", err)
		return
	}
	if c.reconnecting {
		if src != nil && c.building {
			c.lost = true
		}
		c.stateMu.Unlock()
		c.logger.Debug("reconnection already in progress")
		return
	}
	c.reconnecting = true
	c.stateMu.Unlock()

	c.reset()
	c.schedule()
}

// reset tears the hierarchy down and drops the underlying connection
func (c *Connection) reset() {
	c.mu.Lock()
	c.sessions.Range(func(key, _ interface{}) bool {
		key.(sessionNode).reset()
		return true
	})
	raw := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.metrics.ConnectionReset(c.def.Name)
	c.metrics.ConnectionReady(c.def.Name, false)

	if raw != nil {
		if err := raw.Close(); err != nil {
			c.logger.Debug("failed to close broken connection", "error", err)
		}
	}
}

func (c *Connection) schedule() {
	c.logger.Warn("connection reset, scheduling reconnection", "delay", c.def.ReconnectionDelay)
	c.scheduler.Schedule(c.def.ReconnectionDelay, c.reconnect)
}

// reconnect is one rebuild attempt, run by the scheduler
func (c *Connection) reconnect() {
	if c.closed.Load() {
		return
	}
	attempt := c.attempts.Add(1)

	c.stateMu.Lock()
	c.building = true
	c.lost = false
	c.stateMu.Unlock()

	raw, err := c.factory.CreateRawConnection(c.ctx, &c.def)
	if err == nil {
		c.stateMu.Lock()
		c.active = raw
		c.stateMu.Unlock()
		if !c.def.NoManagedThreads {
			err = raw.SetExceptionListener(&exceptionSink{owner: c, raw: raw})
		}
		if err == nil {
			err = c.rebuild(raw)
		} else if cerr := raw.Close(); cerr != nil {
			c.logger.Debug("failed to close connection after failed listener registration", "error", cerr)
		}
	}
	c.metrics.ReconnectAttempt(c.def.Name, err)

	if errors.Is(err, ErrClosed) || c.closed.Load() {
		return
	}
	if err != nil {
		c.stateMu.Lock()
		c.building = false
		c.lost = false
		c.stateMu.Unlock()

		c.logger.Error("reconnection attempt failed", "attempt", attempt, "error", err)
		c.schedule()
		return
	}

	c.stateMu.Lock()
	c.building = false
	lost := c.lost
	c.lost = false
	if !lost {
		c.reconnecting = false
	}
	c.stateMu.Unlock()

	c.attempts.Store(0)
	c.metrics.ConnectionReady(c.def.Name, true)
	c.logger.Info("connection re-established", "attempt", attempt)

	if lost {
		c.logger.Warn("connection lost while it was being rebuilt")
		c.reset()
		c.schedule()
	}
}

// rebuild installs raw and refreshes the hierarchy against it. On failure
// the hierarchy is reset again and raw is closed.
func (c *Connection) rebuild(raw provider.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		if cerr := raw.Close(); cerr != nil {
			c.logger.Debug("failed to close connection built after close", "error", cerr)
		}
		return closedErr("connection", c.def.Name)
	}

	c.conn = raw
	var err error
	c.sessions.Range(func(key, _ interface{}) bool {
		err = key.(sessionNode).refresh(raw)
		return err == nil
	})
	if err == nil && c.started {
		err = raw.Start()
	}
	if err == nil {
		return nil
	}

	c.sessions.Range(func(key, _ interface{}) bool {
		key.(sessionNode).reset()
		return true
	})
	c.conn = nil
	if cerr := raw.Close(); cerr != nil {
		c.logger.Debug("failed to close connection after failed rebuild", "error", cerr)
	}
	return err
}
