// Package pollers drives pull-mode consumers.
//
// A SimplePoller repeatedly receives from a consumer, hands each message to a
// listener and commits the session. The first failure rolls the session back
// and ends the loop; the loop is relaunched after a restart delay.
package pollers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-managed/internal/reliability"
	"github.com/glimte/mmate-managed/managed"
	"github.com/glimte/mmate-managed/metrics"
	"github.com/glimte/mmate-managed/provider"
)

const (
	DefaultReceiveTimeout = 30 * time.Second
	DefaultRestartDelay   = 10 * time.Second
)

// ErrPrecondition is returned by Start when a collaborator is missing
var ErrPrecondition = managed.ErrPrecondition

// State is the lifecycle state of a poller
type State int

const (
	Stopped State = iota
	Running
	RestartScheduled
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case RestartScheduled:
		return "restart-scheduled"
	default:
		return "unknown"
	}
}

// MessagePoller turns a pull-mode consumer into a running listener
type MessagePoller interface {
	SetSession(session provider.Session)
	SetConsumer(consumer provider.Consumer)
	SetMessageListener(listener provider.MessageListener)
	SetExceptionListener(listener provider.ExceptionListener)
	Start() error
	Stop()
	State() State
}

// Option configures a SimplePoller
type Option func(*SimplePoller)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *SimplePoller) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(p *SimplePoller) {
		p.metrics = recorder
	}
}

// WithReceiveTimeout sets how long one receive blocks
func WithReceiveTimeout(timeout time.Duration) Option {
	return func(p *SimplePoller) {
		p.receiveTimeout = timeout
	}
}

// WithRestartDelay sets the delay before a failed loop is relaunched
func WithRestartDelay(delay time.Duration) Option {
	return func(p *SimplePoller) {
		p.restartDelay = delay
	}
}

// SimplePoller runs one worker goroutine over a session, consumer and listener
type SimplePoller struct {
	name           string
	logger         *slog.Logger
	metrics        metrics.Recorder
	receiveTimeout time.Duration
	restartDelay   time.Duration
	scheduler      *reliability.Scheduler
	restarts       atomic.Int64

	mu                sync.Mutex
	state             State
	session           provider.Session
	consumer          provider.Consumer
	listener          provider.MessageListener
	exceptionListener provider.ExceptionListener
	cancel            context.CancelFunc
	done              chan struct{}
}

// NewSimplePoller creates a stopped poller
func NewSimplePoller(name string, opts ...Option) *SimplePoller {
	p := &SimplePoller{
		name:           name,
		logger:         slog.Default(),
		metrics:        metrics.Nop{},
		receiveTimeout: DefaultReceiveTimeout,
		restartDelay:   DefaultRestartDelay,
		scheduler:      reliability.NewScheduler(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("poller", name)
	return p
}

// Name returns the poller name
func (p *SimplePoller) Name() string {
	return p.name
}

func (p *SimplePoller) SetSession(session provider.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = session
}

func (p *SimplePoller) SetConsumer(consumer provider.Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumer = consumer
}

func (p *SimplePoller) SetMessageListener(listener provider.MessageListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = listener
}

func (p *SimplePoller) SetExceptionListener(listener provider.ExceptionListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exceptionListener = listener
}

// State returns the current lifecycle state
func (p *SimplePoller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Restarts returns how often the loop was relaunched after a failure
func (p *SimplePoller) Restarts() int64 {
	return p.restarts.Load()
}

// Start launches the worker loop. Starting a poller that is not stopped is a
// no-op.
func (p *SimplePoller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.session == nil:
		return fmt.Errorf("%w: poller %s has no session", ErrPrecondition, p.name)
	case p.consumer == nil:
		return fmt.Errorf("%w: poller %s has no consumer", ErrPrecondition, p.name)
	case p.listener == nil:
		return fmt.Errorf("%w: poller %s has no message listener", ErrPrecondition, p.name)
	}

	if p.state != Stopped {
		return nil
	}
	p.state = Running
	p.launch()
	return nil
}

// Stop interrupts the worker loop and drops a pending restart. It does not
// wait for a running listener to return.
func (p *SimplePoller) Stop() {
	p.mu.Lock()
	wasStopped := p.state == Stopped
	p.state = Stopped
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	p.scheduler.Cancel()
	if cancel != nil {
		cancel()
	}
	if !wasStopped {
		p.logger.Info("poller stopped")
	}
}

// launch starts a worker goroutine. Callers hold p.mu.
func (p *SimplePoller) launch() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.run(ctx, done)
}

func (p *SimplePoller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.logger.Debug("polling started")
	p.loop(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Running || ctx.Err() != nil {
		p.logger.Debug("polling ended")
		return
	}

	p.state = RestartScheduled
	p.logger.Warn("polling interrupted, scheduling restart", "delay", p.restartDelay)
	p.scheduler.Schedule(p.restartDelay, p.restart)
}

func (p *SimplePoller) restart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != RestartScheduled {
		return
	}
	if p.alive() {
		p.scheduler.Schedule(p.restartDelay, p.restart)
		return
	}

	p.state = Running
	p.restarts.Add(1)
	p.metrics.PollerRestart(p.name)
	p.logger.Info("restarting poller")
	p.launch()
}

// alive reports whether the last worker goroutine is still running. Callers
// hold p.mu.
func (p *SimplePoller) alive() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *SimplePoller) loop(ctx context.Context) {
	p.mu.Lock()
	session, consumer, listener, exceptionListener := p.session, p.consumer, p.listener, p.exceptionListener
	p.mu.Unlock()

	for ctx.Err() == nil {
		err := p.poll(ctx, session, consumer, listener)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if rerr := rollback(session); rerr != nil {
			p.logger.Warn("unable to roll back after polling failure", "error", rerr)
		}

		switch {
		case managed.IsNotReady(err):
			p.logger.Warn("session not ready", "error", err)
		case provider.IsProviderError(err) && exceptionListener != nil:
			exceptionListener.OnException(err)
		default:
			p.logger.Error("polling failed", "error", err)
		}
		return
	}
}

// poll receives and dispatches at most one message
func (p *SimplePoller) poll(ctx context.Context, session provider.Session, consumer provider.Consumer, listener provider.MessageListener) error {
	msg, err := consumer.ReceiveTimeout(ctx, p.receiveTimeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	if err := dispatch(listener, msg); err != nil {
		p.metrics.MessageProcessed(p.name, metrics.OutcomeRolledBack)
		return err
	}

	transacted, err := session.Transacted()
	if err != nil {
		p.metrics.MessageProcessed(p.name, metrics.OutcomeFailed)
		return err
	}
	if transacted {
		if err := session.Commit(); err != nil {
			p.metrics.MessageProcessed(p.name, metrics.OutcomeFailed)
			return err
		}
	}
	p.metrics.MessageProcessed(p.name, metrics.OutcomeCommitted)
	return nil
}

func dispatch(listener provider.MessageListener, msg provider.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message listener panicked: %v", r)
		}
	}()
	return listener.OnMessage(msg)
}

// rollback rolls a transacted session back and recovers any other session
func rollback(session provider.Session) error {
	transacted, err := session.Transacted()
	if err != nil {
		return err
	}
	if transacted {
		return session.Rollback()
	}
	return session.Recover()
}
