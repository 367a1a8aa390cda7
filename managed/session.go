package managed

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-managed/provider"
)

// consumerNode is a child of a Session taking part in the reset and refresh
// cascade
type consumerNode interface {
	Close() error
	reset()
	refresh(session provider.Session) error
}

type sessionOwner interface {
	removeSession(s sessionNode)
}

// Session is a provider.Session whose underlying session is recreated
// against every new connection of its owner
type Session struct {
	id         string
	owner      sessionOwner
	transacted bool
	mode       provider.AcknowledgeMode
	polling    bool
	logger     *slog.Logger

	mu      sync.RWMutex
	session provider.Session
	closed  bool

	consumers sync.Map // consumerNode -> struct{}
}

func newSession(owner sessionOwner, raw provider.Session, transacted bool, mode provider.AcknowledgeMode, polling bool, logger *slog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:         id,
		owner:      owner,
		transacted: transacted,
		mode:       mode,
		polling:    polling,
		logger:     logger.With("session", id),
		session:    raw,
	}
}

// ID returns the unique identifier of this façade
func (s *Session) ID() string {
	return s.id
}

// Polling reports whether consumers of this session are driven by a poller
func (s *Session) Polling() bool {
	return s.polling
}

// Ready reports whether an underlying session is present
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// current returns the underlying session. Callers hold s.mu.
func (s *Session) current() (provider.Session, error) {
	if s.closed {
		return nil, closedErr("session", s.id)
	}
	if s.session == nil {
		return nil, notReady("session", s.id)
	}
	return s.session, nil
}

func (s *Session) CreateMessage(body []byte) (provider.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return nil, err
	}
	return raw.CreateMessage(body)
}

func (s *Session) CreateTextMessage(text string) (provider.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return nil, err
	}
	return raw.CreateTextMessage(text)
}

func (s *Session) CreateQueue(name string) (provider.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return provider.Destination{}, err
	}
	return raw.CreateQueue(name)
}

func (s *Session) CreateTopic(name string) (provider.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return provider.Destination{}, err
	}
	return raw.CreateTopic(name)
}

// CreateTemporaryQueue delegates to the underlying session. Temporary queues
// do not outlive the connection they were created on.
func (s *Session) CreateTemporaryQueue() (provider.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return provider.Destination{}, err
	}
	return raw.CreateTemporaryQueue()
}

// CreateProducer returns a producer of the current underlying session. The
// producer is not recreated after a reconnection.
func (s *Session) CreateProducer(destination provider.Destination) (provider.Producer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return nil, err
	}
	return raw.CreateProducer(destination)
}

// CreateConsumer creates a managed consumer, in pull mode when the session is
// a polling session
func (s *Session) CreateConsumer(destination provider.Destination, selector string, noLocal bool) (provider.Consumer, error) {
	c, err := s.createConsumer(destination, selector, noLocal)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Session) createConsumer(destination provider.Destination, selector string, noLocal bool) (*Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return nil, err
	}

	rc, err := raw.CreateConsumer(destination, selector, noLocal)
	if err != nil {
		return nil, err
	}

	c := newConsumer(s, rc, destination, selector, noLocal, s.polling, s.logger)
	s.consumers.Store(c, struct{}{})
	s.logger.Debug("consumer created", "consumer", c.id, "destination", destination.String())
	return c, nil
}

func (s *Session) removeConsumer(c consumerNode) {
	s.consumers.Delete(c)
}

func (s *Session) Transacted() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return false, err
	}
	return raw.Transacted()
}

func (s *Session) AcknowledgeMode() (provider.AcknowledgeMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return 0, err
	}
	return raw.AcknowledgeMode()
}

func (s *Session) Commit() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return err
	}
	return raw.Commit()
}

func (s *Session) Rollback() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return err
	}
	return raw.Rollback()
}

func (s *Session) Recover() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.current()
	if err != nil {
		return err
	}
	return raw.Recover()
}

// Close closes the underlying session and removes the session from its
// connection. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	raw := s.session
	s.session = nil
	s.mu.Unlock()

	s.consumers.Range(func(key, _ interface{}) bool {
		if err := key.(consumerNode).Close(); err != nil {
			s.logger.Debug("failed to close consumer", "error", err)
		}
		return true
	})

	if s.owner != nil {
		s.owner.removeSession(s)
	}
	if raw == nil {
		return nil
	}
	return raw.Close()
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumers.Range(func(key, _ interface{}) bool {
		key.(consumerNode).reset()
		return true
	})
	s.session = nil
	s.logger.Debug("session reset")
}

func (s *Session) refresh(conn provider.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	raw, err := conn.CreateSession(s.transacted, s.mode)
	if err != nil {
		return err
	}
	s.session = raw

	s.consumers.Range(func(key, _ interface{}) bool {
		err = key.(consumerNode).refresh(raw)
		return err == nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("session refreshed")
	return nil
}
