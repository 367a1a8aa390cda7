package providertest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-managed/provider"
)

type delivery struct {
	msg *provider.BasicMessage
	src *queue
}

// Session is an in-memory provider.Session. Sends of a transacted session are
// held until Commit.
type Session struct {
	conn       *Connection
	transacted bool
	mode       provider.AcknowledgeMode

	mu        sync.Mutex
	closed    bool
	unacked   []delivery
	sends     []*provider.BasicMessage
	consumers map[*Consumer]struct{}
	commits   int
	rollbacks int
}

// Commits returns how many times Commit succeeded
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rollbacks returns how many times Rollback succeeded
func (s *Session) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func (s *Session) check(op string) error {
	if err := s.conn.status(op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.NewError(op, provider.ErrClosed)
	}
	return nil
}

func (s *Session) CreateMessage(body []byte) (provider.Message, error) {
	if err := s.check("create message"); err != nil {
		return nil, err
	}
	return provider.NewBasicMessage(uuid.New().String(), body), nil
}

func (s *Session) CreateTextMessage(text string) (provider.Message, error) {
	return s.CreateMessage([]byte(text))
}

func (s *Session) CreateQueue(name string) (provider.Destination, error) {
	if err := s.check("create queue"); err != nil {
		return provider.Destination{}, err
	}
	s.conn.broker.queue(name)
	return provider.Queue(name), nil
}

func (s *Session) CreateTopic(name string) (provider.Destination, error) {
	if err := s.check("create topic"); err != nil {
		return provider.Destination{}, err
	}
	return provider.Topic(name), nil
}

func (s *Session) CreateTemporaryQueue() (provider.Destination, error) {
	return s.CreateQueue("tmp." + uuid.New().String())
}

func (s *Session) CreateProducer(destination provider.Destination) (provider.Producer, error) {
	if err := s.check("create producer"); err != nil {
		return nil, err
	}
	return &Producer{session: s, dest: destination}, nil
}

func (s *Session) CreateConsumer(destination provider.Destination, selector string, noLocal bool) (provider.Consumer, error) {
	if err := s.check("create consumer"); err != nil {
		return nil, err
	}

	c := &Consumer{
		session:  s,
		dest:     destination,
		selector: selector,
		noLocal:  noLocal,
		done:     make(chan struct{}),
	}
	if destination.Kind == provider.TopicKind {
		c.source = newQueue("sub." + destination.Name)
		s.conn.broker.subscribe(destination.Name, c)
	} else {
		c.source = s.conn.broker.queue(destination.Name)
	}

	s.mu.Lock()
	s.consumers[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

func (s *Session) Transacted() (bool, error) {
	if err := s.check("transacted"); err != nil {
		return false, err
	}
	return s.transacted, nil
}

func (s *Session) AcknowledgeMode() (provider.AcknowledgeMode, error) {
	if err := s.check("acknowledge mode"); err != nil {
		return 0, err
	}
	return s.mode, nil
}

func (s *Session) Commit() error {
	if err := s.check("commit"); err != nil {
		return err
	}
	if !s.transacted {
		return provider.NewError("commit", ErrNotTransacted)
	}

	s.mu.Lock()
	sends := s.sends
	s.sends = nil
	s.unacked = nil
	s.commits++
	s.mu.Unlock()

	for _, msg := range sends {
		if err := s.conn.broker.publish(msg); err != nil {
			return provider.NewError("commit", err)
		}
	}
	return nil
}

func (s *Session) Rollback() error {
	if err := s.check("rollback"); err != nil {
		return err
	}
	if !s.transacted {
		return provider.NewError("rollback", ErrNotTransacted)
	}

	s.mu.Lock()
	s.sends = nil
	s.rollbacks++
	s.mu.Unlock()

	s.requeue()
	return nil
}

func (s *Session) Recover() error {
	if err := s.check("recover"); err != nil {
		return err
	}
	s.requeue()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[*Consumer]struct{})
	s.sends = nil
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	s.requeue()
	s.conn.removeSession(s)
	return nil
}

// received records msg as delivered. Messages of an auto-acknowledged pull
// receive are consumed at once, everything else waits for an ack or commit.
func (s *Session) received(src *queue, msg *provider.BasicMessage, push bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		src.push(redelivery(msg))
		return provider.NewError("receive", provider.ErrClosed)
	}

	if !s.transacted && !push && s.mode != provider.ClientAcknowledge {
		return nil
	}

	s.unacked = append(s.unacked, delivery{msg: msg, src: src})
	msg.AckFunc = func() error { return s.acknowledge(msg) }
	return nil
}

// acknowledge drops msg and every message received before it
func (s *Session) acknowledge(msg *provider.BasicMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transacted || s.mode != provider.ClientAcknowledge {
		return nil
	}
	for i, d := range s.unacked {
		if d.msg == msg {
			s.unacked = s.unacked[i+1:]
			return nil
		}
	}
	return nil
}

// dispatched settles a pushed message of a non-transacted session
func (s *Session) dispatched(msg *provider.BasicMessage, err error) {
	if s.transacted || s.mode == provider.ClientAcknowledge {
		return
	}
	if err != nil {
		s.requeue()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.unacked {
		if d.msg == msg {
			s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
			return
		}
	}
}

func (s *Session) requeue() {
	s.mu.Lock()
	pending := s.unacked
	s.unacked = nil
	s.mu.Unlock()

	for _, d := range pending {
		d.src.push(redelivery(d.msg))
	}
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, c)
}

// Producer is an in-memory provider.Producer
type Producer struct {
	session *Session
	dest    provider.Destination
}

func (p *Producer) Destination() provider.Destination {
	return p.dest
}

func (p *Producer) Send(ctx context.Context, msg provider.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.session.check("send"); err != nil {
		return err
	}

	out := provider.NewBasicMessage(msg.ID(), msg.Body())
	out.Correlation = msg.CorrelationID()
	out.Dest = p.dest
	for k, v := range msg.Properties() {
		out.SetProperty(k, v)
	}

	if p.session.transacted {
		p.session.mu.Lock()
		p.session.sends = append(p.session.sends, out)
		p.session.mu.Unlock()
		return nil
	}
	if err := p.session.conn.broker.publish(out); err != nil {
		return provider.NewError("send", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return nil
}
