package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-managed/provider"
)

const topicExchange = "amq.topic"

// Session is a provider.Session over one AMQP channel
type Session struct {
	id         string
	conn       *Connection
	ch         amqpChannel
	transacted bool
	mode       provider.AcknowledgeMode
	logger     *slog.Logger

	mu        sync.Mutex
	closed    bool
	lastTag   uint64
	unsettled bool
	consumers map[*Consumer]struct{}
}

func newSession(conn *Connection, ch amqpChannel, transacted bool, mode provider.AcknowledgeMode) (*Session, error) {
	s := &Session{
		id:         uuid.New().String(),
		conn:       conn,
		ch:         ch,
		transacted: transacted,
		mode:       mode,
		consumers:  make(map[*Consumer]struct{}),
	}
	s.logger = conn.logger.With("channel", s.id)

	if conn.prefetch > 0 {
		if err := ch.Qos(conn.prefetch, 0, false); err != nil {
			return nil, s.wrap("qos", err)
		}
	}
	if transacted {
		if err := ch.Tx(); err != nil {
			return nil, s.wrap("tx", err)
		}
	}
	return s, nil
}

func (s *Session) wrap(op string, err error) error {
	return provider.NewError(op, &ChannelError{
		Op:        op,
		ChannelID: s.id,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func (s *Session) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.wrap(op, ErrChannelClosed)
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
	msg, err := s.CreateMessage([]byte(text))
	if err != nil {
		return nil, err
	}
	msg.SetProperty(contentTypeProperty, "text/plain")
	return msg, nil
}

// CreateQueue declares a durable queue
func (s *Session) CreateQueue(name string) (provider.Destination, error) {
	if err := s.check("create queue"); err != nil {
		return provider.Destination{}, err
	}
	if _, err := s.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return provider.Destination{}, s.wrap("declare queue", err)
	}
	return provider.Queue(name), nil
}

// CreateTopic returns a topic on amq.topic; nothing is declared
func (s *Session) CreateTopic(name string) (provider.Destination, error) {
	if err := s.check("create topic"); err != nil {
		return provider.Destination{}, err
	}
	return provider.Topic(name), nil
}

// CreateTemporaryQueue declares an exclusive server-named queue
func (s *Session) CreateTemporaryQueue() (provider.Destination, error) {
	if err := s.check("create temporary queue"); err != nil {
		return provider.Destination{}, err
	}
	q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return provider.Destination{}, s.wrap("declare temporary queue", err)
	}
	return provider.Queue(q.Name), nil
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

	queue := destination.Name
	switch destination.Kind {
	case provider.TopicKind:
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, s.wrap("declare subscription", err)
		}
		key := destination.Name
		if selector != "" {
			key = selector
		}
		if err := s.ch.QueueBind(q.Name, key, topicExchange, false, nil); err != nil {
			return nil, s.wrap("bind subscription", err)
		}
		queue = q.Name
	default:
		if selector != "" {
			return nil, provider.NewError("create consumer", fmt.Errorf("%w: %w", provider.ErrUnsupported, ErrQueueSelector))
		}
	}

	tag := "mmate-" + uuid.New().String()
	deliveries, err := s.ch.Consume(queue, tag, false, false, noLocal, false, nil)
	if err != nil {
		return nil, provider.NewError("consume", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		})
	}

	c := newConsumer(s, destination, selector, queue, tag, deliveries)
	s.mu.Lock()
	s.consumers[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("consumer started", "queue", queue, "consumerTag", tag)
	return c, nil
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, c)
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

// Commit acknowledges every delivery received so far and commits the
// channel transaction
func (s *Session) Commit() error {
	if err := s.check("commit"); err != nil {
		return err
	}
	if !s.transacted {
		return s.wrap("commit", ErrNotTransacted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsettled {
		if err := s.ch.Ack(s.lastTag, true); err != nil {
			return s.wrap("ack", err)
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return s.wrap("commit", err)
	}
	s.unsettled = false
	return nil
}

// Rollback discards published messages and requeues every delivery received
// since the last commit
func (s *Session) Rollback() error {
	if err := s.check("rollback"); err != nil {
		return err
	}
	if !s.transacted {
		return s.wrap("rollback", ErrNotTransacted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.TxRollback(); err != nil {
		return s.wrap("rollback", err)
	}
	if s.unsettled {
		if err := s.ch.Nack(s.lastTag, true, true); err != nil {
			return s.wrap("nack", err)
		}
		if err := s.ch.TxCommit(); err != nil {
			return s.wrap("commit requeue", err)
		}
		s.unsettled = false
	}
	return nil
}

// Recover redelivers every unacknowledged delivery
func (s *Session) Recover() error {
	if err := s.check("recover"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.Recover(true); err != nil {
		return s.wrap("recover", err)
	}
	s.unsettled = false
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
	s.mu.Unlock()

	for _, c := range consumers {
		c.shutdown()
	}
	s.conn.removeSession(s)

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return s.wrap("close", err)
	}
	return nil
}

// received settles or records a delivery. Pull deliveries of a non-transacted
// auto-acknowledged session are acknowledged at once; push deliveries are
// settled after the listener returned.
func (s *Session) received(d amqp.Delivery, push bool) (*provider.BasicMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := toMessage(d)
	switch {
	case s.transacted:
		s.lastTag = d.DeliveryTag
		s.unsettled = true
	case s.mode == provider.ClientAcknowledge:
		tag := d.DeliveryTag
		msg.AckFunc = func() error {
			if err := s.ch.Ack(tag, true); err != nil {
				return s.wrap("ack", err)
			}
			return nil
		}
	case !push:
		if err := s.ch.Ack(d.DeliveryTag, false); err != nil {
			return nil, s.wrap("ack", err)
		}
	}
	return msg, nil
}

// dispatched settles a pushed delivery of a non-transacted auto-acknowledged
// session
func (s *Session) dispatched(tag uint64, listenerErr error) {
	if s.transacted || s.mode == provider.ClientAcknowledge {
		return
	}

	var err error
	if listenerErr != nil {
		err = s.ch.Nack(tag, false, true)
	} else {
		err = s.ch.Ack(tag, false)
	}
	if err != nil {
		s.logger.Warn("failed to settle delivery", "deliveryTag", tag, "error", err)
	}
}
