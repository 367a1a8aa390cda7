package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-managed/provider"
)

// Consumer is a provider.Consumer over one AMQP consumer tag
type Consumer struct {
	session    *Session
	dest       provider.Destination
	selector   string
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
	done       chan struct{}
	once       sync.Once

	mu       sync.Mutex
	listener provider.MessageListener
	cancel   context.CancelFunc
}

func newConsumer(s *Session, dest provider.Destination, selector, queue, tag string, deliveries <-chan amqp.Delivery) *Consumer {
	return &Consumer{
		session:    s,
		dest:       dest,
		selector:   selector,
		queue:      queue,
		tag:        tag,
		deliveries: deliveries,
		done:       make(chan struct{}),
	}
}

func (c *Consumer) closedErr(op string) error {
	return provider.NewError(op, &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.tag,
		Op:          op,
		Err:         ErrConsumerClosed,
		Timestamp:   time.Now(),
	})
}

func (c *Consumer) Receive(ctx context.Context) (provider.Message, error) {
	return c.receive(ctx, nil)
}

func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (provider.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return c.receive(ctx, timer.C)
}

func (c *Consumer) ReceiveNoWait() (provider.Message, error) {
	select {
	case <-c.done:
		return nil, c.closedErr("receive")
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, c.closedErr("receive")
		}
		msg, err := c.session.received(d, false)
		if err != nil {
			return nil, err
		}
		msg.Dest = c.dest
		return msg, nil
	default:
		return nil, nil
	}
}

func (c *Consumer) receive(ctx context.Context, expired <-chan time.Time) (provider.Message, error) {
	select {
	case <-c.done:
		return nil, c.closedErr("receive")
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, c.closedErr("receive")
		}
		msg, err := c.session.received(d, false)
		if err != nil {
			return nil, err
		}
		msg.Dest = c.dest
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, nil
	}
}

// SetMessageListener pushes deliveries to listener while the connection is
// started. A nil listener stops delivery.
func (c *Consumer) SetMessageListener(listener provider.MessageListener) error {
	select {
	case <-c.done:
		return c.closedErr("set message listener")
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.listener = listener
	if listener != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.dispatch(ctx, listener)
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, listener provider.MessageListener) {
	for {
		select {
		case <-c.session.conn.gate.wait():
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}

		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return
			}
			msg, err := c.session.received(d, true)
			if err != nil {
				c.session.logger.Warn("failed to record delivery", "error", err)
				continue
			}
			msg.Dest = c.dest
			c.session.dispatched(d.DeliveryTag, c.deliver(listener, msg))
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Consumer) deliver(listener provider.MessageListener, msg provider.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.session.logger.Error("message listener panicked", "panic", r, "queue", c.queue)
			err = fmt.Errorf("message listener panicked: %v", r)
		}
	}()
	if err := listener.OnMessage(msg); err != nil {
		c.session.logger.Error("message listener failed", "error", err, "queue", c.queue, "messageId", msg.ID())
		return err
	}
	return nil
}

func (c *Consumer) MessageListener() (provider.MessageListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener, nil
}

func (c *Consumer) MessageSelector() (string, error) {
	return c.selector, nil
}

// Close cancels the AMQP consumer
func (c *Consumer) Close() error {
	if !c.shutdown() {
		return nil
	}
	c.session.removeConsumer(c)
	if err := c.session.ch.Cancel(c.tag, false); err != nil {
		return provider.NewError("cancel", &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		})
	}
	return nil
}

// shutdown stops delivery and reports whether this call did it
func (c *Consumer) shutdown() bool {
	first := false
	c.once.Do(func() {
		first = true
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
	})
	return first
}
