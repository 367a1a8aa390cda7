package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-managed/provider"
)

// Consumer is an in-memory provider.Consumer
type Consumer struct {
	session  *Session
	dest     provider.Destination
	selector string
	noLocal  bool
	source   *queue
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	listener provider.MessageListener
	cancel   context.CancelFunc
}

func (c *Consumer) Receive(ctx context.Context) (provider.Message, error) {
	return c.receive(ctx, nil, false)
}

func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (provider.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return c.receive(ctx, timer.C, false)
}

func (c *Consumer) ReceiveNoWait() (provider.Message, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	select {
	case msg := <-c.source.ch:
		return c.deliver(msg, false)
	default:
		return nil, nil
	}
}

func (c *Consumer) check() error {
	select {
	case <-c.done:
		if err := c.session.conn.status("receive"); err != nil {
			return err
		}
		return provider.NewError("receive", provider.ErrClosed)
	default:
	}
	return c.session.check("receive")
}

func (c *Consumer) receive(ctx context.Context, expired <-chan time.Time, push bool) (provider.Message, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	select {
	case msg := <-c.source.ch:
		return c.deliver(msg, push)
	case <-c.done:
		return nil, c.check()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, nil
	}
}

func (c *Consumer) deliver(msg *provider.BasicMessage, push bool) (provider.Message, error) {
	select {
	case <-c.done:
		c.source.push(redelivery(msg))
		return nil, c.check()
	default:
	}
	if err := c.session.received(c.source, msg, push); err != nil {
		return nil, err
	}
	return msg, nil
}

// SetMessageListener starts pushing messages to listener once the connection
// is started. A nil listener stops delivery.
func (c *Consumer) SetMessageListener(listener provider.MessageListener) error {
	if err := c.check(); err != nil {
		return err
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
	for c.session.conn.waitStarted(ctx) {
		msg, err := c.receive(ctx, nil, true)
		if err != nil || msg == nil {
			return
		}
		err = listener.OnMessage(msg)
		c.session.dispatched(msg.(*provider.BasicMessage), err)
	}
}

func (c *Consumer) MessageListener() (provider.MessageListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener, nil
}

func (c *Consumer) MessageSelector() (string, error) {
	return c.selector, nil
}

func (c *Consumer) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		if c.dest.Kind == provider.TopicKind {
			c.session.conn.broker.unsubscribe(c.dest.Name, c)
		}
		c.session.removeConsumer(c)
	})
	return nil
}
