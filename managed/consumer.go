package managed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-managed/provider"
)

type consumerOwner interface {
	removeConsumer(c consumerNode)
}

// Consumer is a provider.Consumer recreated against every new session of its
// owner with the parameters it was created with
type Consumer struct {
	id          string
	owner       consumerOwner
	destination provider.Destination
	selector    string
	noLocal     bool
	polling     bool
	logger      *slog.Logger

	mu       sync.RWMutex
	consumer provider.Consumer
	listener provider.MessageListener
	closed   bool
}

func newConsumer(owner consumerOwner, raw provider.Consumer, destination provider.Destination, selector string, noLocal, polling bool, logger *slog.Logger) *Consumer {
	id := uuid.New().String()
	return &Consumer{
		id:          id,
		owner:       owner,
		destination: destination,
		selector:    selector,
		noLocal:     noLocal,
		polling:     polling,
		logger:      logger.With("consumer", id),
		consumer:    raw,
	}
}

// ID returns the unique identifier of this façade
func (c *Consumer) ID() string {
	return c.id
}

// Destination returns the destination the consumer was created for
func (c *Consumer) Destination() provider.Destination {
	return c.destination
}

// NoLocal returns the no-local flag the consumer was created with
func (c *Consumer) NoLocal() bool {
	return c.noLocal
}

// Polling reports whether the consumer is in pull mode
func (c *Consumer) Polling() bool {
	return c.polling
}

// Ready reports whether an underlying consumer is present
func (c *Consumer) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumer != nil
}

// current returns the underlying consumer. The lock is released before the
// caller blocks in a receive so that a reset is never held up by it.
func (c *Consumer) current() (provider.Consumer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, closedErr("consumer", c.id)
	}
	if c.consumer == nil {
		return nil, notReady("consumer", c.id)
	}
	return c.consumer, nil
}

func (c *Consumer) Receive(ctx context.Context) (provider.Message, error) {
	raw, err := c.current()
	if err != nil {
		return nil, err
	}
	return raw.Receive(ctx)
}

func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (provider.Message, error) {
	raw, err := c.current()
	if err != nil {
		return nil, err
	}
	return raw.ReceiveTimeout(ctx, timeout)
}

func (c *Consumer) ReceiveNoWait() (provider.Message, error) {
	raw, err := c.current()
	if err != nil {
		return nil, err
	}
	return raw.ReceiveNoWait()
}

// SetMessageListener remembers listener for re-attachment after a refresh. In
// push mode it is also attached to the underlying consumer, which fails with
// ErrNotReady while reconnecting.
func (c *Consumer) SetMessageListener(listener provider.MessageListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return closedErr("consumer", c.id)
	}
	if c.polling {
		c.listener = listener
		return nil
	}
	if c.consumer == nil {
		return notReady("consumer", c.id)
	}
	if err := c.consumer.SetMessageListener(listener); err != nil {
		return err
	}
	c.listener = listener
	return nil
}

// MessageListener returns the remembered listener
func (c *Consumer) MessageListener() (provider.MessageListener, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, closedErr("consumer", c.id)
	}
	return c.listener, nil
}

// MessageSelector returns the selector the consumer was created with
func (c *Consumer) MessageSelector() (string, error) {
	return c.selector, nil
}

// Close closes the underlying consumer and removes the consumer from its
// session. Closing twice is a no-op.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	raw := c.consumer
	c.consumer = nil
	c.mu.Unlock()

	if c.owner != nil {
		c.owner.removeConsumer(c)
	}
	if raw == nil {
		return nil
	}
	return raw.Close()
}

func (c *Consumer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = nil
	c.logger.Debug("consumer reset")
}

func (c *Consumer) refresh(session provider.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	raw, err := session.CreateConsumer(c.destination, c.selector, c.noLocal)
	if err != nil {
		return err
	}
	if !c.polling && c.listener != nil {
		if err := raw.SetMessageListener(c.listener); err != nil {
			if cerr := raw.Close(); cerr != nil {
				c.logger.Debug("failed to close consumer after failed listener attach", "error", cerr)
			}
			return err
		}
	}
	c.consumer = raw

	c.logger.Debug("consumer refreshed", "destination", c.destination.String())
	return nil
}
