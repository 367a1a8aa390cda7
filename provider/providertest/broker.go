// Package providertest implements the provider contracts in memory.
//
// A Broker holds queues and topics and hands out connections. Broker.Fail
// breaks every open connection the way a lost transport would: sessions and
// consumers are closed, unacknowledged messages are requeued and exception
// listeners are notified asynchronously. Message selectors are recorded but
// not evaluated.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-managed/provider"
)

const queueCapacity = 4096

var (
	// ErrQueueFull is returned when a queue holds queueCapacity messages
	ErrQueueFull = errors.New("providertest: queue full")
	// ErrNotTransacted is returned by Commit and Rollback on a non-transacted session
	ErrNotTransacted = errors.New("providertest: session is not transacted")
)

type queue struct {
	name string
	ch   chan *provider.BasicMessage
}

func newQueue(name string) *queue {
	return &queue{name: name, ch: make(chan *provider.BasicMessage, queueCapacity)}
}

func (q *queue) push(msg *provider.BasicMessage) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}
}

// Broker is an in-memory message broker
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	subscribers map[string]map[*Consumer]struct{}
	conns       map[*Connection]struct{}
	createErr   error
	created     int
	lastOpts    provider.ConnectionOptions
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:      make(map[string]*queue),
		subscribers: make(map[string]map[*Consumer]struct{}),
		conns:       make(map[*Connection]struct{}),
	}
}

// CreateConnection implements provider.ConnectionFactory
func (b *Broker) CreateConnection(ctx context.Context, opts provider.ConnectionOptions) (provider.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createErr != nil {
		return nil, provider.NewError("connect", b.createErr)
	}

	c := &Connection{
		broker:   b,
		opts:     opts,
		clientID: opts.ClientID,
		sessions: make(map[*Session]struct{}),
	}
	b.conns[c] = struct{}{}
	b.created++
	b.lastOpts = opts
	return c, nil
}

// SetCreateError makes CreateConnection fail with err until it is cleared
// with nil
func (b *Broker) SetCreateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// Fail breaks every open connection with err
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.fail(err)
	}
}

// ConnectionsCreated returns how many connections were handed out
func (b *Broker) ConnectionsCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// OpenConnections returns the number of connections neither closed nor broken
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// LastOptions returns the options of the most recent connection
func (b *Broker) LastOptions() provider.ConnectionOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOpts
}

// Publish delivers a text message to a destination without a connection
func (b *Broker) Publish(dest provider.Destination, text string) error {
	msg := provider.NewBasicMessage(uuid.New().String(), []byte(text))
	msg.Dest = dest
	return b.publish(msg)
}

// Depth returns the number of messages waiting on a queue
func (b *Broker) Depth(name string) int {
	return len(b.queue(name).ch)
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) publish(msg *provider.BasicMessage) error {
	switch msg.Dest.Kind {
	case provider.TopicKind:
		b.mu.Lock()
		subs := make([]*Consumer, 0, len(b.subscribers[msg.Dest.Name]))
		for c := range b.subscribers[msg.Dest.Name] {
			subs = append(subs, c)
		}
		b.mu.Unlock()

		for _, c := range subs {
			if err := c.source.push(clone(msg)); err != nil {
				return err
			}
		}
		return nil
	default:
		return b.queue(msg.Dest.Name).push(msg)
	}
}

func (b *Broker) subscribe(topic string, c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[topic]
	if !ok {
		subs = make(map[*Consumer]struct{})
		b.subscribers[topic] = subs
	}
	subs[c] = struct{}{}
}

func (b *Broker) unsubscribe(topic string, c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers[topic], c)
}

func (b *Broker) remove(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

func clone(msg *provider.BasicMessage) *provider.BasicMessage {
	out := provider.NewBasicMessage(msg.MessageID, msg.Payload)
	out.Correlation = msg.Correlation
	out.Dest = msg.Dest
	out.Sent = msg.Sent
	for k, v := range msg.Properties() {
		out.SetProperty(k, v)
	}
	return out
}

// redelivery returns a copy of msg flagged as redelivered. The message already
// handed to a receiver is left untouched.
func redelivery(msg *provider.BasicMessage) *provider.BasicMessage {
	out := clone(msg)
	out.Redeliver = true
	return out
}
