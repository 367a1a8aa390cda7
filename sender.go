package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-managed/internal/reliability"
	"github.com/glimte/mmate-managed/managed"
	"github.com/glimte/mmate-managed/provider"
)

const (
	defaultSendRetryDelay    = 200 * time.Millisecond
	defaultSendRetryAttempts = 25
)

// MessageBuilder creates the message to send from the sending session
type MessageBuilder func(session provider.Session) (provider.Message, error)

// Text builds a text message
func Text(text string) MessageBuilder {
	return func(session provider.Session) (provider.Message, error) {
		return session.CreateTextMessage(text)
	}
}

// Sender sends messages through a registered connection. Sends failing
// because a managed connection is being rebuilt are retried.
type Sender struct {
	connection string
	conn       provider.Connection
	policy     reliability.RetryPolicy
	logger     *slog.Logger
}

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithSendRetry sets the delay between attempts and the number of retries
func WithSendRetry(delay time.Duration, retries int) SenderOption {
	return func(s *Sender) {
		s.policy = &reliability.FixedDelay{
			Delay:       delay,
			MaxAttempts: retries,
			RetryIf:     managed.IsNotReady,
		}
	}
}

// Sender returns a sender for the named connection
func (c *Client) Sender(connection string, opts ...SenderOption) (*Sender, error) {
	conn, ok := c.Connection(connection)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connection)
	}

	s := &Sender{
		connection: connection,
		conn:       conn,
		policy: &reliability.FixedDelay{
			Delay:       defaultSendRetryDelay,
			MaxAttempts: defaultSendRetryAttempts,
			RetryIf:     managed.IsNotReady,
		},
		logger: c.logger.With("connection", connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send creates a session and producer for dest and sends the built message
func (s *Sender) Send(ctx context.Context, dest provider.Destination, build MessageBuilder) error {
	attempt := 0
	err := reliability.Retry(ctx, s.policy, func() error {
		attempt++
		err := s.send(ctx, dest, build)
		if managed.IsNotReady(err) {
			s.logger.Debug("connection not ready, retrying send", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", dest, err)
	}
	return nil
}

// SendText sends a text message to dest
func (s *Sender) SendText(ctx context.Context, dest provider.Destination, text string) error {
	return s.Send(ctx, dest, Text(text))
}

func (s *Sender) send(ctx context.Context, dest provider.Destination, build MessageBuilder) error {
	session, err := s.conn.CreateSession(false, provider.AutoAcknowledge)
	if err != nil {
		return err
	}
	defer session.Close()

	resolved, err := resolveDestination(session, dest)
	if err != nil {
		return err
	}
	msg, err := build(session)
	if err != nil {
		return err
	}
	producer, err := session.CreateProducer(resolved)
	if err != nil {
		return err
	}
	defer producer.Close()

	return producer.Send(ctx, msg)
}
