package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-managed/provider"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
	defaultPrefetch    = 10
)

// ConnectionFactory dials RabbitMQ connections
type ConnectionFactory struct {
	url         string
	heartbeat   time.Duration
	dialTimeout time.Duration
	prefetch    int
	vhost       string
	logger      *slog.Logger
	dial        func(url string, config amqp.Config) (amqpConnection, error)
}

// FactoryOption configures the connection factory
type FactoryOption func(*ConnectionFactory)

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(heartbeat time.Duration) FactoryOption {
	return func(f *ConnectionFactory) {
		f.heartbeat = heartbeat
	}
}

// WithDialTimeout sets the TCP dial timeout
func WithDialTimeout(timeout time.Duration) FactoryOption {
	return func(f *ConnectionFactory) {
		f.dialTimeout = timeout
	}
}

// WithPrefetch sets the prefetch count of every channel
func WithPrefetch(count int) FactoryOption {
	return func(f *ConnectionFactory) {
		f.prefetch = count
	}
}

// WithVHost overrides the virtual host of the URL
func WithVHost(vhost string) FactoryOption {
	return func(f *ConnectionFactory) {
		f.vhost = vhost
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ConnectionFactory) {
		f.logger = logger
	}
}

// NewConnectionFactory creates a factory for the given AMQP URL
func NewConnectionFactory(url string, options ...FactoryOption) *ConnectionFactory {
	f := &ConnectionFactory{
		url:         url,
		heartbeat:   defaultHeartbeat,
		dialTimeout: defaultDialTimeout,
		prefetch:    defaultPrefetch,
		logger:      slog.Default(),
		dial:        dial,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// URL returns the sanitized broker URL
func (f *ConnectionFactory) URL() string {
	return SanitizeURL(f.url)
}

// CreateConnection implements provider.ConnectionFactory. The client
// identifier becomes the connection name shown by the broker.
func (f *ConnectionFactory) CreateConnection(ctx context.Context, opts provider.ConnectionOptions) (provider.Connection, error) {
	config := f.config(opts)

	type result struct {
		conn amqpConnection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := f.dial(f.url, config)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, provider.NewError("dial", &ConnectionError{
				Op:        "dial",
				URL:       SanitizeURL(f.url),
				Err:       r.err,
				Timestamp: time.Now(),
			})
		}
		f.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(f.url),
			"clientID", opts.ClientID)
		return newConnection(r.conn, opts.ClientID, f.prefetch, f.logger), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				if err := r.conn.Close(); err != nil {
					f.logger.Debug("failed to close late connection", "error", err)
				}
			}
		}()
		return nil, provider.NewError("dial", ctx.Err())
	}
}

func (f *ConnectionFactory) config(opts provider.ConnectionOptions) amqp.Config {
	config := amqp.Config{
		Heartbeat:  f.heartbeat,
		Vhost:      f.vhost,
		Properties: amqp.NewConnectionProperties(),
		Dial:       amqp.DefaultDial(f.dialTimeout),
	}
	if opts.ClientID != "" {
		config.Properties.SetClientConnectionName(opts.ClientID)
	}
	if opts.User != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: opts.User,
			Password: opts.Password,
		}}
	}
	return config
}
