package rabbitmq

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/mmate-managed/internal/rabbitmq"
	"github.com/glimte/mmate-managed/provider"
)

// ConnectionFactory dials provider connections against a RabbitMQ broker
type ConnectionFactory = rabbitmq.ConnectionFactory

// TransportConfig holds configuration for the connection factory
type TransportConfig struct {
	Heartbeat   time.Duration
	DialTimeout time.Duration
	Prefetch    int
	VHost       string
	Logger      *slog.Logger
}

// TransportOption configures the connection factory
type TransportOption func(*TransportConfig)

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(heartbeat time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Heartbeat = heartbeat
	}
}

// WithDialTimeout sets the TCP dial timeout
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DialTimeout = timeout
	}
}

// WithPrefetch sets the per-channel prefetch count
func WithPrefetch(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Prefetch = count
	}
}

// WithVHost overrides the virtual host of the URL
func WithVHost(vhost string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.VHost = vhost
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewConnectionFactory creates a RabbitMQ connection factory. Connections are
// dialed lazily by CreateConnection.
func NewConnectionFactory(url string, options ...TransportOption) *ConnectionFactory {
	cfg := &TransportConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	return rabbitmq.NewConnectionFactory(url, cfg.factoryOptions()...)
}

func (cfg *TransportConfig) factoryOptions() []rabbitmq.FactoryOption {
	var opts []rabbitmq.FactoryOption
	if cfg.Heartbeat > 0 {
		opts = append(opts, rabbitmq.WithHeartbeat(cfg.Heartbeat))
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, rabbitmq.WithDialTimeout(cfg.DialTimeout))
	}
	if cfg.Prefetch > 0 {
		opts = append(opts, rabbitmq.WithPrefetch(cfg.Prefetch))
	}
	if cfg.VHost != "" {
		opts = append(opts, rabbitmq.WithVHost(cfg.VHost))
	}
	if cfg.Logger != nil {
		opts = append(opts, rabbitmq.WithLogger(cfg.Logger))
	}
	return opts
}

// OptionsFromProperties converts string properties of a configured connection
// factory into options. Recognised keys are heartbeat, dial_timeout, prefetch
// and vhost; unknown keys are rejected.
func OptionsFromProperties(properties map[string]string) ([]TransportOption, error) {
	var opts []TransportOption
	for key, value := range properties {
		switch key {
		case "heartbeat":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("invalid heartbeat %q: %w", value, err)
			}
			opts = append(opts, WithHeartbeat(d))
		case "dial_timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("invalid dial_timeout %q: %w", value, err)
			}
			opts = append(opts, WithDialTimeout(d))
		case "prefetch":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid prefetch %q", value)
			}
			opts = append(opts, WithPrefetch(n))
		case "vhost":
			opts = append(opts, WithVHost(value))
		default:
			return nil, fmt.Errorf("unknown rabbitmq property %q", key)
		}
	}
	return opts, nil
}

var _ provider.ConnectionFactory = (*ConnectionFactory)(nil)
