package managed

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-managed/metrics"
	"github.com/glimte/mmate-managed/provider"
)

// Factory creates raw and managed connections from definitions
type Factory struct {
	logger  *slog.Logger
	metrics metrics.Recorder
}

// Option configures a Factory
type Option func(*Factory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(f *Factory) {
		f.metrics = recorder
	}
}

// NewFactory creates a new connection factory
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		logger:  slog.Default(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateRawConnection creates a provider connection with the definition's
// credentials and, when requested, its client identifier
func (f *Factory) CreateRawConnection(ctx context.Context, def *Definition) (provider.Connection, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	opts := provider.ConnectionOptions{}
	if def.User != "" {
		opts.User = def.User
		opts.Password = def.Password
	}
	if def.ShouldSetClientID {
		opts.ClientID = def.ClientID
	}

	conn, err := def.Factory.CreateConnection(ctx, opts)
	if err != nil {
		return nil, provider.NewError("create connection", err)
	}
	return conn, nil
}

// CreateConnection creates a managed façade when the definition is managed
// and a raw connection otherwise
func (f *Factory) CreateConnection(ctx context.Context, def *Definition) (provider.Connection, error) {
	if def.Managed {
		conn, err := f.CreateManagedConnection(ctx, def)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	conn, err := f.CreateRawConnection(ctx, def)
	if err != nil {
		return nil, err
	}
	if def.ExceptionListener != nil && !def.NoManagedThreads {
		if err := conn.SetExceptionListener(def.ExceptionListener); err != nil {
			if cerr := conn.Close(); cerr != nil {
				f.logger.Debug("failed to close connection", "connection", def.Name, "error", cerr)
			}
			return nil, err
		}
	}
	return conn, nil
}

// CreateManagedConnection creates the initial raw connection and wraps it in
// a Connection that rebuilds it after failures
func (f *Factory) CreateManagedConnection(ctx context.Context, def *Definition) (*Connection, error) {
	raw, err := f.CreateRawConnection(ctx, def)
	if err != nil {
		return nil, err
	}

	c := newConnection(f, *def)
	c.adopt(raw)
	if def.ExceptionListener != nil {
		c.SetExceptionListener(def.ExceptionListener)
	}

	f.logger.Info("managed connection created",
		"connection", def.Name,
		"noManagedThreads", def.NoManagedThreads,
		"reconnectionDelay", def.ReconnectionDelay)
	return c, nil
}
