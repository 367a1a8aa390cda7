package mmate

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-managed/config"
	"github.com/glimte/mmate-managed/pollers"
	"github.com/glimte/mmate-managed/provider"
	"github.com/glimte/mmate-managed/provider/providertest"
	"github.com/glimte/mmate-managed/transports/rabbitmq"
)

// New creates a client from configuration: connection factories, then
// connections, then listeners bound to handlers registered with
// WithMessageHandler. Factories registered through options take precedence
// over configured ones of the same name. The client is not started.
func New(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	opts := append([]ClientOption{WithApplicationID(cfg.JMS.ApplicationID)}, options...)
	c := NewClient(opts...)

	if !cfg.JMS.Enabled {
		c.logger.Info("messaging disabled by configuration")
		return c, nil
	}

	for _, name := range sortedNames(cfg.JMS.ConnectionFactories) {
		c.mu.RLock()
		_, exists := c.factories[name]
		c.mu.RUnlock()
		if exists {
			continue
		}
		f, err := c.buildFactory(name, cfg.JMS.ConnectionFactories[name])
		if err != nil {
			return nil, err
		}
		c.RegisterConnectionFactory(name, f)
	}

	for _, name := range sortedNames(cfg.JMS.Connections) {
		def, err := c.CreateDefinition(name, cfg.JMS.Connections[name], nil)
		if err != nil {
			c.Stop()
			return nil, err
		}
		if _, err := c.Connect(ctx, def); err != nil {
			c.Stop()
			return nil, err
		}
	}

	for _, name := range sortedNames(cfg.JMS.Listeners) {
		def, err := c.listenerDefinition(name, cfg.JMS.Listeners[name])
		if err != nil {
			c.Stop()
			return nil, err
		}
		if err := c.RegisterListener(def); err != nil {
			c.Stop()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) buildFactory(name string, fc config.ConnectionFactoryConfig) (provider.ConnectionFactory, error) {
	switch fc.Type {
	case config.FactoryRabbitMQ:
		opts, err := rabbitmq.OptionsFromProperties(fc.Properties)
		if err != nil {
			return nil, fmt.Errorf("connection factory %s: %w", name, err)
		}
		opts = append(opts, rabbitmq.WithLogger(c.logger))
		return rabbitmq.NewConnectionFactory(fc.URL, opts...), nil
	case config.FactoryMemory:
		return providertest.NewBroker(), nil
	default:
		return nil, fmt.Errorf("%w: connection factory %s has type %q", ErrMissingConnectionFactory, name, fc.Type)
	}
}

func (c *Client) listenerDefinition(name string, lc config.ListenerConfig) (ListenerDefinition, error) {
	c.mu.RLock()
	handler, ok := c.handlers[lc.Handler]
	c.mu.RUnlock()
	if !ok {
		return ListenerDefinition{}, fmt.Errorf("%w: message handler %q of listener %s", ErrUnknownHandler, lc.Handler, name)
	}

	dest := provider.Queue(lc.Destination)
	if lc.DestinationType == config.DestinationTopic {
		dest = provider.Topic(lc.Destination)
	}

	def := ListenerDefinition{
		Name:        name,
		Connection:  lc.Connection,
		Destination: dest,
		Selector:    lc.Selector,
		Transacted:  lc.Transactional,
		Listener:    handler,
	}
	if lc.Poller {
		opts := []pollers.Option{
			pollers.WithLogger(c.logger),
			pollers.WithMetrics(c.metrics),
		}
		if lc.ReceiveTimeout > 0 {
			opts = append(opts, pollers.WithReceiveTimeout(lc.ReceiveTimeout))
		}
		if lc.RestartDelay > 0 {
			opts = append(opts, pollers.WithRestartDelay(lc.RestartDelay))
		}
		def.Poller = pollers.NewSimplePoller(name, opts...)
	}
	return def, nil
}
