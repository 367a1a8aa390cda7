// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-managed/health"
	"github.com/glimte/mmate-managed/managed"
	"github.com/glimte/mmate-managed/metrics"
	"github.com/glimte/mmate-managed/pollers"
	"github.com/glimte/mmate-managed/provider"
)

// Client provides the main entry point for mmate: it owns the named
// connections, the listeners consuming from them and their pollers
type Client struct {
	applicationID string
	logger        *slog.Logger
	metrics       metrics.Recorder
	factory       *managed.Factory
	health        *health.Registry

	mu          sync.RWMutex
	factories   map[string]provider.ConnectionFactory
	connections map[string]provider.Connection
	definitions map[string]*managed.Definition
	listeners   map[string]*ListenerDefinition
	pollers     map[string]pollers.MessagePoller

	exceptionListeners map[string]provider.ExceptionListener
	exceptionHandlers  map[string]managed.ExceptionHandler
	handlers           map[string]provider.MessageListener

	started atomic.Bool
}

// NewClient creates a client without connections
func NewClient(options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:             slog.Default(),
		metrics:            metrics.Nop{},
		applicationID:      "mmate",
		factories:          make(map[string]provider.ConnectionFactory),
		exceptionListeners: make(map[string]provider.ExceptionListener),
		exceptionHandlers:  make(map[string]managed.ExceptionHandler),
		handlers:           make(map[string]provider.MessageListener),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.health == nil {
		cfg.health = health.NewRegistry()
	}
	cfg.health.SetMetadata("application", cfg.applicationID)

	return &Client{
		applicationID:      cfg.applicationID,
		logger:             cfg.logger,
		metrics:            cfg.metrics,
		factory:            managed.NewFactory(managed.WithLogger(cfg.logger), managed.WithMetrics(cfg.metrics)),
		health:             cfg.health,
		factories:          cfg.factories,
		connections:        make(map[string]provider.Connection),
		definitions:        make(map[string]*managed.Definition),
		listeners:          make(map[string]*ListenerDefinition),
		pollers:            make(map[string]pollers.MessagePoller),
		exceptionListeners: cfg.exceptionListeners,
		exceptionHandlers:  cfg.exceptionHandlers,
		handlers:           cfg.handlers,
	}
}

// ApplicationID returns the identifier used to derive client identifiers
func (c *Client) ApplicationID() string {
	return c.applicationID
}

// Health returns the registry holding the connection and poller checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Started reports whether Start was called without a later Stop
func (c *Client) Started() bool {
	return c.started.Load()
}

// RegisterConnectionFactory makes f available to definitions under name
func (c *Client) RegisterConnectionFactory(name string, f provider.ConnectionFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Connect creates the connection described by def and registers it
func (c *Client) Connect(ctx context.Context, def *managed.Definition) (provider.Connection, error) {
	conn, err := c.factory.CreateConnection(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection %s: %w", def.Name, err)
	}
	if err := c.RegisterConnection(conn, def); err != nil {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Debug("failed to close unregistered connection", "connection", def.Name, "error", cerr)
		}
		return nil, err
	}
	return conn, nil
}

// RegisterConnection adds conn under the definition's name. The connection
// is started at once when the client is already started. A managed
// connection removes itself from the client when closed.
func (c *Client) RegisterConnection(conn provider.Connection, def *managed.Definition) error {
	if conn == nil || def == nil {
		return fmt.Errorf("%w: connection and definition are required", managed.ErrInvalidDefinition)
	}

	c.mu.Lock()
	if _, exists := c.connections[def.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, def.Name)
	}
	c.connections[def.Name] = conn
	c.definitions[def.Name] = def
	c.mu.Unlock()

	if mc, ok := conn.(*managed.Connection); ok {
		c.health.Register(health.NewConnectionChecker(mc))
		mc.NotifyClose(c.deregister)
	}

	c.logger.Info("connection registered", "connection", def.Name, "managed", def.Managed)

	if c.started.Load() {
		if err := conn.Start(); err != nil {
			return c.startError(def.Name, err)
		}
	}
	return nil
}

func (c *Client) deregister(conn *managed.Connection) {
	c.mu.Lock()
	if current, ok := c.connections[conn.Name()]; ok && current == provider.Connection(conn) {
		delete(c.connections, conn.Name())
		delete(c.definitions, conn.Name())
	}
	c.mu.Unlock()
	c.health.Unregister(health.NewConnectionChecker(conn).Name())
}

// startError tolerates managed connections that are reconnecting: they
// remember the request and start once rebuilt
func (c *Client) startError(name string, err error) error {
	if managed.IsNotReady(err) {
		c.logger.Warn("connection not ready, start deferred", "connection", name, "error", err)
		return nil
	}
	return fmt.Errorf("failed to start connection %s: %w", name, err)
}

// Connection returns a registered connection
func (c *Client) Connection(name string) (provider.Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.connections[name]
	return conn, ok
}

// Definition returns the definition a connection was registered with
func (c *Client) Definition(name string) (*managed.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[name]
	return def, ok
}

// ConnectionNames returns the registered connection names in order
func (c *Client) ConnectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.connections))
	for name := range c.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Poller returns the poller of a listener registered in pull mode
func (c *Client) Poller(listener string) (pollers.MessagePoller, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pollers[listener]
	return p, ok
}

// Start starts every connection, then every poller
func (c *Client) Start() error {
	c.started.Store(true)

	c.mu.RLock()
	connections := c.snapshotConnections()
	polls := c.snapshotPollers()
	c.mu.RUnlock()

	for _, name := range sortedNames(connections) {
		if err := connections[name].Start(); err != nil {
			if err := c.startError(name, err); err != nil {
				return err
			}
		}
	}

	var errs []error
	for _, name := range sortedNames(polls) {
		if err := polls[name].Start(); err != nil {
			errs = append(errs, fmt.Errorf("failed to start poller %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logger.Info("client started", "connections", len(connections), "pollers", len(polls))
	return nil
}

// Stop stops every poller, then closes every connection. Failures are
// logged and do not interrupt the shutdown. Connections, listeners and
// pollers are dropped from the client: they are bound to closed sessions
// and have to be registered again before the next Start.
func (c *Client) Stop() {
	c.started.Store(false)

	c.mu.Lock()
	connections := c.connections
	polls := c.pollers
	c.connections = make(map[string]provider.Connection)
	c.definitions = make(map[string]*managed.Definition)
	c.listeners = make(map[string]*ListenerDefinition)
	c.pollers = make(map[string]pollers.MessagePoller)
	c.mu.Unlock()

	for _, p := range polls {
		p.Stop()
		if state, ok := p.(health.PollerState); ok {
			c.health.Unregister(health.NewPollerChecker(state, nil).Name())
		}
	}
	for _, name := range sortedNames(connections) {
		if err := connections[name].Close(); err != nil {
			c.logger.Error("failed to close connection", "connection", name, "error", err)
		}
	}

	c.logger.Info("client stopped")
}

func (c *Client) snapshotConnections() map[string]provider.Connection {
	out := make(map[string]provider.Connection, len(c.connections))
	for k, v := range c.connections {
		out[k] = v
	}
	return out
}

func (c *Client) snapshotPollers() map[string]pollers.MessagePoller {
	out := make(map[string]pollers.MessagePoller, len(c.pollers))
	for k, v := range c.pollers {
		out[k] = v
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	metrics            metrics.Recorder
	health             *health.Registry
	applicationID      string
	factories          map[string]provider.ConnectionFactory
	exceptionListeners map[string]provider.ExceptionListener
	exceptionHandlers  map[string]managed.ExceptionHandler
	handlers           map[string]provider.MessageListener
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the recorder for connections and pollers
func WithMetrics(recorder metrics.Recorder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = recorder
	}
}

// WithHealthRegistry registers checks with an existing registry
func WithHealthRegistry(registry *health.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.health = registry
	}
}

// WithApplicationID sets the prefix of derived client identifiers
func WithApplicationID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.applicationID = id
	}
}

// WithConnectionFactory registers a named connection factory
func WithConnectionFactory(name string, f provider.ConnectionFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.factories[name] = f
	}
}

// WithExceptionListener registers a named exception listener
func WithExceptionListener(name string, listener provider.ExceptionListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exceptionListeners[name] = listener
	}
}

// WithExceptionHandler registers a named exception handler
func WithExceptionHandler(name string, handler managed.ExceptionHandler) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exceptionHandlers[name] = handler
	}
}

// WithMessageHandler registers a named message listener for configured listeners
func WithMessageHandler(name string, listener provider.MessageListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlers[name] = listener
	}
}
