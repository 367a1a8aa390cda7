// Package config loads connection factories, connections and listeners from
// a TOML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/glimte/mmate-managed/internal/rabbitmq"
)

// EnvPrefix is the prefix of environment overrides. MMATE_JMS_CONNECTIONS_MAIN_PASSWORD
// sets jms.connections.main.password; a double underscore stands for a literal one.
const EnvPrefix = "MMATE_"

// DefaultReconnectionDelay applies to connections without reconnection_delay
const DefaultReconnectionDelay = 30 * time.Second

// Factory types
const (
	FactoryRabbitMQ = "rabbitmq"
	FactoryMemory   = "memory"
)

// Destination types
const (
	DestinationQueue = "queue"
	DestinationTopic = "topic"
)

const masked = "********"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration
type Config struct {
	JMS     JMSConfig     `koanf:"jms"`
	Logging LoggingConfig `koanf:"logging"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

// JMSConfig holds the messaging section
type JMSConfig struct {
	Enabled             bool                               `koanf:"enabled"`
	ApplicationID       string                             `koanf:"application_id"`
	ConnectionFactories map[string]ConnectionFactoryConfig `koanf:"connection_factories"`
	Connections         map[string]ConnectionConfig        `koanf:"connections"`
	Listeners           map[string]ListenerConfig          `koanf:"listeners"`
}

// ConnectionFactoryConfig describes a provider connection factory
type ConnectionFactoryConfig struct {
	Type       string            `koanf:"type"`
	URL        string            `koanf:"url"`
	Properties map[string]string `koanf:"properties"`
}

// ConnectionConfig describes one named connection. Unset pointer fields take
// their defaults through the accessor methods.
type ConnectionConfig struct {
	ConnectionFactory string         `koanf:"connection_factory"`
	Managed           *bool          `koanf:"managed"`
	NoManagedThreads  bool           `koanf:"no_managed_threads"`
	SetClientID       *bool          `koanf:"set_client_id"`
	ClientID          string         `koanf:"client_id"`
	User              string         `koanf:"user"`
	Password          string         `koanf:"password"`
	ReconnectionDelay *time.Duration `koanf:"reconnection_delay"`
	ExceptionListener string         `koanf:"exception_listener"`
	ExceptionHandler  string         `koanf:"exception_handler"`
}

// IsManaged defaults to true
func (c ConnectionConfig) IsManaged() bool {
	return c.Managed == nil || *c.Managed
}

// ShouldSetClientID defaults to the opposite of NoManagedThreads
func (c ConnectionConfig) ShouldSetClientID() bool {
	if c.SetClientID == nil {
		return !c.NoManagedThreads
	}
	return *c.SetClientID
}

// Delay returns the reconnection delay, DefaultReconnectionDelay when unset
func (c ConnectionConfig) Delay() time.Duration {
	if c.ReconnectionDelay == nil {
		return DefaultReconnectionDelay
	}
	return *c.ReconnectionDelay
}

// ListenerConfig binds a named handler to a destination
type ListenerConfig struct {
	Connection      string        `koanf:"connection"`
	DestinationType string        `koanf:"destination_type"`
	Destination     string        `koanf:"destination"`
	Selector        string        `koanf:"selector"`
	Transactional   bool          `koanf:"transactional"`
	Poller          bool          `koanf:"poller"`
	Handler         string        `koanf:"handler"`
	ReceiveTimeout  time.Duration `koanf:"receive_timeout"`
	RestartDelay    time.Duration `koanf:"restart_delay"`
}

// Default returns a configuration with no connections
func Default() *Config {
	return &Config{
		JMS: JMSConfig{
			Enabled:             true,
			ApplicationID:       "mmate",
			ConnectionFactories: map[string]ConnectionFactoryConfig{},
			Connections:         map[string]ConnectionConfig{},
			Listeners:           map[string]ListenerConfig{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configPath (skipped when empty), applies environment overrides
// and validates the result
func Load(configPath string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Validate checks references between factories, connections and listeners
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return invalid("logging.format must be text or json, got %q", c.Logging.Format)
	}

	for _, name := range sortedKeys(c.JMS.ConnectionFactories) {
		f := c.JMS.ConnectionFactories[name]
		switch f.Type {
		case FactoryRabbitMQ:
			if f.URL == "" {
				return invalid("connection factory %q: url is required", name)
			}
		case FactoryMemory:
		default:
			return invalid("connection factory %q: unknown type %q", name, f.Type)
		}
	}

	for _, name := range sortedKeys(c.JMS.Connections) {
		conn := c.JMS.Connections[name]
		if conn.ConnectionFactory == "" {
			continue
		}
		if _, ok := c.JMS.ConnectionFactories[conn.ConnectionFactory]; !ok {
			return invalid("connection %q: unknown connection factory %q", name, conn.ConnectionFactory)
		}
		if conn.Delay() < 0 {
			return invalid("connection %q: reconnection_delay must not be negative", name)
		}
	}

	for _, name := range sortedKeys(c.JMS.Listeners) {
		l := c.JMS.Listeners[name]
		if _, ok := c.JMS.Connections[l.Connection]; !ok {
			return invalid("listener %q: unknown connection %q", name, l.Connection)
		}
		switch l.DestinationType {
		case "", DestinationQueue, DestinationTopic:
		default:
			return invalid("listener %q: destination_type must be queue or topic, got %q", name, l.DestinationType)
		}
		if l.Destination == "" {
			return invalid("listener %q: destination is required", name)
		}
		if l.Handler == "" {
			return invalid("listener %q: handler is required", name)
		}
		if l.ReceiveTimeout < 0 || l.RestartDelay < 0 {
			return invalid("listener %q: durations must not be negative", name)
		}
	}
	return nil
}

// Masked returns a copy with passwords and URL credentials hidden
func (c *Config) Masked() *Config {
	out := *c
	out.JMS.ConnectionFactories = make(map[string]ConnectionFactoryConfig, len(c.JMS.ConnectionFactories))
	for name, f := range c.JMS.ConnectionFactories {
		if f.URL != "" {
			f.URL = rabbitmq.SanitizeURL(f.URL)
		}
		out.JMS.ConnectionFactories[name] = f
	}
	out.JMS.Connections = make(map[string]ConnectionConfig, len(c.JMS.Connections))
	for name, conn := range c.JMS.Connections {
		if conn.Password != "" {
			conn.Password = masked
		}
		out.JMS.Connections[name] = conn
	}
	return &out
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
