package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for hearthd. Every field is
// populated from the environment; a .env file in the working directory is
// loaded first when present.
type Config struct {
	// Device-facing HTTP listener.
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8787"`

	// Operator HTTP listener (second port).
	APIPort   int    `env:"API_PORT" envDefault:"8788"`
	APIOrigin string `env:"API_ORIGIN" envDefault:""`

	// Workers is advisory: net/http spawns a goroutine per connection, so
	// nothing pools on it. It is recognised for compatibility with the
	// original deployment surface and logged at startup. 0 means 2*CPU+1
	// capped at 8.
	Workers int `env:"WORKERS" envDefault:"0"`

	// TLS material for the device listener. Legacy firmware expects the
	// vendor certificate chain; empty disables TLS.
	CertDir string `env:"CERT_DIR" envDefault:""`

	// Pairing. The variable holds plain seconds.
	EntryKeyTTLSeconds int64 `env:"ENTRY_KEY_TTL_SECONDS" envDefault:"3600"`

	// Weather proxy cache, milliseconds.
	WeatherCacheTTLMs int64 `env:"WEATHER_CACHE_TTL_MS" envDefault:"600000"`

	// Subscribe long-poll, milliseconds. 0 means no timeout: wait until
	// woken or the connection drops.
	SubscriptionTimeoutMs int64 `env:"SUBSCRIPTION_TIMEOUT_MS" envDefault:"60000"`

	// Fan-out cap per device.
	MaxSubscriptionsPerDevice int `env:"MAX_SUBSCRIPTIONS_PER_DEVICE" envDefault:"100"`

	// Logging.
	DebugLogging bool   `env:"DEBUG_LOGGING" envDefault:"false"`
	DebugLogsDir string `env:"DEBUG_LOGS_DIR" envDefault:""`

	// Persistent store path. The variable name is kept from the original
	// deployment surface; the file is opened as a bbolt database.
	DBPath string `env:"SQLITE3_DB_PATH" envDefault:"data/hearthd.db"`

	// Availability tracking, milliseconds.
	PresenceCheckIntervalMs int64 `env:"PRESENCE_CHECK_INTERVAL_MS" envDefault:"5000"`
	PresenceTimeoutMs       int64 `env:"PRESENCE_TIMEOUT_MS" envDefault:"180000"`

	MQTT MQTTConfig `envPrefix:"MQTT_"`
}

// MQTTConfig configures the integration bridge. An empty host disables the
// bridge entirely.
type MQTTConfig struct {
	Host            string `env:"HOST" envDefault:""`
	Port            int    `env:"PORT" envDefault:"1883"`
	User            string `env:"USER" envDefault:""`
	Password        string `env:"PASSWORD" envDefault:""`
	TopicPrefix     string `env:"TOPIC_PREFIX" envDefault:"hearthd"`
	DiscoveryPrefix string `env:"DISCOVERY_PREFIX" envDefault:"homeassistant"`
}

// Enabled reports whether the bridge should be started.
func (m MQTTConfig) Enabled() bool { return m.Host != "" }

// BrokerURL returns the tcp:// URL for the configured broker.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// Load reads configuration from the environment. Missing .env is not an
// error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 2*runtime.NumCPU() + 1
		if cfg.Workers > 8 {
			cfg.Workers = 8
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EntryKeyTTL returns the pairing code lifetime.
func (c *Config) EntryKeyTTL() time.Duration {
	return time.Duration(c.EntryKeyTTLSeconds) * time.Second
}

// WeatherCacheTTL returns how long cached weather rows stay fresh.
func (c *Config) WeatherCacheTTL() time.Duration {
	return time.Duration(c.WeatherCacheTTLMs) * time.Millisecond
}

// SubscriptionTimeout returns the one-shot waiter timeout; zero disables it.
func (c *Config) SubscriptionTimeout() time.Duration {
	return time.Duration(c.SubscriptionTimeoutMs) * time.Millisecond
}

// PresenceCheckInterval returns the availability sweep period.
func (c *Config) PresenceCheckInterval() time.Duration {
	return time.Duration(c.PresenceCheckIntervalMs) * time.Millisecond
}

// PresenceTimeout returns how long a silent device stays online.
func (c *Config) PresenceTimeout() time.Duration {
	return time.Duration(c.PresenceTimeoutMs) * time.Millisecond
}

// Validate checks the configuration for values that would prevent startup.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API_PORT: %d", c.APIPort)
	}
	if c.Port == c.APIPort {
		return fmt.Errorf("PORT and API_PORT must differ, both are %d", c.Port)
	}
	if c.MaxSubscriptionsPerDevice <= 0 {
		return fmt.Errorf("MAX_SUBSCRIPTIONS_PER_DEVICE must be positive, got %d", c.MaxSubscriptionsPerDevice)
	}
	if c.EntryKeyTTLSeconds <= 0 {
		return fmt.Errorf("ENTRY_KEY_TTL_SECONDS must be positive, got %d", c.EntryKeyTTLSeconds)
	}
	if c.DBPath == "" {
		return fmt.Errorf("SQLITE3_DB_PATH must not be empty")
	}
	return nil
}
