package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8787, cfg.Port)
	assert.Equal(t, 8788, cfg.APIPort)
	assert.Equal(t, "data/hearthd.db", cfg.DBPath)
	assert.Equal(t, time.Hour, cfg.EntryKeyTTL())
	assert.Equal(t, 10*time.Minute, cfg.WeatherCacheTTL())
	assert.Equal(t, time.Minute, cfg.SubscriptionTimeout())
	assert.Equal(t, 3*time.Minute, cfg.PresenceTimeout())
	assert.Equal(t, 5*time.Second, cfg.PresenceCheckInterval())
	assert.Equal(t, 100, cfg.MaxSubscriptionsPerDevice)
	assert.Greater(t, cfg.Workers, 0)
	assert.False(t, cfg.MQTT.Enabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("API_PORT", "9002")
	t.Setenv("SUBSCRIPTION_TIMEOUT_MS", "0")
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_PORT", "8883")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 9002, cfg.APIPort)
	assert.Equal(t, time.Duration(0), cfg.SubscriptionTimeout())
	assert.True(t, cfg.MQTT.Enabled())
	assert.Equal(t, "tcp://broker.local:8883", cfg.MQTT.BrokerURL())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:                      8787,
			APIPort:                   8788,
			MaxSubscriptionsPerDevice: 100,
			EntryKeyTTLSeconds:        3600,
			DBPath:                    "data/test.db",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"zero port", func(c *Config) { c.Port = 0 }, false},
		{"port out of range", func(c *Config) { c.APIPort = 70000 }, false},
		{"same ports", func(c *Config) { c.APIPort = c.Port }, false},
		{"zero subscription cap", func(c *Config) { c.MaxSubscriptionsPerDevice = 0 }, false},
		{"zero entry key ttl", func(c *Config) { c.EntryKeyTTLSeconds = 0 }, false},
		{"empty db path", func(c *Config) { c.DBPath = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
