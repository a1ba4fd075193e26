package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:                      "development",
		APIBaseURL:               "https://api.example.com/api/v1",
		SyncMode:                 ModeAuto,
		ReconnectDelayMS:         1000,
		ReconnectBackoff:         2,
		MaxReconnectAttempts:     5,
		HeartbeatIntervalSeconds: 30,
		ConversationPollSeconds:  30,
		MessagePollSeconds:       5,
		PollBackoff:              2,
		PollMaxRetries:           3,
		PollPageSize:             50,
		PollRequestsPerSecond:    5,
		TracingSampleRatio:       1,
		AuthToken:                "token",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"missing base url", func(c *Config) { c.APIBaseURL = "" }, true},
		{"relative base url", func(c *Config) { c.APIBaseURL = "/api/v1" }, true},
		{"ws override accepted", func(c *Config) { c.WSURL = "wss://rt.example.com/ws" }, false},
		{"http ws override rejected", func(c *Config) { c.WSURL = "http://rt.example.com/ws" }, true},
		{"unknown sync mode", func(c *Config) { c.SyncMode = "carrier-pigeon" }, true},
		{"polling mode", func(c *Config) { c.SyncMode = ModePolling }, false},
		{"zero reconnect delay", func(c *Config) { c.ReconnectDelayMS = 0 }, true},
		{"shrinking backoff", func(c *Config) { c.ReconnectBackoff = 0.5 }, true},
		{"zero attempts allowed", func(c *Config) { c.MaxReconnectAttempts = 0 }, false},
		{"zero poll interval", func(c *Config) { c.MessagePollSeconds = 0 }, true},
		{"negative retries", func(c *Config) { c.PollMaxRetries = -1 }, true},
		{"unlimited poll rate", func(c *Config) { c.PollRequestsPerSecond = 0 }, false},
		{"sample ratio too high", func(c *Config) { c.TracingSampleRatio = 1.5 }, true},
		{"short secret in production", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = "short"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	defer viper.Reset()
	t.Setenv("APP_ENV", "test")
	t.Setenv("AUTH_TOKEN", "abc")

	c, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ModeAuto, c.SyncMode)
	assert.Equal(t, time.Second, c.ReconnectDelay())
	assert.Equal(t, 2.0, c.ReconnectBackoff)
	assert.Equal(t, 5, c.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, c.ConversationPollInterval())
	assert.Equal(t, 5*time.Second, c.MessagePollInterval())
	assert.Equal(t, 3, c.PollMaxRetries)
	assert.Equal(t, "abc", c.AuthToken)
}

func TestLoadConfig_PublicBaseURLFallback(t *testing.T) {
	defer viper.Reset()
	t.Setenv("APP_ENV", "test")
	t.Setenv("NEXT_PUBLIC_API_BASE_URL", "https://shop.example.com/api/v1")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/api/v1", c.APIBaseURL)
}

func TestLoadConfig_SyncModeNormalization(t *testing.T) {
	defer viper.Reset()
	t.Setenv("APP_ENV", "test")
	t.Setenv("SYNC_MODE", "  Hybrid ")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, c.SyncMode)
}
