// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Sync modes.
const (
	ModeWebSocket = "websocket"
	ModePolling   = "polling"
	ModeHybrid    = "hybrid"
	ModeAuto      = "auto"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	APIBaseURL string `mapstructure:"API_BASE_URL"`
	WSURL      string `mapstructure:"WS_URL"`

	UserID    string `mapstructure:"USER_ID"`
	AuthToken string `mapstructure:"AUTH_TOKEN"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	SyncMode  string `mapstructure:"SYNC_MODE"`

	ReconnectDelayMS         int     `mapstructure:"RECONNECT_DELAY_MS"`
	ReconnectBackoff         float64 `mapstructure:"RECONNECT_BACKOFF"`
	MaxReconnectAttempts     int     `mapstructure:"MAX_RECONNECT_ATTEMPTS"`
	HeartbeatIntervalSeconds int     `mapstructure:"HEARTBEAT_INTERVAL_SECONDS"`

	ConversationPollSeconds int     `mapstructure:"CONVERSATION_POLL_SECONDS"`
	MessagePollSeconds      int     `mapstructure:"MESSAGE_POLL_SECONDS"`
	PollBackoff             float64 `mapstructure:"POLL_BACKOFF"`
	PollMaxRetries          int     `mapstructure:"POLL_MAX_RETRIES"`
	PollPageSize            int     `mapstructure:"POLL_PAGE_SIZE"`
	PollRequestsPerSecond   float64 `mapstructure:"POLL_REQUESTS_PER_SECOND"`

	RequestTimeoutSeconds int `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisChannelPrefix string `mapstructure:"REDIS_CHANNEL_PREFIX"`
	StatusAddr         string `mapstructure:"STATUS_ADDR"`
	FeatureFlags       string `mapstructure:"FEATURE_FLAGS"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// the base file is optional
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env != "" && env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	// Unmarshal only sees AutomaticEnv keys that viper already knows about.
	_ = viper.BindEnv("API_BASE_URL", "API_BASE_URL", "NEXT_PUBLIC_API_BASE_URL")
	for _, key := range []string{"WS_URL", "USER_ID", "AUTH_TOKEN", "JWT_SECRET", "OTLP_ENDPOINT"} {
		_ = viper.BindEnv(key)
	}

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("API_BASE_URL", "http://localhost:8080/api/v1")
	viper.SetDefault("JWT_ISSUER", "marketsync")
	viper.SetDefault("SYNC_MODE", ModeAuto)
	viper.SetDefault("RECONNECT_DELAY_MS", 1000)
	viper.SetDefault("RECONNECT_BACKOFF", 2.0)
	viper.SetDefault("MAX_RECONNECT_ATTEMPTS", 5)
	viper.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 30)
	viper.SetDefault("CONVERSATION_POLL_SECONDS", 30)
	viper.SetDefault("MESSAGE_POLL_SECONDS", 5)
	viper.SetDefault("POLL_BACKOFF", 2.0)
	viper.SetDefault("POLL_MAX_RETRIES", 3)
	viper.SetDefault("POLL_PAGE_SIZE", 50)
	viper.SetDefault("POLL_REQUESTS_PER_SECOND", 5.0)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 15)
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("REDIS_CHANNEL_PREFIX", "marketsync")
	viper.SetDefault("STATUS_ADDR", ":8390")
	viper.SetDefault("FEATURE_FLAGS", "")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("TRACING_SAMPLE_RATIO", 1.0)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.SyncMode = strings.ToLower(strings.TrimSpace(config.SyncMode))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and consistent.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL)
	}
	if c.WSURL != "" {
		w, err := url.Parse(c.WSURL)
		if err != nil || (w.Scheme != "ws" && w.Scheme != "wss") {
			return fmt.Errorf("WS_URL must be a ws(s) URL, got %q", c.WSURL)
		}
	}

	switch c.SyncMode {
	case ModeWebSocket, ModePolling, ModeHybrid, ModeAuto:
	default:
		return fmt.Errorf("SYNC_MODE must be one of websocket, polling, hybrid, auto; got %q", c.SyncMode)
	}

	if c.ReconnectDelayMS <= 0 {
		return errors.New("RECONNECT_DELAY_MS must be positive")
	}
	if c.ReconnectBackoff < 1 {
		return errors.New("RECONNECT_BACKOFF must be at least 1")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return errors.New("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.ConversationPollSeconds <= 0 || c.MessagePollSeconds <= 0 {
		return errors.New("poll intervals must be positive")
	}
	if c.PollBackoff < 1 {
		return errors.New("POLL_BACKOFF must be at least 1")
	}
	if c.PollMaxRetries < 0 {
		return errors.New("POLL_MAX_RETRIES must not be negative")
	}
	if c.PollPageSize <= 0 {
		return errors.New("POLL_PAGE_SIZE must be positive")
	}
	if c.PollRequestsPerSecond < 0 {
		return errors.New("POLL_REQUESTS_PER_SECOND must not be negative")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return errors.New("TRACING_SAMPLE_RATIO must be between 0 and 1")
	}

	isProduction := c.Env == "production" || c.Env == "prod"
	if isProduction && c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters in production")
	}
	if c.AuthToken == "" && c.JWTSecret == "" {
		log.Println("WARNING: neither AUTH_TOKEN nor JWT_SECRET is set; realtime connections will be unauthenticated.")
	}

	return nil
}

// ReconnectDelay is the base delay before the first reconnect.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// HeartbeatInterval is the period of client pings.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ConversationPollInterval is the period of the conversation-list poll.
func (c *Config) ConversationPollInterval() time.Duration {
	return time.Duration(c.ConversationPollSeconds) * time.Second
}

// MessagePollInterval is the period of each tracked conversation's poll.
func (c *Config) MessagePollInterval() time.Duration {
	return time.Duration(c.MessagePollSeconds) * time.Second
}

// RequestTimeout bounds a single REST call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
