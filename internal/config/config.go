package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration, populated from environment
// variables (with an optional .env file for development).
type Config struct {
	// Server basics
	Addr string `env:"RF_ADDR" envDefault:":8080"`

	// Authentication
	JWTSecret string `env:"RF_JWT_SECRET,required"`

	// Event feed
	NATSURL      string `env:"RF_NATS_URL" envDefault:"nats://localhost:4222"`
	EventSubject string `env:"RF_EVENT_SUBJECT" envDefault:"rampforge.assignments.>"`

	// Capacity
	MaxConnections int `env:"RF_MAX_CONNECTIONS" envDefault:"5000"`
	SendBufferSize int `env:"RF_SEND_BUFFER_SIZE" envDefault:"256"`

	// Client message rate limiting (token bucket per connection)
	ClientMessageRate  float64 `env:"RF_CLIENT_MSG_RATE" envDefault:"10"`
	ClientMessageBurst int     `env:"RF_CLIENT_MSG_BURST" envDefault:"100"`

	// Connection rate limiting (DoS protection)
	ConnRateLimitEnabled bool    `env:"RF_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPRate  float64 `env:"RF_CONN_RATE_LIMIT_IP_RATE" envDefault:"1"`
	ConnRateLimitIPBurst int     `env:"RF_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`

	// Safety thresholds
	CPURejectThreshold float64 `env:"RF_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Timeouts
	WriteWait       time.Duration `env:"RF_WRITE_WAIT" envDefault:"5s"`
	ShutdownGrace   time.Duration `env:"RF_SHUTDOWN_GRACE" envDefault:"30s"`
	MetricsInterval time.Duration `env:"RF_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from the optional .env file and environment
// variables. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RF_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("RF_JWT_SECRET is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RF_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("RF_SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RF_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("RF_WRITE_WAIT must be positive, got %s", c.WriteWait)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup. The JWT secret is
// deliberately omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Str("event_subject", c.EventSubject).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer_size", c.SendBufferSize).
		Float64("client_msg_rate", c.ClientMessageRate).
		Int("client_msg_burst", c.ClientMessageBurst).
		Bool("conn_rate_limit_enabled", c.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("write_wait", c.WriteWait).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
