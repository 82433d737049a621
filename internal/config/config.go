package config

import (
	"time"
)

// Config represents the main Loopgate configuration
type Config struct {
	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Session store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Reconnect policy shared by producer and consumer clients
	Reconnect ReconnectConfig `json:"reconnect" mapstructure:"reconnect"`

	// Retention of completed sessions
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	UIBaseURL    string `json:"ui_base_url" mapstructure:"ui_base_url"`
	// Keepalive: ping every PingIntervalSec, drop after PongTimeoutSec
	PingIntervalSec int `json:"ping_interval_sec" mapstructure:"ping_interval_sec"`
	PongTimeoutSec  int `json:"pong_timeout_sec" mapstructure:"pong_timeout_sec"`
}

// StoreConfig holds session store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ReconnectConfig holds the shared backoff parameters
type ReconnectConfig struct {
	BaseDelayMs int `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`
}

// BaseDelay returns the backoff base as a duration.
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// RetentionConfig controls the scheduled purge of completed sessions
type RetentionConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	MaxAgeHours  int    `json:"max_age_hours" mapstructure:"max_age_hours"`
	CronSchedule string `json:"cron_schedule" mapstructure:"cron_schedule"`
}

// MaxAge returns the retention window as a duration.
func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeHours) * time.Hour
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:            8420,
			PingIntervalSec: 20,
			PongTimeoutSec:  60,
		},
		Reconnect: ReconnectConfig{
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			MaxAttempts: 5,
		},
		Retention: RetentionConfig{
			Enabled:      true,
			MaxAgeHours:  168,
			CronSchedule: "@hourly",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}
