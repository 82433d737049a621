package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8420, cfg.Gateway.Port)
	assert.Equal(t, 1000, cfg.Reconnect.BaseDelayMs)
	assert.Equal(t, 30000, cfg.Reconnect.MaxDelayMs)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 168, cfg.Retention.MaxAgeHours)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.json")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Gateway.Port)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.NotEmpty(t, cfg.Gateway.UIBaseURL)
}

func TestLoader_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopgate.json")
	content := `{
		"gateway": {"port": 9000, "ui_base_url": "http://ops.example.com"},
		"logging": {"level": "debug"},
		"data_dir": "` + dir + `"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "http://ops.example.com", cfg.Gateway.UIBaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "sessions.db"), cfg.Store.Path)
}

func TestLoader_RejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopgate.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"gateway": {"port": "not a number"}}`), 0600))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "port"},
		{"base delay", func(c *Config) { c.Reconnect.BaseDelayMs = 0 }, "base_delay_ms"},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelayMs = 10 }, "max_delay_ms"},
		{"attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }, "max_attempts"},
		{"pong timeout", func(c *Config) { c.Gateway.PongTimeoutSec = 1 }, "pong_timeout_sec"},
		{"retention age", func(c *Config) { c.Retention.MaxAgeHours = 0 }, "max_age_hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateFile_AcceptsGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopgate.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"logging": {"level": "warn"}}`), 0600))

	assert.NoError(t, ValidateFile(path))
}

func TestValidateFile_RejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopgate.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"logging": {"level": "shout"}}`), 0600))

	assert.Error(t, ValidateFile(path))
}
