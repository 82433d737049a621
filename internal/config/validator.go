package config

import (
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON Schema for the configuration file
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "gateway": {
      "type": "object",
      "properties": {
        "port": {
          "type": "integer",
          "minimum": 1,
          "maximum": 65535
        },
        "shared_secret": {
          "type": "string"
        },
        "ui_base_url": {
          "type": "string"
        },
        "ping_interval_sec": {
          "type": "integer",
          "minimum": 1
        },
        "pong_timeout_sec": {
          "type": "integer",
          "minimum": 1
        }
      }
    },
    "store": {
      "type": "object",
      "properties": {
        "path": {
          "type": "string"
        }
      }
    },
    "reconnect": {
      "type": "object",
      "properties": {
        "base_delay_ms": {
          "type": "integer",
          "minimum": 1
        },
        "max_delay_ms": {
          "type": "integer",
          "minimum": 1
        },
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        }
      }
    },
    "retention": {
      "type": "object",
      "properties": {
        "enabled": {
          "type": "boolean"
        },
        "max_age_hours": {
          "type": "integer",
          "minimum": 1
        },
        "cron_schedule": {
          "type": "string",
          "minLength": 1
        }
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {
          "type": "string",
          "enum": ["trace", "debug", "info", "warn", "error"]
        },
        "file": {
          "type": "string"
        },
        "console": {
          "type": "boolean"
        },
        "pretty": {
          "type": "boolean"
        }
      }
    },
    "data_dir": {
      "type": "string"
    }
  }
}`

// ValidateFile checks a raw config file against the schema.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(Schema)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}

	if !result.Valid() {
		msg := "invalid config:"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("\n  - %s", e.String())
		}
		return fmt.Errorf("%s", msg)
	}

	return nil
}

// Validate checks semantic constraints the schema cannot express.
func Validate(cfg *Config) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be 1-65535, got %d", cfg.Gateway.Port)
	}

	if cfg.Reconnect.BaseDelayMs <= 0 {
		return fmt.Errorf("reconnect base_delay_ms must be positive")
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.BaseDelayMs {
		return fmt.Errorf("reconnect max_delay_ms must be >= base_delay_ms")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect max_attempts must be positive")
	}

	if cfg.Gateway.PingIntervalSec <= 0 {
		return fmt.Errorf("gateway ping_interval_sec must be positive")
	}
	if cfg.Gateway.PongTimeoutSec <= cfg.Gateway.PingIntervalSec {
		return fmt.Errorf("gateway pong_timeout_sec must exceed ping_interval_sec")
	}

	if cfg.Retention.Enabled {
		if cfg.Retention.MaxAgeHours <= 0 {
			return fmt.Errorf("retention max_age_hours must be positive")
		}
		if cfg.Retention.CronSchedule == "" {
			return fmt.Errorf("retention cron_schedule is required when retention is enabled")
		}
	}

	return nil
}
