package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema describes the structure of the on-disk config file. It
// catches type mistakes (a string port, a numeric level) before viper
// silently coerces or drops them.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "allowed_hosts": {"type": "array", "items": {"type": "string"}}
      }
    },
    "runner": {
      "type": "object",
      "properties": {
        "provider": {"type": "string", "enum": ["anthropic", "openai"]},
        "api_key": {"type": "string"},
        "model": {"type": "string"},
        "max_tokens": {"type": "integer", "minimum": 0},
        "system_prompt": {"type": "string"}
      }
    },
    "billing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "base_url": {"type": "string"},
        "sku_id": {"type": "integer"},
        "scene": {"type": "string"},
        "change_type": {"type": "integer"},
        "min_charge": {"type": "integer", "minimum": 0},
        "photon_rmb_rate": {"type": "number", "exclusiveMinimum": 0},
        "dev_access_key": {"type": "string"},
        "client_name": {"type": "string"},
        "request_timeout": {"type": "integer", "minimum": 1},
        "ledger_path": {"type": "string"}
      }
    },
    "session": {
      "type": "object",
      "properties": {
        "ready_retries": {"type": "integer", "minimum": 0},
        "ready_interval_ms": {"type": "integer", "minimum": 0},
        "close_delay_ms": {"type": "integer", "minimum": 0}
      }
    },
    "tracker": {
      "type": "object",
      "properties": {
        "max_age_minutes": {"type": "integer", "minimum": 0},
        "cleanup_schedule": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 1},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"}
      }
    },
    "data_dir": {"type": "string"}
  }
}`

// ValidateSchema checks a raw config document against the schema.
func ValidateSchema(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return nil
}
