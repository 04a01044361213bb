package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Lumen configuration
type Config struct {
	// Gateway server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Model runner
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	// Metered billing
	Billing BillingConfig `json:"billing" mapstructure:"billing"`

	// Session lifecycle
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Tool record retention
	Tracker TrackerConfig `json:"tracker" mapstructure:"tracker"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds websocket gateway settings
type ServerConfig struct {
	Port         int      `json:"port" mapstructure:"port"`
	AllowedHosts []string `json:"allowed_hosts" mapstructure:"allowed_hosts"`
}

// RunnerConfig holds model runner settings
type RunnerConfig struct {
	Provider     string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	Model        string `json:"model" mapstructure:"model"`
	MaxTokens    int    `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
}

// BillingConfig holds metered billing settings
type BillingConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	BaseURL        string  `json:"base_url" mapstructure:"base_url"`
	SKUID          int64   `json:"sku_id" mapstructure:"sku_id"`
	Scene          string  `json:"scene" mapstructure:"scene"`
	ChangeType     int     `json:"change_type" mapstructure:"change_type"`
	MinCharge      int     `json:"min_charge" mapstructure:"min_charge"`
	PhotonRMBRate  float64 `json:"photon_rmb_rate" mapstructure:"photon_rmb_rate"`
	DevAccessKey   string  `json:"dev_access_key" mapstructure:"dev_access_key"`
	ClientName     string  `json:"client_name" mapstructure:"client_name"`
	RequestTimeout int     `json:"request_timeout" mapstructure:"request_timeout"` // seconds
	LedgerPath     string  `json:"ledger_path" mapstructure:"ledger_path"`
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	ReadyRetries    int `json:"ready_retries" mapstructure:"ready_retries"`
	ReadyIntervalMs int `json:"ready_interval_ms" mapstructure:"ready_interval_ms"`
	CloseDelayMs    int `json:"close_delay_ms" mapstructure:"close_delay_ms"`
}

// TrackerConfig holds tool record retention settings
type TrackerConfig struct {
	MaxAgeMinutes   int    `json:"max_age_minutes" mapstructure:"max_age_minutes"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			AllowedHosts: []string{"localhost", "127.0.0.1", "0.0.0.0"},
		},
		Runner: RunnerConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Billing: BillingConfig{
			Enabled:        false,
			Scene:          "appCustomizeCharge",
			ChangeType:     1,
			MinCharge:      1,
			PhotonRMBRate:  0.01,
			RequestTimeout: 30,
		},
		Session: SessionConfig{
			ReadyRetries:    50,
			ReadyIntervalMs: 100,
			CloseDelayMs:    500,
		},
		Tracker: TrackerConfig{
			MaxAgeMinutes:   60,
			CleanupSchedule: "@every 10m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "lumen",
		},
		DataDir: "",
	}
}

// ReadyInterval returns the runner readiness poll interval as a duration.
func (c *SessionConfig) ReadyInterval() time.Duration {
	return time.Duration(c.ReadyIntervalMs) * time.Millisecond
}

// CloseDelay returns the billing-forced close grace as a duration.
func (c *SessionConfig) CloseDelay() time.Duration {
	return time.Duration(c.CloseDelayMs) * time.Millisecond
}

// MaxAge returns the tool record retention window as a duration.
func (c *TrackerConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Runner.Provider != "anthropic" && c.Runner.Provider != "openai" {
		return fmt.Errorf("invalid runner provider %s (must be: anthropic, openai)", c.Runner.Provider)
	}
	if c.Runner.APIKey == "" {
		return fmt.Errorf("runner api_key is required")
	}
	if c.Runner.MaxTokens < 0 {
		return fmt.Errorf("runner max_tokens must be >= 0, got %d", c.Runner.MaxTokens)
	}

	if c.Billing.Enabled {
		if c.Billing.BaseURL == "" {
			return fmt.Errorf("billing base_url is required when billing is enabled")
		}
		if c.Billing.MinCharge < 0 {
			return fmt.Errorf("billing min_charge must be >= 0, got %d", c.Billing.MinCharge)
		}
		if c.Billing.PhotonRMBRate <= 0 {
			return fmt.Errorf("billing photon_rmb_rate must be positive, got %f", c.Billing.PhotonRMBRate)
		}
	}

	if c.Session.ReadyRetries < 0 {
		return fmt.Errorf("session ready_retries must be >= 0")
	}
	if c.Session.ReadyIntervalMs < 0 {
		return fmt.Errorf("session ready_interval_ms must be >= 0")
	}
	if c.Session.CloseDelayMs < 0 {
		return fmt.Errorf("session close_delay_ms must be >= 0")
	}

	if c.Tracker.MaxAgeMinutes < 0 {
		return fmt.Errorf("tracker max_age_minutes must be >= 0")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
