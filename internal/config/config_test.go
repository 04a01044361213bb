package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Runner.APIKey = "sk-ant-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.Runner.Provider)
	assert.False(t, cfg.Billing.Enabled)
	assert.Equal(t, 50, cfg.Session.ReadyRetries)
	assert.Equal(t, 100, cfg.Session.ReadyIntervalMs)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server port",
		},
		{
			name:    "bad provider",
			mutate:  func(c *Config) { c.Runner.Provider = "gemini" },
			wantErr: "invalid runner provider",
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Runner.APIKey = "" },
			wantErr: "api_key is required",
		},
		{
			name: "billing enabled without base url",
			mutate: func(c *Config) {
				c.Billing.Enabled = true
				c.Billing.BaseURL = ""
			},
			wantErr: "base_url is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "negative ready retries",
			mutate:  func(c *Config) { c.Session.ReadyRetries = -1 },
			wantErr: "ready_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "100ms", cfg.Session.ReadyInterval().String())
	assert.Equal(t, "500ms", cfg.Session.CloseDelay().String())
	assert.Equal(t, "1h0m0s", cfg.Tracker.MaxAge().String())
}
