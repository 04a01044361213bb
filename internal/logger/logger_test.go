package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		l, err := New(DefaultConfig())
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l)
		assert.NotNil(t, l.redactor)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "bogus", Console: true})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})

	t.Run("file output", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "logs", "lumen.log")

		l, err := New(Config{Level: "debug", File: path, MaxSizeMB: 10})
		require.NoError(t, err)

		l.Info().Str("component", "test").Msg("hello")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")
	})

	t.Run("no writers defaults to stdout", func(t *testing.T) {
		l, err := New(Config{Level: "info"})
		require.NoError(t, err)
		defer l.Close()

		assert.NotNil(t, l)
	})
}

func TestLoggerMethods(t *testing.T) {
	l, err := New(Config{Level: "debug", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.NotNil(t, l.Debug())
	assert.NotNil(t, l.Info())
	assert.NotNil(t, l.Warn())
	assert.NotNil(t, l.Error())

	child := l.With().Str("session_id", "s1").Logger()
	assert.NotNil(t, child)
}

func TestRedactionInLogOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lumen.log")

	l, err := New(Config{Level: "info", File: path, Redaction: true, MaxSizeMB: 10})
	require.NoError(t, err)

	l.Info().Str("key", "sk-ant-REDACTED").Msg("auth")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "sk-ant-api03")
}
