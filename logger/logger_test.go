package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/sora-sieve/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
}

func TestInitializeFile(t *testing.T) {
	prev := Get()
	defer SetLogger(prev)

	path := filepath.Join(t.TempDir(), "sieve.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	Info("SIEVE: kept", "recipient", "alice@example.com")
	Debug("dropped at info level")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"recipient":"alice@example.com"`)
	assert.NotContains(t, string(data), "dropped at info level")
}

func TestSetLogger(t *testing.T) {
	prev := Get()
	defer SetLogger(prev)

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	Warnf("relay %s unavailable", "smtp")
	assert.Contains(t, buf.String(), "relay smtp unavailable")
}
