package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 5*time.Second, cfg.DisconnectTimeout)
	assert.Zero(t, cfg.PreferredMTU)
	assert.Equal(t, "by-device-id", cfg.Dedup)
	assert.Equal(t, 10, cfg.RSSIBucket)
	assert.False(t, cfg.ReplaceActiveScan)
	assert.Equal(t, 64, cfg.EventBufferSize)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, Reconnect{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, MaxAttempts: 5}, cfg.Reconnect)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
scan_timeout: 3s
preferred_mtu: 185
dedup: by-device-id-and-rssi-bucket
reconnect:
  max_attempts: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 185, cfg.PreferredMTU)
	assert.Equal(t, "by-device-id-and-rssi-bucket", cfg.Dedup)
	assert.Equal(t, 2, cfg.Reconnect.MaxAttempts)

	// untouched keys keep defaults
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
	assert.Equal(t, time.Second, cfg.Reconnect.Initial)
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{name: "malformed yaml", content: "scan_timeout: [", errText: "failed to parse config"},
		{name: "bad duration", content: "scan_timeout: soon", errText: "failed to parse config"},
		{name: "negative timeout", content: "operation_timeout: -1s", errText: "operation_timeout must not be negative"},
		{name: "unknown dedup", content: "dedup: sometimes", errText: "unknown dedup policy"},
		{name: "multiplier below one", content: "reconnect:\n  multiplier: 0.5", errText: "reconnect.multiplier must be at least 1"},
		{name: "unknown log level", content: "log_level: chatty", errText: "invalid log_level"},
		{name: "unknown output format", content: "output_format: csv", errText: "unknown output_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "empty level means info", logLevel: "", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
