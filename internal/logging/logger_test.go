// internal/logging/logger_test.go
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tmpDir := t.TempDir()
	cfg.Dir = tmpDir

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger.Info("test message", "key", "value")

	// Shutdown drains the async writers so the file is on disk.
	require.NoError(t, Shutdown())

	mainLogPath := filepath.Join(tmpDir, "relay.log")
	assert.FileExists(t, mainLogPath)
}

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.File.Format = "json"

	tmpDir := t.TempDir()
	cfg.Dir = tmpDir

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("test json", "key", "value")

	require.NoError(t, Shutdown())

	mainLogPath := filepath.Join(tmpDir, "relay.log")
	content, err := os.ReadFile(mainLogPath)
	require.NoError(t, err)

	assert.Contains(t, string(content), `"msg":"test json"`)
	assert.Contains(t, string(content), `"key":"value"`)
}

func TestNewLogger_ErrorLogSeparation(t *testing.T) {
	cfg := DefaultConfig()

	tmpDir := t.TempDir()
	cfg.Dir = tmpDir

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("info message")
	logger.Warn("warning message")
	logger.Error("error message")

	require.NoError(t, Shutdown())

	mainLogPath := filepath.Join(tmpDir, "relay.log")
	mainContent, err := os.ReadFile(mainLogPath)
	require.NoError(t, err)

	assert.Contains(t, string(mainContent), "info message")
	assert.Contains(t, string(mainContent), "warning message")
	assert.Contains(t, string(mainContent), "error message")

	errorLogPath := filepath.Join(tmpDir, "errors.log")
	errorContent, err := os.ReadFile(errorLogPath)
	require.NoError(t, err)

	assert.NotContains(t, string(errorContent), "info message")
	assert.Contains(t, string(errorContent), "warning message")
	assert.Contains(t, string(errorContent), "error message")
}

func TestNewLogger_ConsoleDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enabled = false

	tmpDir := t.TempDir()
	cfg.Dir = tmpDir

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger.Info("test message")

	require.NoError(t, Shutdown())

	mainLogPath := filepath.Join(tmpDir, "relay.log")
	assert.FileExists(t, mainLogPath)
}

func TestInitialize_SetsGlobalLogger(t *testing.T) {
	cfg := DefaultConfig()

	tmpDir := t.TempDir()
	cfg.Dir = tmpDir

	err := Initialize(cfg)
	require.NoError(t, err)

	slog.Info("global test message")

	require.NoError(t, Shutdown())

	mainLogPath := filepath.Join(tmpDir, "relay.log")
	content, err := os.ReadFile(mainLogPath)
	require.NoError(t, err)

	assert.Contains(t, string(content), "global test message")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected slog.Level
	}{
		{
			name:     "debug level",
			level:    "debug",
			expected: slog.LevelDebug,
		},
		{
			name:     "info level",
			level:    "info",
			expected: slog.LevelInfo,
		},
		{
			name:     "warn level",
			level:    "warn",
			expected: slog.LevelWarn,
		},
		{
			name:     "error level",
			level:    "error",
			expected: slog.LevelError,
		},
		{
			name:     "unknown level defaults to info",
			level:    "invalid",
			expected: slog.LevelInfo,
		},
		{
			name:     "empty level defaults to info",
			level:    "",
			expected: slog.LevelInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.level)
			assert.Equal(t, tt.expected, result)
		})
	}
}
