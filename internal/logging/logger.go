// internal/logging/logger.go
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Open log sinks, closed on Shutdown.
	sinks   []io.Closer
	sinksMu sync.Mutex
)

// Initialize sets up the global logger based on configuration.
func Initialize(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
	)

	return nil
}

// NewLogger creates a logger from the configuration: an optional console
// handler, a main rotating file with all enabled levels, and an errors file
// restricted to warn and above. File writes go through an AsyncWriter so a
// slow disk never blocks the caller.
func NewLogger(cfg Config) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var handlers []slog.Handler

	if cfg.Console.Enabled {
		level := parseLevel(cfg.Console.Level)
		handlers = append(handlers, createHandler(os.Stdout, cfg.Console.Format, level))
	}

	if cfg.File.Enabled {
		level := parseLevel(cfg.File.Level)

		mainFile := newRotatingFile(cfg, "relay.log")
		mainWriter := NewAsyncWriter(mainFile)
		registerSink(mainWriter)
		handlers = append(handlers, createHandler(mainWriter, cfg.File.Format, level))

		errorFile := newRotatingFile(cfg, "errors.log")
		errorWriter := NewAsyncWriter(errorFile)
		registerSink(errorWriter)
		errorHandler := createHandler(errorWriter, cfg.File.Format, slog.LevelWarn)
		handlers = append(handlers, NewLevelFilter(errorHandler, slog.LevelWarn))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = NewMultiHandler(handlers...)
	}

	return slog.New(handler), nil
}

// Shutdown flushes and closes all open log files.
func Shutdown() error {
	sinksMu.Lock()
	defer sinksMu.Unlock()

	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			return fmt.Errorf("failed to close log sink: %w", err)
		}
	}

	sinks = nil
	return nil
}

func newRotatingFile(cfg Config, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
}

func registerSink(sink io.Closer) {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	sinks = append(sinks, sink)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
