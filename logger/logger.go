// Package logger provides structured logging for the mailtriage service.
//
// It wraps Go's standard library slog. Initialize once at startup from the
// logging section of the configuration:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// Then use the package-level functions:
//
//	logger.Info("watch renewed", "user_id", userID, "expiration", exp)
//	logger.Error("ingestion failed", "user_id", userID, "error", err)
//
// Supported outputs are "stdout", "stderr", or a file path; formats are
// "console" (text) and "json"; levels are debug, info, warn, error.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mailtriage/mailtriage/config"
)

var globalLogger *slog.Logger

// Initialize sets up the global logger based on configuration. The returned
// file is non-nil when logging to a file path; the caller owns closing it.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}

	handlerOpts := &slog.HandlerOptions{
		Level: parseLogLevel(level),
		// Wrapper functions would report themselves as the source location.
		AddSource: false,
	}

	var logFile *os.File
	var handler slog.Handler

	switch output {
	case "stdout":
		handler = newHandler(os.Stdout, format, handlerOpts)
	case "stderr":
		handler = newHandler(os.Stderr, format, handlerOpts)
	default:
		// Assume it's a file path.
		var err error
		logFile, err = os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = newHandler(os.Stderr, format, handlerOpts)
			logFile = nil
		} else {
			handler = newHandler(logFile, format, handlerOpts)
		}
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)

	return logFile, nil
}

func newHandler(f *os.File, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(f, opts)
	}
	return slog.NewTextHandler(f, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Info logs an info message with optional key-value pairs
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// InfoContext logs an info message with context and optional key-value pairs
func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

// Debug logs a debug message with optional key-value pairs
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs a warning message with optional key-value pairs
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// ErrorContext logs an error message with context and optional key-value pairs
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Infof logs an info message with formatting (compatibility)
func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

// Debugf logs a debug message with formatting (compatibility)
func Debugf(format string, args ...any) {
	Get().Debug(fmt.Sprintf(format, args...))
}

// Warnf logs a warning message with formatting (compatibility)
func Warnf(format string, args ...any) {
	Get().Warn(fmt.Sprintf(format, args...))
}

// Errorf logs an error message with formatting (compatibility)
func Errorf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
}

// Fatalf logs a fatal message with formatting and exits (compatibility)
func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
