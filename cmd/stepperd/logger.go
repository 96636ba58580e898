package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel is the logging.level setting.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

// slogLevels maps each accepted spelling to its slog level.
var slogLevels = map[string]slog.Level{
	"error":   slog.LevelError,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
}

func parseLogLevel(level string) (LogLevel, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if _, ok := slogLevels[l]; !ok {
		return "", fmt.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
	}
	if l == "warning" {
		return LogLevelWarn, nil
	}
	return LogLevel(l), nil
}

// Slog returns the slog level, defaulting to info.
func (l LogLevel) Slog() slog.Level {
	if v, ok := slogLevels[string(l)]; ok {
		return v
	}
	return slog.LevelInfo
}

// LogFormat selects the handler: human-readable text or one JSON object per line.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

func parseLogFormat(format string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(format))); f {
	case "", LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be text or json)", format)
	}
}

// newLogger builds a logger writing to w. Every record carries the
// component=stepperd attribute so journal output can be filtered.
func newLogger(w io.Writer, level LogLevel, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.Slog()}

	var handler slog.Handler
	if format == LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("component", "stepperd")
}

// setupLogger creates the daemon logger from the logging config section.
func setupLogger(c LoggingConfig) (*slog.Logger, error) {
	level, err := parseLogLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := parseLogFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return newLogger(os.Stdout, level, format), nil
}
