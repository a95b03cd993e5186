// Package logging wraps zerolog behind the small structured-logger surface
// the rest of the core uses: a package-level default plus component,
// tenant and correlation-id scoping.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // "stdout", "stderr", or a file path
	Component  string `json:"component"`
	JSONFormat bool   `json:"json_format"` // false renders the console writer
}

// Logger is a structured logger scoped to a component.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a logger from config.
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case cfg.Output != "" && cfg.Output != "stdout":
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.Component != "" {
		zl = zl.With().Str("component", cfg.Component).Logger()
	}
	return &Logger{zl: zl}
}

// Default returns the process-wide default logger.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(&Config{Level: "INFO", Output: "stdout", Component: "app", JSONFormat: true})
		}
	})
	return defaultLogger
}

// SetDefault replaces the default logger; called once from the composition root.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// WithComponent returns a logger scoped to a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

// WithTenant returns a logger carrying the tenant ID on every line.
func (l *Logger) WithTenant(tenantID string) *Logger {
	return &Logger{zl: l.zl.With().Str("tenant_id", tenantID).Logger()}
}

// WithCorrelationID returns a logger carrying a correlation ID.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return &Logger{zl: l.zl.With().Str("correlation_id", id).Logger()}
}

// WithField returns a logger with one extra structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithError returns a logger with an error field attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) event(e *zerolog.Event, msg string, args []interface{}) {
	// Structured key-value pairs when args come in even string-keyed pairs,
	// printf formatting otherwise.
	if len(args) >= 2 && len(args)%2 == 0 {
		if _, ok := args[0].(string); ok {
			for i := 0; i < len(args); i += 2 {
				key, ok := args[i].(string)
				if !ok {
					continue
				}
				if err, isErr := args[i+1].(error); isErr {
					if err != nil {
						e = e.Str(key, err.Error())
					}
					continue
				}
				e = e.Interface(key, args[i+1])
			}
			e.Msg(msg)
			return
		}
	}
	if len(args) > 0 {
		e.Msgf(msg, args...)
		return
	}
	e.Msg(msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) { l.event(l.zl.Debug(), msg, args) }

// Info logs an info message.
func (l *Logger) Info(msg string, args ...interface{}) { l.event(l.zl.Info(), msg, args) }

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...interface{}) { l.event(l.zl.Warn(), msg, args) }

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) { l.event(l.zl.Error(), msg, args) }

// Fatal logs and exits.
func (l *Logger) Fatal(msg string, args ...interface{}) { l.event(l.zl.Fatal(), msg, args) }

// Package-level helpers against the default logger.

func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})  { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})  { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }
func Fatal(msg string, args ...interface{}) { Default().Fatal(msg, args...) }

// WithComponent returns a component-scoped logger off the default.
func WithComponent(component string) *Logger { return Default().WithComponent(component) }

// WithTenant returns a tenant-scoped logger off the default.
func WithTenant(tenantID string) *Logger { return Default().WithTenant(tenantID) }
