// Package logger provides a thin structured logging facade over zerolog.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to json.
	Format string
	// Component is attached to every event as the "component" field.
	Component string
}

// Logger wraps a zerolog.Logger with the small surface the services use.
type Logger struct {
	zl zerolog.Logger
}

// New builds a logger from config.
func New(cfg LoggingConfig) *Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	zl := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Component != "" {
		zl = zl.Str("component", cfg.Component)
	}
	return &Logger{zl: zl.Logger()}
}

// NewDefault returns an info-level JSON logger tagged with the component name.
func NewDefault(component string) *Logger {
	return New(LoggingConfig{Component: component})
}

// SetOutput redirects log output. Intended for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.zl = l.zl.Output(w)
}

// WithField returns a logger with an additional field on every event.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithError returns a logger with the error attached to every event.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }
