// Package logger provides JSON structured logging using zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) Logger
	SetLevel(level zerolog.Level)
}

type Config struct {
	Level      string `json:"level"`
	Debug      bool   `json:"debug"`
	Output     string `json:"output"` // stdout, stderr or file
	File       string `json:"file"`
	TimeFormat string `json:"time_format"`
}

func DefaultConfig() Config {
	return Config{
		Level:      getEnvOrDefault("DEVHOOK_LOG_LEVEL", "info"),
		Debug:      getEnvBoolOrDefault("DEVHOOK_DEBUG", false),
		Output:     getEnvOrDefault("DEVHOOK_LOG_OUTPUT", "stderr"),
		File:       getEnvOrDefault("DEVHOOK_LOG_FILE", ""),
		TimeFormat: getEnvOrDefault("DEVHOOK_LOG_TIME_FORMAT", ""),
	}
}

type zlogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// New builds a logger from cfg. The returned close func releases the log
// file when Output is "file" and is a no-op otherwise.
func New(cfg Config) (Logger, func() error, error) {
	output, closer, err := openOutput(cfg)
	if err != nil {
		return nil, nil, err
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return nil, nil, fmt.Errorf("parse log level: %w", err)
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	l := &zlogger{
		logger: zerolog.New(output).Level(level).With().Timestamp().Logger(),
		closer: closer,
	}
	closeFn := func() error {
		if l.closer == nil {
			return nil
		}
		return l.closer.Close()
	}
	return l, closeFn, nil
}

// NewWithWriter is used by tests that need to inspect log lines.
func NewWithWriter(w io.Writer, level zerolog.Level) Logger {
	return &zlogger{logger: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewTestLogger creates a no-op logger that discards all output.
func NewTestLogger() Logger {
	return &zlogger{logger: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

func openOutput(cfg Config) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		if strings.TrimSpace(cfg.File) == "" {
			return nil, nil, fmt.Errorf("log output file requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
}

func (l *zlogger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *zlogger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *zlogger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *zlogger) Error() *zerolog.Event { return l.logger.Error() }
func (l *zlogger) With() zerolog.Context { return l.logger.With() }

func (l *zlogger) WithComponent(component string) Logger {
	return &zlogger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *zlogger) SetLevel(level zerolog.Level) {
	l.logger = l.logger.Level(level)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	value = strings.ToLower(value)
	return value == "true" || value == "1" || value == "yes" || value == "on"
}
