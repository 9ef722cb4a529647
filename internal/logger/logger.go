package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process log sinks and hands out zerolog loggers.
type Logger struct {
	logger   zerolog.Logger
	closers  []io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // console or json
	File      string // optional log file path
	Redaction bool   // scrub API keys and tokens before writing
	MaxSizeMB int    // rotate the log file past this size, 0 disables rotation
	MaxAge    int    // days to keep rotated files
	Compress  bool   // gzip rotated files
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "console",
		Redaction: true,
		MaxSizeMB: 100,
		MaxAge:    7,
		Compress:  true,
	}
}

// New creates a logger writing to stderr and, when configured, to a file.
func New(cfg Config) (*Logger, error) {
	return newWithConsole(cfg, os.Stderr)
}

func newWithConsole(cfg Config, console io.Writer) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}

	var out io.Writer = console
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{out}

	if cfg.File != "" {
		fileWriter, closer, err := openFile(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, fileWriter)
		l.closers = append(l.closers, closer)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if cfg.Redaction {
		l.redactor = NewRedactor()
		writer = l.redactor.Wrap(writer)
	}

	l.logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return l, nil
}

func openFile(cfg Config) (io.Writer, io.Closer, error) {
	if cfg.MaxSizeMB > 0 {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, nil, err
		}
		return rw, rw, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, file, nil
}

// Setup builds a logger and installs it as the global zerolog logger.
func Setup(cfg Config) (*Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	log.Logger = l.logger
	zerolog.SetGlobalLevel(l.logger.GetLevel())
	return l, nil
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// Redact scrubs secrets from s. It is a no-op when redaction is disabled.
func (l *Logger) Redact(s string) string {
	if l.redactor == nil {
		return s
	}
	return l.redactor.Redact(s)
}

// Close closes the logger and any open files
func (l *Logger) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}
