package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide log backend
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json or text
	File       string // empty means stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var base = logrus.New()

// Setup configures the shared backend used by every component logger.
// It returns a closer for the log file, if one was opened.
func Setup(opts Options) (io.Closer, error) {
	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	base.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	if opts.File == "" {
		base.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	base.SetOutput(rotator)
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Base returns the shared logrus logger
func Base() *logrus.Logger {
	return base
}

// Logger provides structured logging with a component field
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger for the given component
func NewLogger(component string) *Logger {
	return NewLoggerFrom(base, component)
}

// NewLoggerFrom creates a component logger on top of l
func NewLoggerFrom(l *logrus.Logger, component string) *Logger {
	return &Logger{entry: l.WithField("component", component)}
}

// With returns a logger carrying the given key-value pairs on every entry
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(keyvals))}
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Debug(msg)
}

func (l *Logger) Info(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Info(msg)
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Warn(msg)
}

func (l *Logger) Error(msg string, keyvals ...any) {
	l.entry.WithFields(fields(keyvals)).Error(msg)
}

// fields turns alternating key-value pairs into logrus fields.
// A trailing key without a value is dropped.
func fields(keyvals []any) logrus.Fields {
	f := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		val := keyvals[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		f[key] = val
	}
	return f
}
