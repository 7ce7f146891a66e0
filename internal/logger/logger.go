// Package logger wraps logrus with the service defaults and context plumbing.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers don't import logrus directly.
type Fields = logrus.Fields

// Logger is a logrus entry carrying the service field.
type Logger struct {
	*logrus.Entry
}

type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	File        string // optional rotating file, in addition to stdout
	Output      io.Writer
	ServiceName string
}

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds a Logger. A nil config uses info/json on stdout.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	switch {
	case cfg.Output != nil:
		l.SetOutput(cfg.Output)
	case cfg.File != "":
		l.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}))
	default:
		l.SetOutput(os.Stdout)
	}

	service := cfg.ServiceName
	if service == "" {
		service = "geotrack"
	}
	return &Logger{Entry: l.WithField("service", service)}
}

// Discard returns a logger that writes nowhere; handy in tests.
func Discard() *Logger {
	return New(&Config{Output: io.Discard})
}

// WithFields returns a child logger.
func (l *Logger) WithFields(f Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(f)}
}

// WithField returns a child logger.
func (l *Logger) WithField(k string, v any) *Logger {
	return &Logger{Entry: l.Entry.WithField(k, v)}
}

// WithError returns a child logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

type ctxKey struct{}

var (
	defaultLogger   = New(nil)
	defaultLoggerMu sync.RWMutex
)

// SetDefault replaces the logger returned by FromContext when none is attached.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultLoggerMu.Lock()
	defaultLogger = l
	defaultLoggerMu.Unlock()
}

// WithContext attaches l to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the attached logger or the default one.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}
