// Package log provides the process-wide Logger backed by logrus.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"

	"firestige.xyz/satcat5/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var stdout io.Writer = os.Stdout

var (
	mu     sync.RWMutex
	logger Logger = newDefault()
	closer io.Closer
)

// GetLogger returns the process logger. It is usable before Init.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger according to cfg. It may be called
// again on configuration reload.
func Init(cfg config.LogConfig) error {
	l, c, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	old := closer
	logger, closer = newEntryLogger(l), c
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Flush closes any file output opened by Init.
func Flush() {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// SetOutput redirects the current logger, mainly for tests.
func SetOutput(w io.Writer) {
	mu.RLock()
	defer mu.RUnlock()
	if e, ok := logger.(entryLogger); ok {
		e.Logger.SetOutput(w)
	}
}

func newDefault() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return newEntryLogger(l)
}

func build(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		l.SetFormatter(&prefixed.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: cfg.TimeFormat,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	case "pattern":
		l.SetReportCaller(true)
		l.SetFormatter(&formatter{pattern: cfg.Pattern, time: cfg.TimeFormat})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be text, json or pattern)", cfg.Format)
	}

	out := outputs{stdout}
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, nil, fmt.Errorf("file output enabled but path is empty")
		}
		out = append(out, newFileWriter(cfg.Outputs.File))
	}
	l.SetOutput(out)
	return l, out, nil
}

// parseLevel accepts the level names used in configuration files.
func parseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown level %q", levelStr)
	}
}
