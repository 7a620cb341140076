// Package logging defines the Logger interface used throughout the
// mirroring stack and a default implementation backed by logrus.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every component depends on. Components
// never depend on logrus directly so a caller can plug in any
// implementation (e.g. a no-op logger in tests).
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Debug(args ...any)
	Debugf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)

	// WithField returns a derived logger that annotates every entry with
	// the given key/value, e.g. the node's own address.
	WithField(key string, value any) Logger
}

// logrusLogger adapts *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger returns the logger used when the caller does not
// provide one. Logs go to stderr in text form; level is controlled by
// ToggleDebug or --verbose on the CLI.
func NewDefaultLogger() Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

// ToggleDebug flips the underlying logger between info and debug level.
func ToggleDebug(l Logger, on bool) {
	ll, ok := l.(*logrusLogger)
	if !ok {
		return
	}
	if on {
		ll.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		ll.entry.Logger.SetLevel(logrus.InfoLevel)
	}
}

func (l *logrusLogger) Info(args ...any)                  { l.entry.Info(args...) }
func (l *logrusLogger) Infof(format string, args ...any)   { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(args ...any)                  { l.entry.Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...any)   { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(args ...any)                 { l.entry.Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...any)  { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Debug(args ...any)                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...any)  { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Fatal(args ...any)                 { l.entry.Fatal(args...) }
func (l *logrusLogger) Fatalf(format string, args ...any)  { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) WithField(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// NopLogger discards everything; useful for quiet unit tests.
type NopLogger struct{}

func (NopLogger) Info(args ...any)                 {}
func (NopLogger) Infof(format string, args ...any)  {}
func (NopLogger) Warn(args ...any)                 {}
func (NopLogger) Warnf(format string, args ...any)  {}
func (NopLogger) Error(args ...any)                {}
func (NopLogger) Errorf(format string, args ...any) {}
func (NopLogger) Debug(args ...any)                {}
func (NopLogger) Debugf(format string, args ...any) {}
func (NopLogger) Fatal(args ...any)                {}
func (NopLogger) Fatalf(format string, args ...any) {}
func (NopLogger) WithField(key string, value any) Logger { return NopLogger{} }
