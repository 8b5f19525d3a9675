// Package logging defines the Logger contract every component in this
// module takes as a constructor argument, instead of reaching for a
// package-level global.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the narrow logging surface every component depends on.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output, returning the
	// new state.
	ToggleDebug(enabled bool) bool

	// With returns a derived Logger carrying the given structured fields,
	// attached to every subsequent line.
	With(fields Fields) Logger
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// logrusLogger is the default Logger, backed by logrus instead of the bare
// standard library log.Logger the library-shaped interface would otherwise
// suggest.
type logrusLogger struct {
	entry *logrus.Entry
}

// New builds the default Logger, writing to stderr with logrus's text
// formatter, one field set `component` already attached.
func New(component string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: l.WithField("component", component)}
}

func (l *logrusLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})   { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})   { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{})  { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Debug(v ...interface{})                  { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{})  { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }

func (l *logrusLogger) ToggleDebug(enabled bool) bool {
	if enabled {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return enabled
}

func (l *logrusLogger) With(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
