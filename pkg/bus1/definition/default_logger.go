// Package definition holds the default, installable implementations of
// cross-cutting contracts (today, just logging) so packages higher up the
// tree can depend on the bus1types interfaces instead of a concrete logger.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/rbarton65/bus1go/pkg/bus1/types"
)

// NewDefaultLogger returns the logger installed when a caller passes nil
// instead of their own bus1types.Logger. It is backed by logrus so every
// line carries level and field structure for free.
func NewDefaultLogger() *DefaultLogger {
	log := logrus.New()
	log.Out = os.Stderr
	log.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: logrus.NewEntry(log)}
}

// DefaultLogger adapts a logrus.Entry to bus1types.Logger.
type DefaultLogger struct {
	entry *logrus.Entry
}

var _ bus1types.Logger = (*DefaultLogger)(nil)

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}
func (l *DefaultLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.entry.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.entry.Debugf(format, v...)
	}
}

// ToggleDebug flips the logger between info and debug level.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}

// WithField returns a derived logger carrying an extra structured field,
// e.g. the peer name, so queue/transaction/peer log lines can be correlated
// without threading a prefix string through every call site.
func (l *DefaultLogger) WithField(key string, value interface{}) *DefaultLogger {
	return &DefaultLogger{entry: l.entry.WithField(key, value)}
}
