package log

import (
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around logrus that tags every entry with a
// category and optionally filters entries by it.
type Logger struct {
	*logrus.Logger

	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// New returns a Logger writing through the given logrus instance. When
// debugOverride is set, debug entries are emitted regardless of the
// configured level. categoryFilter, if non-nil, drops entries whose
// category doesn't match.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

// NullLogger returns a Logger that discards everything. Useful in tests.
func NullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l, false, nil)
}

func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category string, msg string, args ...any) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category string, msg string, args ...any) {
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}
	entry := l.Logger.WithField("category", category)
	if level == logrus.DebugLevel && l.debugOverride && l.Logger.GetLevel() < level {
		entry.Printf(msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

// SetLevel sets the logger level from a level string, e.g. "debug".
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.Logger.SetLevel(pl)
	return nil
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.Logger.GetLevel() >= logrus.DebugLevel
}
