// Package xlog exports the leveled logging primitives used by every
// component: package-level Debug/Info/Error loggers and a global
// level, backed by logrus.
package xlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Level is the severity of a log line.
type Level int

// The levels understood by SetLevel, lowest to highest.
const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
	DisabledLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case ErrorLevel:
		return "error"
	case DisabledLevel:
		return "disabled"
	}
	return "unknown"
}

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Logger is the interface satisfied by Debug, Info, and Error.
type Logger interface {
	Printf(format string, v ...interface{})
	Print(v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	// WithField returns a Logger that attaches key=value to every
	// subsequent line, used to annotate critical desync errors with
	// the path they concern.
	WithField(key string, value interface{}) Logger
}

type logger struct {
	level   Level
	entry   *logrus.Entry
	logFunc func(args ...interface{})
	logf    func(format string, args ...interface{})
}

var (
	// Debug logs at DebugLevel.
	Debug Logger = newLogger(DebugLevel)
	// Info logs at InfoLevel.
	Info Logger = newLogger(InfoLevel)
	// Error logs at ErrorLevel.
	Error Logger = newLogger(ErrorLevel)
)

var currentLevel = InfoLevel

func newLogger(l Level) *logger {
	e := logrus.NewEntry(base)
	lg := &logger{level: l, entry: e}
	switch l {
	case DebugLevel:
		lg.logFunc, lg.logf = e.Debug, e.Debugf
	case InfoLevel:
		lg.logFunc, lg.logf = e.Info, e.Infof
	default:
		lg.logFunc, lg.logf = e.Error, e.Errorf
	}
	return lg
}

func (l *logger) enabled() bool { return l.level >= currentLevel }

func (l *logger) Printf(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logf(format, v...)
}

func (l *logger) Print(v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logFunc(fmt.Sprint(v...))
}

func (l *logger) Fatal(v ...interface{}) {
	l.entry.Fatal(v...)
}

func (l *logger) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

func (l *logger) WithField(key string, value interface{}) Logger {
	e := l.entry.WithField(key, value)
	lg := &logger{level: l.level, entry: e}
	switch l.level {
	case DebugLevel:
		lg.logFunc, lg.logf = e.Debug, e.Debugf
	case InfoLevel:
		lg.logFunc, lg.logf = e.Info, e.Infof
	default:
		lg.logFunc, lg.logf = e.Error, e.Errorf
	}
	return lg
}

// SetLevel sets the global log level by name: "debug", "info",
// "error", or "disabled".
func SetLevel(name string) error {
	switch name {
	case "debug":
		currentLevel = DebugLevel
		base.SetLevel(logrus.DebugLevel)
	case "info":
		currentLevel = InfoLevel
		base.SetLevel(logrus.InfoLevel)
	case "error":
		currentLevel = ErrorLevel
		base.SetLevel(logrus.ErrorLevel)
	case "disabled":
		currentLevel = DisabledLevel
		base.SetLevel(logrus.PanicLevel)
	default:
		return fmt.Errorf("xlog: unknown level %q", name)
	}
	return nil
}

// GetLevel returns the name of the current global log level.
func GetLevel() string {
	return currentLevel.String()
}
