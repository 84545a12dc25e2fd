package logger

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var base = newBase()

func newBase() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	l.SetLevel(log.InfoLevel)
	return l
}

func init() {
	if lvl, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		SetLevel(lvl)
	}
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a LogLevel.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, true
	case "info":
		return INFO, true
	case "warn", "warning":
		return WARN, true
	case "error":
		return ERROR, true
	}
	return INFO, false
}

func SetLevel(level LogLevel) {
	switch level {
	case DEBUG:
		base.SetLevel(log.DebugLevel)
	case WARN:
		base.SetLevel(log.WarnLevel)
	case ERROR:
		base.SetLevel(log.ErrorLevel)
	default:
		base.SetLevel(log.InfoLevel)
	}
}

func GetLevel() LogLevel {
	switch base.GetLevel() {
	case log.DebugLevel, log.TraceLevel:
		return DEBUG
	case log.WarnLevel:
		return WARN
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		return ERROR
	default:
		return INFO
	}
}

// SetOutput redirects every component logger, mostly for tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

func entry(component string, fields map[string]interface{}) *log.Entry {
	e := log.NewEntry(base)
	if component != "" {
		e = e.WithField("component", component)
	}
	if len(fields) > 0 {
		e = e.WithFields(log.Fields(fields))
	}
	return e
}

func Debug(msg string) { entry("", nil).Debug(msg) }
func Info(msg string)  { entry("", nil).Info(msg) }
func Warn(msg string)  { entry("", nil).Warn(msg) }
func Error(msg string) { entry("", nil).Error(msg) }

func DebugC(component, msg string) { entry(component, nil).Debug(msg) }
func InfoC(component, msg string)  { entry(component, nil).Info(msg) }
func WarnC(component, msg string)  { entry(component, nil).Warn(msg) }
func ErrorC(component, msg string) { entry(component, nil).Error(msg) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Debug(msg)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Info(msg)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Warn(msg)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Error(msg)
}
