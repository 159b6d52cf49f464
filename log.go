package btvendor

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags map[string]interface{}) Logger
}

var logger Logger
var loggerMu sync.Mutex

func SetLogLevelMax() {
	if err := SetLogLevel(logrus.TraceLevel.String()); err != nil {
		GetLogger().Error(err)
	}
}

// SetLogLevel changes the level of the default logger, e.g. "debug" or "warn".
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	lg, ok := GetLogger().(*defaultLogger)
	if !ok {
		return errors.New("non-default logger, don't know how to set level")
	}
	lg.Entry.Logger.SetLevel(lvl)
	return nil
}

func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}

	return logger
}

// ComponentLogger returns a child of the package logger tagged with the component name.
func ComponentLogger(name string) Logger {
	return GetLogger().ChildLogger(map[string]interface{}{"component": name})
}

type defaultLogger struct {
	*logrus.Entry
}

func buildDefaultLogger() Logger {
	return NewLogger(os.Stderr, logrus.InfoLevel)
}

// NewLogger builds a logrus backed Logger writing text records to w.
func NewLogger(w io.Writer, level logrus.Level) Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     level,
		Out:       w,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: l.WithFields(map[string]interface{}{})}
}

func (d *defaultLogger) ChildLogger(ff map[string]interface{}) Logger {
	nl := &defaultLogger{d.Entry.WithFields(ff)}
	return nl
}
