package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger HarnessLogger
)

type HarnessLogger interface {
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// SetLogger replaces the harness logger. Passing nil restores the default
// zap logger.
func SetLogger(harnessLogger HarnessLogger) {
	mu.Lock()
	defer mu.Unlock()
	logger = harnessLogger
}

// NewZapLogger returns a sugared zap development logger at the given level.
// Unknown levels fall back to info.
func NewZapLogger(level string) *zap.SugaredLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func get() HarnessLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = NewZapLogger(os.Getenv("SWAPNET_LOG_LEVEL"))
	}
	return logger
}

func Infof(format string, v ...interface{}) {
	get().Infof(format, v...)
}

func Debugf(format string, v ...interface{}) {
	get().Debugf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	get().Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	get().Errorf(format, v...)
}
