// Package logging provides the process-wide structured logger.
// All supervisor components log through this package so that output
// format and verbosity are controlled in one place.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu       sync.Mutex
	disabled = false
	sugar    = newSugar(zapcore.InfoLevel)
)

func newSugar(level zapcore.Level) *zap.SugaredLogger {
	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stderr), level)
	return zap.New(core).Sugar()
}

// SetDebug lowers the log level to debug.
func SetDebug() {
	mu.Lock()
	defer mu.Unlock()
	sugar = newSugar(zapcore.DebugLevel)
}

// Disable turns off all logging (used by CLI surfaces that own stdout).
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = true
}

// Enable turns logging back on.
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = false
}

func active() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if disabled {
		return nil
	}
	return sugar
}

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if l := active(); l != nil {
		l.Infof(format, v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if l := active(); l != nil {
		l.Warnf(format, v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if l := active(); l != nil {
		l.Errorf(format, v...)
	}
}

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) {
	if l := active(); l != nil {
		l.Debugf(format, v...)
	}
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	if l := active(); l != nil {
		_ = l.Sync()
	}
}
