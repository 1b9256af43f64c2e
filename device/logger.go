package device

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the device package logger.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the package logger. Call before any device is used.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

func zapID(id ID) zap.Field {
	return zap.Stringer("device", id)
}
