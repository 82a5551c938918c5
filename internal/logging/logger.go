// Package logging provides structured logging for the simulation
// controller and its worker process.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init initializes the global logger. verbose forces the development
// encoder (colorized level, debug enabled) regardless of ENVIRONMENT —
// set from internal/config's own VERBOSE/--verbose switches rather than
// a second, independent environment check. Safe to call multiple times;
// only the first call's verbose value takes effect.
func Init(verbose bool) {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("ENVIRONMENT") == "production" && !verbose {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		var err error
		logger, err = cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			logger = zap.NewNop()
		}
	})
}

// L returns the global structured logger.
func L() *zap.Logger {
	if logger == nil {
		Init(false)
	}
	return logger
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
