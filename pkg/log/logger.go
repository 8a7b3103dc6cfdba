// Package log provides the shared structured logger used across the manager.
package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the subset of zap's sugared API the manager packages depend on.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

var (
	once       sync.Once
	logger     *zap.SugaredLogger
	syncLogger = func() error { return nil }
)

// Shared returns a lazily initialised structured logger.
func Shared() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		cfg.OutputPaths = []string{"stderr"}
		if path := os.Getenv("MANAGER_LOG_PATH"); path != "" {
			cfg.OutputPaths = append(cfg.OutputPaths, path)
		}
		if level := os.Getenv("MANAGER_LOG_LEVEL"); level != "" {
			if parsed, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(parsed)
			}
		}

		base, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		logger = base.Sugar()
		syncLogger = base.Sync
	})

	return logger
}

// Sync flushes any buffered log entries.
func Sync() error {
	if err := syncLogger(); err != nil {
		if strings.Contains(err.Error(), "bad file descriptor") {
			return nil
		}
		return err
	}
	return nil
}
