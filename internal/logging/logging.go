// Package logging provides the process-wide zap logger. Components obtain
// named children via New; Configure is called once at startup from config.
// Before Configure, New returns a no-op logger so library code can log
// unconditionally.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Configure builds the root logger. level is one of debug/info/warn/error;
// development selects console encoding with caller info, otherwise JSON.
// outputPaths defaults to stderr when empty.
func Configure(level string, development bool, outputPaths ...string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if len(outputPaths) > 0 {
		cfg.OutputPaths = outputPaths
	}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// New returns a named component logger.
func New(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component)
}

// Sync flushes buffered log entries. Called during shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
