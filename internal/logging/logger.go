// Package logging provides category-scoped structured logging for MGF.
// One zap root is built at startup; subsystems obtain named child loggers
// per category so operators can filter a single subsystem out of the
// combined stream.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem in log output.
type Category string

const (
	CategoryCache     Category = "cache"     // L1/L2, coalescer, manager
	CategoryRules     Category = "rules"     // Normalization and validation
	CategoryUploads   Category = "uploads"   // Upload normalization pipeline
	CategoryDocument  Category = "document"  // Document lifecycle
	CategoryWorker    Category = "worker"    // Runtime and job executor
	CategoryBatch     Category = "batch"     // Batch processor
	CategoryScheduler Category = "scheduler" // Persisted job scheduler
	CategoryQueue     Category = "queue"     // Queue consume/publish
	CategoryStorage   Category = "storage"   // Object storage
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	byCat   = make(map[Category]*zap.Logger)
	nopMode = true
)

// Initialize builds the process-wide logger. level is one of
// debug/info/warn/error; file, when non-empty, adds a JSON file sink
// beside stderr. Call Sync before exit.
func Initialize(level, file string) error {
	cfg := zap.NewProductionConfig()
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lv)
	cfg.OutputPaths = []string{"stderr"}
	if file != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, file)
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	byCat = make(map[Category]*zap.Logger)
	nopMode = false
	return nil
}

// L returns the root logger. Before Initialize it is a no-op logger, so
// library code may log unconditionally.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns the named child logger for a category. Children are cached.
func For(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := byCat[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := byCat[cat]; ok {
		return l
	}
	l := root.Named(string(cat))
	byCat[cat] = l
	return l
}

// Enabled reports whether Initialize has run. The audit trail refuses to
// start before logging is configured.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return !nopMode
}

// Sync flushes buffered entries. Safe to call on the no-op logger.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// SetLogger replaces the root logger. Tests use this with zaptest or
// zap.NewNop to capture or silence output.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	byCat = make(map[Category]*zap.Logger)
	nopMode = false
}
