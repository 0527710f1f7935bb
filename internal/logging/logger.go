// Package logging provides config-driven categorized logging for researchd.
// Every category is a named child of a single zap logger. Until Initialize is
// called all loggers are no-ops, so packages may log freely from tests.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and shutdown
	CategoryConfig      Category = "config"      // Config load and hot reload
	CategorySession     Category = "session"     // Connection sessions, handshake, keepalive
	CategoryCoordinator Category = "coordinator" // Task lifecycle and fan-out
	CategoryRegistry    Category = "registry"    // Task registry writes and sweeps
	CategoryBus         Category = "bus"         // Event topics and delivery
	CategoryGraph       Category = "graph"       // Knowledge graph merges
	CategoryWorkers     Category = "workers"     // Worker capabilities (retrieval, analysis, ...)
	CategoryCache       Category = "cache"       // Result cache
	CategoryAPI         Category = "api"         // HTTP and REST surface
	CategoryAuth        Category = "auth"        // Token resolution
	CategoryClient      Category = "client"      // Reconnecting client
	CategoryMCP         Category = "mcp"         // MCP tool surface
	CategoryTelemetry   Category = "telemetry"   // Metrics and tracing setup
)

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports.
type Options struct {
	Level       string          // debug, info, warn, error
	Format      string          // json or console
	OutputPaths []string        // defaults to stderr
	Categories  map[string]bool // missing categories are enabled
}

// Logger wraps a zap sugared logger scoped to one category.
// A Logger with a nil sugar is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	base       = zap.NewNop()
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	mu         sync.RWMutex
)

// Initialize builds the root zap logger from opts.
// Safe to call more than once; existing category loggers are rebuilt.
func Initialize(opts Options) error {
	lvl, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var zc zap.Config
	if strings.EqualFold(opts.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level.SetLevel(lvl)
	zc.Level = level
	if len(opts.OutputPaths) > 0 {
		zc.OutputPaths = opts.OutputPaths
	}

	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	UseLogger(l, opts.Categories)
	Get(CategoryBoot).Info("logging initialized (level=%s format=%s)", lvl, zc.Encoding)
	return nil
}

// UseLogger installs an existing zap logger as the root. Tests use it with
// zaptest/observer.
func UseLogger(l *zap.Logger, cats map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	base = l
	categories = cats
	loggers = make(map[Category]*Logger)
}

// SetLevel changes the level of every logger at runtime.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: base.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Debugf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Infof(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Warnf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar != nil {
		l.sugar.Errorf(format, args...)
	}
}

// CloseAll flushes buffered entries (call at shutdown)
func CloseAll() {
	mu.RLock()
	b := base
	mu.RUnlock()
	_ = b.Sync()
}

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// WithRequestID creates a request-scoped logger carrying a correlation ID.
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With("request_id", requestID)
}

// WithTask creates a task-scoped logger.
func WithTask(category Category, taskID string) *Logger {
	return Get(category).With("task_id", taskID)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
