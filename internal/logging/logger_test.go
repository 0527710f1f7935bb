package logging

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, cats map[string]bool) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	level.SetLevel(zapcore.DebugLevel)
	UseLogger(zap.New(core), cats)
	t.Cleanup(func() {
		UseLogger(zap.NewNop(), nil)
		level.SetLevel(zapcore.InfoLevel)
	})
	return logs
}

// TestAllCategoriesLog verifies every category routes through the root logger
func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t, nil)

	categories := []Category{
		CategoryBoot, CategoryConfig, CategorySession, CategoryCoordinator,
		CategoryRegistry, CategoryBus, CategoryGraph, CategoryWorkers,
		CategoryCache, CategoryAPI, CategoryAuth, CategoryClient,
		CategoryMCP, CategoryTelemetry,
	}
	for _, cat := range categories {
		Get(cat).Info("Test info message for %s", cat)
	}

	if got := logs.Len(); got != len(categories) {
		t.Fatalf("expected %d entries, got %d", len(categories), got)
	}
	for i, entry := range logs.All() {
		if entry.LoggerName != string(categories[i]) {
			t.Errorf("entry %d: logger name %q, want %q", i, entry.LoggerName, categories[i])
		}
	}
}

func TestNoopBeforeInitialize(t *testing.T) {
	UseLogger(nil, nil)
	// Must not panic.
	Coordinator("hello %d", 1)
	SessionError("boom")
	Get(CategoryBus).With("k", "v").Debug("x")
}

// TestCategoryToggle verifies disabled categories are silent
func TestCategoryToggle(t *testing.T) {
	logs := observe(t, map[string]bool{"bus": false, "cache": true})

	Bus("dropped")
	Cache("kept")
	Graph("kept too")

	if got := logs.Len(); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
	if logs.FilterLoggerName("bus").Len() != 0 {
		t.Error("bus category should be disabled")
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { level.SetLevel(zapcore.InfoLevel) })

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if level.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", level.Level())
	}
	if err := SetLevel("nonsense"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestWithRequestID(t *testing.T) {
	logs := observe(t, nil)

	WithRequestID(CategoryAPI, "req-42").Info("started")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["request_id"]; got != "req-42" {
		t.Errorf("request_id = %v", got)
	}
}

func TestTimerLogging(t *testing.T) {
	logs := observe(t, nil)

	timer := StartTimer(CategoryCoordinator, "fan-out")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Millisecond)

	if elapsed < 5*time.Millisecond {
		t.Errorf("elapsed too small: %v", elapsed)
	}
	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(entries) != 1 || !strings.Contains(entries[0].Message, "fan-out took") {
		t.Errorf("expected threshold warning, got %+v", entries)
	}
}
