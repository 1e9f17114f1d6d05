package polybase

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLogger(zap.New(core)).Named("registry")

	log.Info("Provider initialized", "key", "local:app", "took_ms", 12)
	log.Warn("Health check failed", "key", "aws:app")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.LoggerName != "registry" || first.Message != "Provider initialized" {
		t.Errorf("unexpected entry %+v", first)
	}
	if first.ContextMap()["key"] != "local:app" {
		t.Errorf("fields lost: %v", first.ContextMap())
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("expected warn, got %s", entries[1].Level)
	}
}

func TestZapLogger_WithComposes(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := With(NewZapLogger(zap.New(core)), "project", "app")
	log.Debug("dropped")
	log.Error("failed", "step", 1)

	if logs.Len() != 1 {
		t.Fatalf("expected only the error entry, got %d", logs.Len())
	}
	ctx := logs.All()[0].ContextMap()
	if ctx["project"] != "app" || ctx["step"] != int64(1) {
		t.Errorf("unexpected fields %v", ctx)
	}
}

func TestNewProductionZapLogger(t *testing.T) {
	if _, err := NewProductionZapLogger("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewProductionZapLogger(""); err != nil {
		t.Fatalf("empty level should default to info: %v", err)
	}
	if _, err := NewProductionZapLogger("loud"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for a bad level, got %v", err)
	}
}

func TestNewDevelopmentZapLogger(t *testing.T) {
	log, err := NewDevelopmentZapLogger()
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hello")
	_ = log.Sync()
}
