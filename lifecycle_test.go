package polybase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeComponent struct {
	name     string
	startErr error
	healthy  error
	panics   bool

	started atomic.Bool
	stopped atomic.Bool
}

func (c *fakeComponent) Name() string { return c.name }
func (c *fakeComponent) Start(ctx context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.started.Store(true)
	return nil
}
func (c *fakeComponent) Stop(ctx context.Context) error {
	c.stopped.Store(true)
	return nil
}
func (c *fakeComponent) Health(ctx context.Context) error {
	if c.panics {
		panic("probe")
	}
	return c.healthy
}

func TestLifecycle_StartStop(t *testing.T) {
	l := NewLifecycle("local", nil)
	db, storage := &fakeComponent{name: "database"}, &fakeComponent{name: "storage"}

	if err := l.Start(context.Background(), db, storage); err != nil {
		t.Fatal(err)
	}
	if !l.Initialized() {
		t.Fatal("expected initialized")
	}
	if err := l.Start(context.Background(), db); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Start: expected ErrAlreadyInitialized, got %v", err)
	}

	report := l.Health(context.Background())
	if !report.Healthy() || len(report.Details) != 2 {
		t.Errorf("unexpected report %+v", report)
	}

	_ = l.Stop(context.Background())
	if l.Initialized() || !db.stopped.Load() || !storage.stopped.Load() {
		t.Error("Stop should stop every component")
	}
	if l.Health(context.Background()).Healthy() {
		t.Error("a stopped lifecycle is unhealthy")
	}
}

func TestLifecycle_StartFailureStopsStarted(t *testing.T) {
	l := NewLifecycle("aws", nil)
	ok := &fakeComponent{name: "auth"}
	bad := &fakeComponent{name: "database", startErr: ErrBackendUnavailable}

	err := l.Start(context.Background(), ok, bad)
	if !errors.Is(err, ErrInitialization) || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected an initialization error wrapping the cause, got %v", err)
	}
	if l.Initialized() {
		t.Error("a failed start must not mark the lifecycle initialized")
	}
	if ok.started.Load() && !ok.stopped.Load() {
		t.Error("components that started must be stopped after a failed start")
	}
	if err := l.Begin(); err != nil {
		t.Errorf("a failed start should release the reservation, got %v", err)
	}
}

func TestLifecycle_BeginAbort(t *testing.T) {
	l := NewLifecycle("firebase", nil)
	if err := l.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := l.Begin(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized while starting, got %v", err)
	}
	l.Abort()
	if err := l.Begin(); err != nil {
		t.Errorf("Abort should release the reservation, got %v", err)
	}
}

func TestLifecycle_HealthSettlesAll(t *testing.T) {
	l := NewLifecycle("local", nil)
	down := &fakeComponent{name: "realtime", healthy: errors.New("port closed")}
	boom := &fakeComponent{name: "functions", panics: true}
	up := &fakeComponent{name: "database"}
	if err := l.Start(context.Background(), down, boom, up); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(context.Background())

	report := l.Health(context.Background())
	if report.Healthy() {
		t.Fatal("expected unhealthy")
	}
	if report.Details["realtime"].Error != "port closed" {
		t.Errorf("realtime = %+v", report.Details["realtime"])
	}
	if report.Details["functions"].Status != StatusUnhealthy {
		t.Errorf("a panicking probe is unhealthy: %+v", report.Details["functions"])
	}
	if report.Details["database"].Status != StatusHealthy {
		t.Errorf("healthy components stay healthy: %+v", report.Details["database"])
	}
}
