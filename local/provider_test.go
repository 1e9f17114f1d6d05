package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrianmcphee/polybase"
)

func testConfig(t *testing.T) polybase.ProviderConfig {
	t.Helper()
	dir := t.TempDir()
	return polybase.ProviderConfig{
		Type:      polybase.ProviderLocal,
		ProjectID: "test",
		Options: map[string]string{
			polybase.OptDatabasePath:  filepath.Join(dir, "db"),
			polybase.OptStoragePath:   filepath.Join(dir, "storage"),
			polybase.OptFunctionsPath: filepath.Join(dir, "functions"),
			OptBcryptCost:             "4",
		},
	}
}

func newTestProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p := New(opts...)
	if err := p.Initialize(context.Background(), testConfig(t)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestProvider_InitializeAndHealth(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	report := p.HealthCheck(ctx)
	if !report.Healthy() {
		t.Fatalf("Expected healthy report, got %+v", report)
	}
	for _, name := range []string{nameAuth, nameDatabase, nameStorage, nameRealtime, nameFunctions, nameNotifications, nameDeployment} {
		if _, ok := report.Details[name]; !ok {
			t.Errorf("Health details missing %q", name)
		}
	}

	if p.Notifications() == nil || p.Deployment() == nil {
		t.Error("Local provider should expose every sub-provider")
	}
}

func TestProvider_DoubleInitialize(t *testing.T) {
	p := newTestProvider(t)
	err := p.Initialize(context.Background(), testConfig(t))
	if !errors.Is(err, polybase.ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestProvider_InvalidSessionTTL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Options[OptSessionTTL] = "soon"
	p := New()
	err := p.Initialize(context.Background(), cfg)
	if !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
	// A failed Initialize leaves the provider reusable.
	cfg.Options[OptSessionTTL] = "1h"
	if err := p.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Second Initialize failed: %v", err)
	}
	_ = p.Shutdown(context.Background())
}

func TestProvider_ShutdownIdempotent(t *testing.T) {
	p := New()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Initialize should be a no-op, got %v", err)
	}
	if err := p.Initialize(context.Background(), testConfig(t)); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
}

func TestProvider_DataSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	p := New()
	if err := p.Initialize(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	doc, err := p.Database().Create(ctx, "users", polybase.Fields{"name": "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	session, err := p.Auth().SignUp(ctx, "ada@example.com", "secret1", "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	p2 := New()
	if err := p2.Initialize(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	defer p2.Shutdown(ctx)

	got, err := p2.Database().Get(ctx, "users", doc.ID)
	if err != nil {
		t.Fatalf("Document lost across restart: %v", err)
	}
	if got.Fields["name"] != "Ada" {
		t.Errorf("Expected name Ada, got %v", got.Fields["name"])
	}
	// The generated signing secret is persisted, so old tokens stay valid.
	if _, err := p2.Auth().VerifyToken(ctx, session.Token); err != nil {
		t.Errorf("Token should survive restart: %v", err)
	}
	if info, err := os.Stat(filepath.Join(cfg.Options[polybase.OptDatabasePath], secretFile)); err != nil {
		t.Errorf("Secret file missing: %v", err)
	} else if info.Mode().Perm() != 0600 {
		t.Errorf("Expected secret mode 0600, got %v", info.Mode().Perm())
	}
}

func TestFactory(t *testing.T) {
	p, err := Factory()()
	if err != nil {
		t.Fatal(err)
	}
	if p.Type() != polybase.ProviderLocal {
		t.Errorf("Expected local type, got %s", p.Type())
	}
}
