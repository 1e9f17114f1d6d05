package polybase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/goleak"
)

// fakeProvider counts lifecycle calls. Sub-providers are all nil.
type fakeProvider struct {
	typ       ProviderType
	initDelay time.Duration
	initErr   error
	health    HealthReport
	panics    bool

	inits     atomic.Int32
	shutdowns atomic.Int32
}

func (p *fakeProvider) Type() ProviderType { return p.typ }
func (p *fakeProvider) Initialize(ctx context.Context, cfg ProviderConfig) error {
	p.inits.Add(1)
	if p.initDelay > 0 {
		select {
		case <-time.After(p.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.initErr
}
func (p *fakeProvider) Shutdown(ctx context.Context) error {
	p.shutdowns.Add(1)
	return nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) HealthReport {
	if p.panics {
		panic("health probe exploded")
	}
	return p.health
}
func (p *fakeProvider) Auth() AuthProvider                   { return nil }
func (p *fakeProvider) Database() DatabaseProvider           { return nil }
func (p *fakeProvider) Storage() StorageProvider             { return nil }
func (p *fakeProvider) Realtime() RealtimeProvider           { return nil }
func (p *fakeProvider) Functions() FunctionsProvider         { return nil }
func (p *fakeProvider) Notifications() NotificationsProvider { return nil }
func (p *fakeProvider) Deployment() DeploymentProvider       { return nil }

func newFakeRegistry(t *testing.T, p *fakeProvider, opts ...RegistryOption) *Registry {
	t.Helper()
	v := viper.New()
	v.Set("local.data_dir", t.TempDir())
	opts = append([]RegistryOption{WithConfigResolver(NewConfigResolver(v))}, opts...)
	reg := NewRegistry(opts...)
	reg.Register(p.typ, func() (Provider, error) { return p, nil })
	return reg
}

func localConfig(project string) ProviderConfig {
	return ProviderConfig{Type: ProviderLocal, ProjectID: project}
}

func TestRegistry_CachesByKey(t *testing.T) {
	p := &fakeProvider{typ: ProviderLocal, health: HealthReport{Status: StatusHealthy}}
	metrics := NewInMemoryMetrics()
	reg := newFakeRegistry(t, p, WithRegistryMetrics(metrics))
	ctx := context.Background()

	first, err := reg.GetProvider(ctx, localConfig("app"))
	if err != nil {
		t.Fatal(err)
	}
	second, _ := reg.GetProvider(ctx, localConfig("app"))
	if first != second || p.inits.Load() != 1 {
		t.Errorf("expected one cached instance, inits=%d", p.inits.Load())
	}
	if metrics.Counter(MetricRegistryHits) != 1 || metrics.Counter(MetricRegistryMisses) != 1 {
		t.Errorf("hits=%d misses=%d", metrics.Counter(MetricRegistryHits), metrics.Counter(MetricRegistryMisses))
	}
	if metrics.GaugeValue(MetricProvidersCached) != 1 {
		t.Errorf("cached gauge = %v", metrics.GaugeValue(MetricProvidersCached))
	}
}

func TestRegistry_SingleFlight(t *testing.T) {
	p := &fakeProvider{typ: ProviderLocal, initDelay: 50 * time.Millisecond}
	reg := newFakeRegistry(t, p)

	var wg sync.WaitGroup
	results := make([]Provider, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = reg.GetProvider(context.Background(), localConfig("app"))
		}()
	}
	wg.Wait()
	if p.inits.Load() != 1 {
		t.Errorf("concurrent first calls should share one Initialize, got %d", p.inits.Load())
	}
	for _, r := range results {
		if r != results[0] || r == nil {
			t.Fatal("callers observed different providers")
		}
	}
}

func TestRegistry_FailedInitNotCached(t *testing.T) {
	p := &fakeProvider{typ: ProviderLocal, initErr: ErrBackendUnavailable}
	metrics := NewInMemoryMetrics()
	reg := newFakeRegistry(t, p, WithRegistryMetrics(metrics))

	if _, err := reg.GetProvider(context.Background(), localConfig("app")); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected the init error, got %v", err)
	}
	p.initErr = nil
	if _, err := reg.GetProvider(context.Background(), localConfig("app")); err != nil {
		t.Fatalf("retry after failure should initialize again: %v", err)
	}
	if p.inits.Load() != 2 || metrics.Counter(MetricProviderInitFail) != 1 {
		t.Errorf("inits=%d failures=%d", p.inits.Load(), metrics.Counter(MetricProviderInitFail))
	}
}

func TestRegistry_CallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := &fakeProvider{typ: ProviderLocal, initDelay: 100 * time.Millisecond}
	reg := newFakeRegistry(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := reg.GetProvider(ctx, localConfig("app")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}
	// The shared initialization keeps running and lands in the cache.
	if _, err := reg.GetProvider(context.Background(), localConfig("app")); err != nil {
		t.Fatal(err)
	}
	if p.inits.Load() != 1 {
		t.Errorf("expected the detached initialization to be reused, got %d", p.inits.Load())
	}
	reg.ShutdownProviders(context.Background())
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.GetProvider(context.Background(), localConfig("app")); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unregistered type: expected ErrUnknownProvider, got %v", err)
	}
	if _, err := reg.GetProvider(context.Background(), ProviderConfig{Type: ProviderLocal}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing project: expected ErrInvalidConfig, got %v", err)
	}
	reg.Register(ProviderLocal, func() (Provider, error) { return nil, errors.New("no disk") })
	if _, err := reg.GetProvider(context.Background(), localConfig("app")); !errors.Is(err, ErrInitialization) {
		t.Errorf("factory failure: expected ErrInitialization, got %v", err)
	}
}

func TestRegistry_ShutdownAndRemove(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := &fakeProvider{typ: ProviderLocal}
	reg := newFakeRegistry(t, p)
	ctx := context.Background()
	_, _ = reg.GetProvider(ctx, localConfig("a"))
	_, _ = reg.GetProvider(ctx, localConfig("b"))

	if err := reg.Remove(ctx, ProviderLocal, "a"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(ctx, ProviderLocal, "missing"); err != nil {
		t.Errorf("removing a missing key is a no-op, got %v", err)
	}
	reg.ShutdownProviders(ctx)
	if p.shutdowns.Load() != 2 {
		t.Errorf("expected 2 shutdowns, got %d", p.shutdowns.Load())
	}
	if len(reg.ProvidersHealth(ctx)) != 0 {
		t.Error("cache should be empty after shutdown")
	}
}

func TestRegistry_ProvidersHealth(t *testing.T) {
	healthy := &fakeProvider{typ: ProviderLocal, health: HealthReport{Status: StatusHealthy}}
	broken := &fakeProvider{typ: ProviderFirebase, panics: true}
	reg := newFakeRegistry(t, healthy)
	reg.Register(ProviderFirebase, func() (Provider, error) { return broken, nil })
	ctx := context.Background()

	_, _ = reg.GetProvider(ctx, localConfig("app"))
	_, err := reg.GetProvider(ctx, ProviderConfig{Type: ProviderFirebase, ProjectID: "app", Options: map[string]string{OptUseEmulator: "true"}})
	if err != nil {
		t.Fatal(err)
	}

	reports := reg.ProvidersHealth(ctx)
	if !reports["local:app"].Healthy() || reports["firebase:app"].Healthy() {
		t.Fatalf("unexpected reports %+v", reports)
	}
	agg := AggregateHealth(reports)
	if agg.Healthy() || agg.Details["firebase:app"].Error == "" {
		t.Errorf("aggregate should surface the panic: %+v", agg)
	}
}

func TestRegistry_TypesAndProviderConfig(t *testing.T) {
	reg := newFakeRegistry(t, &fakeProvider{typ: ProviderAWS})
	reg.Register(ProviderLocal, func() (Provider, error) { return &fakeProvider{typ: ProviderLocal}, nil })
	types := reg.Types()
	if len(types) != 2 || types[0] != ProviderLocal || types[1] != ProviderAWS {
		t.Errorf("Types = %v", types)
	}
	cfg, err := reg.ProviderConfig("app")
	if err != nil || cfg.Type != ProviderLocal || cfg.Key() != "local:app" {
		t.Errorf("ProviderConfig = %+v, %v", cfg, err)
	}
}
