package polybase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Factory constructs an uninitialized provider. The registry calls Initialize on it.
type Factory func() (Provider, error)

// Registry creates, caches and tears down providers keyed by (type, project).
//
// The cache only ever holds providers whose Initialize succeeded. Concurrent first
// calls for one key share a single initialization. The cache is process-local.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderType]Factory
	providers map[string]Provider
	epoch     uint64

	group       singleflight.Group
	resolver    *ConfigResolver
	logger      Logger
	metrics     Metrics
	initTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l Logger) RegistryOption {
	return func(r *Registry) { r.logger = orNoOp(l) }
}

// WithRegistryMetrics sets the metrics sink.
func WithRegistryMetrics(m Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = orNoOpMetrics(m) }
}

// WithConfigResolver sets the resolver used by ProviderConfig.
func WithConfigResolver(c *ConfigResolver) RegistryOption {
	return func(r *Registry) { r.resolver = c }
}

// WithInitTimeout bounds a single provider initialization.
func WithInitTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.initTimeout = d }
}

// NewRegistry creates an empty registry with no factories.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories:   make(map[ProviderType]Factory),
		providers:   make(map[string]Provider),
		logger:      &NoOpLogger{},
		metrics:     &NoOpMetrics{},
		initTimeout: DefaultInitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.resolver == nil {
		r.resolver = NewConfigResolver(nil)
	}
	return r
}

// Register binds a factory to a provider type, replacing any previous one.
func (r *Registry) Register(t ProviderType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Types returns registered provider types in declaration order.
func (r *Registry) Types() []ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ProviderType
	for _, t := range KnownProviders {
		if _, ok := r.factories[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Resolver returns the config resolver.
func (r *Registry) Resolver() *ConfigResolver {
	return r.resolver
}

// ProviderConfig resolves the effective config for a project.
func (r *Registry) ProviderConfig(projectID string) (ProviderConfig, error) {
	return r.resolver.Resolve(projectID)
}

// GetProvider returns the cached provider for cfg's key, initializing it on first use.
//
// Each caller waits on its own ctx; the shared initialization is detached from any
// single caller's cancellation and bounded by the registry init timeout instead.
func (r *Registry) GetProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.Key()

	if p, ok := r.cached(key); ok {
		r.metrics.Increment(MetricRegistryHits, "provider", string(cfg.Type))
		return p, nil
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, WithContext(ErrUnknownProvider, map[string]interface{}{
			"type": cfg.Type,
			"key":  key,
		})
	}

	r.metrics.Increment(MetricRegistryMisses, "provider", string(cfg.Type))
	cfg = cfg.Clone()
	initCtx := context.WithoutCancel(ctx)

	ch := r.group.DoChan(key, func() (interface{}, error) {
		if p, ok := r.cached(key); ok {
			return p, nil
		}
		return r.initialize(initCtx, key, factory, cfg)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Provider), nil
	case <-ctx.Done():
		return nil, WithContext(ctx.Err(), map[string]interface{}{
			"key":    key,
			"reason": "caller gave up waiting for provider initialization",
		})
	}
}

func (r *Registry) cached(key string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	return p, ok
}

func (r *Registry) initialize(ctx context.Context, key string, factory Factory, cfg ProviderConfig) (Provider, error) {
	r.mu.RLock()
	epoch := r.epoch
	r.mu.RUnlock()

	log := With(r.logger, "key", key)
	log.Info("Initializing provider")
	start := time.Now()

	p, err := factory()
	if err != nil {
		r.metrics.Increment(MetricProviderInitFail, "provider", string(cfg.Type))
		return nil, WithContext(fmt.Errorf("%w: construct: %w", ErrInitialization, err), map[string]interface{}{
			"key": key,
		})
	}

	if r.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.initTimeout)
		defer cancel()
	}

	if err := p.Initialize(ctx, cfg); err != nil {
		r.metrics.Increment(MetricProviderInitFail, "provider", string(cfg.Type))
		log.Error("Provider initialization failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	r.mu.Lock()
	if r.epoch != epoch {
		// A shutdown ran while we were initializing; do not resurrect the cache.
		r.mu.Unlock()
		log.Warn("Registry shut down during initialization, discarding provider")
		_ = p.Shutdown(ctx)
		return nil, WithContext(ErrNotInitialized, map[string]interface{}{
			"key":    key,
			"reason": "registry shut down during initialization",
		})
	}
	r.providers[key] = p
	cached := len(r.providers)
	r.mu.Unlock()

	r.metrics.Increment(MetricProviderInit, "provider", string(cfg.Type))
	r.metrics.Timing(MetricProviderInitTime, time.Since(start), "provider", string(cfg.Type))
	r.metrics.Gauge(MetricProvidersCached, float64(cached))
	log.Info("Provider initialized", "duration", time.Since(start))
	return p, nil
}

// Remove shuts down and evicts one provider. Missing keys are a no-op.
func (r *Registry) Remove(ctx context.Context, t ProviderType, projectID string) error {
	key := RegistryKey(t, projectID)
	r.mu.Lock()
	p, ok := r.providers[key]
	delete(r.providers, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Shutdown(ctx)
}

// ShutdownProviders shuts every cached provider down concurrently.
// Individual failures are logged; the cache is cleared regardless.
func (r *Registry) ShutdownProviders(ctx context.Context) {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]Provider)
	r.epoch++
	r.mu.Unlock()

	r.logger.Info("Shutting down providers", "count", len(providers))

	var wg sync.WaitGroup
	for key, p := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Provider shutdown panicked", "key", key, "panic", rec)
				}
			}()
			if err := p.Shutdown(ctx); err != nil {
				r.logger.Error("Provider shutdown failed", "key", key, "error", err)
				return
			}
			r.metrics.Increment(MetricProviderShutdown, "provider", string(p.Type()))
		}()
	}
	wg.Wait()

	r.metrics.Gauge(MetricProvidersCached, 0)
	r.logger.Info("Providers shut down")
}

// ProvidersHealth checks every cached provider concurrently, keyed by registry key.
// Errors and panics become unhealthy entries; nothing propagates to the caller.
func (r *Registry) ProvidersHealth(ctx context.Context) map[string]HealthReport {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for k, p := range r.providers {
		snapshot[k] = p
	}
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]HealthReport, len(snapshot))
	)
	for key, p := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report := providerHealth(ctx, p)
			healthy := 0.0
			if report.Healthy() {
				healthy = 1
			}
			r.metrics.Gauge(MetricProviderHealthy, healthy, "provider", key)

			mu.Lock()
			out[key] = report
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// AggregateHealth folds per-provider reports into one report keyed by registry key.
func AggregateHealth(reports map[string]HealthReport) HealthReport {
	agg := HealthReport{
		Status:    StatusHealthy,
		Details:   make(map[string]ComponentHealth, len(reports)),
		CheckedAt: time.Now(),
	}
	for key, rep := range reports {
		entry := ComponentHealth{Status: rep.Status}
		if !rep.Healthy() {
			agg.Status = StatusUnhealthy
			entry.Error = rep.Message
			for name, d := range rep.Details {
				if d.Status != StatusHealthy {
					entry.Error = fmt.Sprintf("%s: %s", name, d.Error)
					break
				}
			}
		}
		agg.Details[key] = entry
	}
	return agg
}

func providerHealth(ctx context.Context, p Provider) (report HealthReport) {
	defer func() {
		if rec := recover(); rec != nil {
			report = Unhealthy(fmt.Sprintf("health check panicked: %v", rec))
		}
	}()
	return p.HealthCheck(ctx)
}
