package polybase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus is the coarse health of a provider or component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one entry of a HealthReport.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	LatencyMs int64        `json:"latencyMs"`
}

// HealthReport aggregates sub-provider health. Details is keyed by component name.
type HealthReport struct {
	Status    HealthStatus               `json:"status"`
	Message   string                     `json:"message,omitempty"`
	Details   map[string]ComponentHealth `json:"details,omitempty"`
	CheckedAt time.Time                  `json:"checkedAt"`
}

// Healthy reports whether the aggregate status is healthy.
func (r HealthReport) Healthy() bool {
	return r.Status == StatusHealthy
}

// Unhealthy builds a report carrying only a message.
func Unhealthy(msg string) HealthReport {
	return HealthReport{Status: StatusUnhealthy, Message: msg, CheckedAt: time.Now()}
}

// Lifecycle runs initialize/shutdown/health for a provider's components.
//
// Start is fail-fast: the first start error cancels the remaining starts, and every
// component that already started is stopped before the error is returned.
// Stop and Health are settle-all.
type Lifecycle struct {
	name   string
	logger Logger

	mu         sync.Mutex
	state      lifecycleState
	components []Component
}

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateStarting
	stateRunning
)

// NewLifecycle creates a lifecycle for the named provider.
func NewLifecycle(name string, logger Logger) *Lifecycle {
	return &Lifecycle{name: name, logger: orNoOp(logger)}
}

// Initialized reports whether Start completed and Stop has not run since.
func (l *Lifecycle) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}

// Begin reserves initialization; it fails if the provider is initialized or initializing.
// Providers call it before constructing components so a second Initialize has no side effects.
func (l *Lifecycle) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateIdle {
		return WithContext(ErrAlreadyInitialized, map[string]interface{}{
			"provider": l.name,
		})
	}
	l.state = stateStarting
	return nil
}

// Abort releases a reservation taken by Begin when construction fails before Start.
func (l *Lifecycle) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateStarting {
		l.state = stateIdle
	}
}

// Start starts all components concurrently and marks the lifecycle initialized on success.
// It reserves initialization itself when Begin was not called.
func (l *Lifecycle) Start(ctx context.Context, components ...Component) error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state == stateIdle {
		if err := l.Begin(); err != nil {
			return err
		}
	} else if state == stateRunning {
		return WithContext(ErrAlreadyInitialized, map[string]interface{}{
			"provider": l.name,
		})
	}

	l.logger.Info("Starting provider components", "provider", l.name, "count", len(components))

	started := make([]atomic.Bool, len(components))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range components {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("component %s panicked during start: %v", c.Name(), r)
				}
			}()
			if err := c.Start(gctx); err != nil {
				return fmt.Errorf("start %s: %w", c.Name(), err)
			}
			started[i].Store(true)
			l.logger.Debug("Component started", "provider", l.name, "component", c.Name())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var running []Component
		for i, c := range components {
			if started[i].Load() {
				running = append(running, c)
			}
		}
		l.logger.Error("Provider start failed, stopping started components",
			"provider", l.name, "error", err, "started", len(running))
		l.stopAll(context.WithoutCancel(ctx), running)
		l.Abort()

		return WithContext(fmt.Errorf("%w: %w", ErrInitialization, err), map[string]interface{}{
			"provider": l.name,
		})
	}

	l.mu.Lock()
	l.components = components
	l.state = stateRunning
	l.mu.Unlock()

	l.logger.Info("Provider started", "provider", l.name)
	return nil
}

// Stop stops every component concurrently. Failures are logged, not returned.
// It is a no-op when not initialized.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stateRunning {
		l.mu.Unlock()
		return nil
	}
	components := l.components
	l.components = nil
	l.state = stateIdle
	l.mu.Unlock()

	l.logger.Info("Stopping provider components", "provider", l.name, "count", len(components))
	l.stopAll(ctx, components)
	return nil
}

func (l *Lifecycle) stopAll(ctx context.Context, components []Component) {
	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Component panicked during stop",
						"provider", l.name, "component", c.Name(), "panic", r)
				}
			}()
			if err := c.Stop(ctx); err != nil {
				l.logger.Warn("Component stop failed",
					"provider", l.name, "component", c.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// Health checks every component concurrently and never short-circuits.
func (l *Lifecycle) Health(ctx context.Context) HealthReport {
	l.mu.Lock()
	if l.state != stateRunning {
		l.mu.Unlock()
		return Unhealthy(fmt.Sprintf("%s provider not initialized", l.name))
	}
	components := l.components
	l.mu.Unlock()

	type entry struct {
		name   string
		health ComponentHealth
	}
	results := make([]entry, len(components))

	var wg sync.WaitGroup
	for i, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = entry{name: c.Name(), health: checkComponent(ctx, c)}
		}()
	}
	wg.Wait()

	report := HealthReport{
		Status:    StatusHealthy,
		Details:   make(map[string]ComponentHealth, len(results)),
		CheckedAt: time.Now(),
	}
	for _, r := range results {
		report.Details[r.name] = r.health
		if r.health.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

// checkComponent converts errors and panics into an unhealthy entry.
func checkComponent(ctx context.Context, c Component) (h ComponentHealth) {
	start := time.Now()
	defer func() {
		h.LatencyMs = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			h.Status = StatusUnhealthy
			h.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := c.Health(ctx); err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusHealthy}
}
