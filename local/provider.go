// Package local is the embedded reference provider: a JSONL document store, a
// filesystem blob store, bcrypt/JWT auth, an in-process realtime hub and a function
// runner. It is the correctness baseline the cloud providers are measured against.
package local

import (
	"context"
	"path/filepath"
	"time"

	"github.com/adrianmcphee/polybase"
)

// Option keys specific to the local provider.
const (
	OptSessionTTL        = "sessionTTL"
	OptBcryptCost        = "bcryptCost"
	OptMinPasswordLength = "minPasswordLength"
)

// Component names.
const (
	nameAuth          = "auth"
	nameDatabase      = "database"
	nameStorage       = "storage"
	nameRealtime      = "realtime"
	nameFunctions     = "functions"
	nameNotifications = "notifications"
	nameDeployment    = "deployment"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger shared by every sub-provider.
func WithLogger(l polybase.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics sink shared by every sub-provider.
func WithMetrics(m polybase.Metrics) Option {
	return func(p *Provider) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithHandler makes h deployable under the "go" runtime as FunctionSpec.Handler == name.
func WithHandler(name string, h Handler) Option {
	return func(p *Provider) {
		if p.handlers == nil {
			p.handlers = make(map[string]Handler)
		}
		p.handlers[name] = h
	}
}

// WithRealtimeAddr serves the websocket endpoint on addr (for example "127.0.0.1:0"),
// overriding the realtimePort option.
func WithRealtimeAddr(addr string) Option {
	return func(p *Provider) { p.realtimeAddr = addr }
}

// Provider implements polybase.Provider on the local filesystem.
type Provider struct {
	logger       polybase.Logger
	metrics      polybase.Metrics
	realtimeAddr string
	handlers     map[string]Handler

	lifecycle *polybase.Lifecycle
	cfg       polybase.ProviderConfig

	auth          *Auth
	database      *Database
	storage       *polybase.BlobStorage
	realtime      *Realtime
	functions     *Functions
	notifications *Notifications
	deployment    *Deployment
}

// New creates an uninitialized provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		logger:  &polybase.NoOpLogger{},
		metrics: &polybase.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lifecycle = polybase.NewLifecycle(string(polybase.ProviderLocal), p.logger)
	return p
}

// Factory returns a registry factory building providers with opts.
func Factory(opts ...Option) polybase.Factory {
	return func() (polybase.Provider, error) {
		return New(opts...), nil
	}
}

func (p *Provider) Type() polybase.ProviderType { return polybase.ProviderLocal }

// Initialize constructs and starts every sub-provider. Paths default to
// <dataDir>/<projectId>/{db,storage,functions}.
func (p *Provider) Initialize(ctx context.Context, cfg polybase.ProviderConfig) error {
	if err := p.lifecycle.Begin(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	if cfg.Options == nil {
		cfg.Options = map[string]string{}
	}
	base := filepath.Join(polybase.DefaultDataDir, cfg.ProjectID)
	dbPath := cfg.Option(polybase.OptDatabasePath, filepath.Join(base, "db"))
	storagePath := cfg.Option(polybase.OptStoragePath, filepath.Join(base, "storage"))
	functionsPath := cfg.Option(polybase.OptFunctionsPath, filepath.Join(base, "functions"))

	sessionTTL := polybase.DefaultSessionTTL
	if v := cfg.Option(OptSessionTTL, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			p.lifecycle.Abort()
			return polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
				"field": OptSessionTTL,
				"value": v,
			})
		}
		sessionTTL = d
	}

	addr := p.realtimeAddr
	if addr == "" {
		if port := cfg.IntOption(polybase.OptRealtimePort, 0); port > 0 {
			addr = ":" + cfg.Option(polybase.OptRealtimePort, "")
		}
	}

	log := polybase.With(p.logger, "provider", polybase.ProviderLocal, "project", cfg.ProjectID)

	p.cfg = cfg
	p.database = newDatabase(dbPath, polybase.With(log, "component", nameDatabase), p.metrics)
	p.storage = polybase.NewBlobStorage("local", polybase.NewFilesystemBackend(storagePath),
		polybase.WithBlobLogger(polybase.With(log, "component", nameStorage)),
		polybase.WithBlobMetrics(p.metrics),
		polybase.WithReservedPrefix(polybase.ReservedPrefix),
	)
	p.auth = newAuth(p.database, authConfig{
		secret:      cfg.Credential(polybase.CredJWTSecret),
		secretDir:   dbPath,
		issuer:      "polybase-local:" + cfg.ProjectID,
		ttl:         sessionTTL,
		bcryptCost:  cfg.IntOption(OptBcryptCost, 0),
		minPassword: cfg.IntOption(OptMinPasswordLength, 0),
	}, polybase.With(log, "component", nameAuth))
	p.realtime = newRealtime(addr, polybase.With(log, "component", nameRealtime), p.metrics)
	p.functions = newFunctions(functionsPath, p.handlers, polybase.With(log, "component", nameFunctions), p.metrics)
	p.notifications = newNotifications(p.database, p.realtime, polybase.With(log, "component", nameNotifications))
	p.deployment = newDeployment(p.database, p.storage.System(), storagePath, polybase.With(log, "component", nameDeployment))

	return p.lifecycle.Start(ctx,
		p.database,
		p.storage,
		p.auth,
		p.realtime,
		p.functions,
		p.notifications,
		p.deployment,
	)
}

// Shutdown stops every sub-provider. It is a no-op when not initialized.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

func (p *Provider) HealthCheck(ctx context.Context) polybase.HealthReport {
	return p.lifecycle.Health(ctx)
}

func (p *Provider) Auth() polybase.AuthProvider {
	if p.auth == nil {
		return nil
	}
	return p.auth
}

func (p *Provider) Database() polybase.DatabaseProvider {
	if p.database == nil {
		return nil
	}
	return p.database
}

func (p *Provider) Storage() polybase.StorageProvider {
	if p.storage == nil {
		return nil
	}
	return p.storage
}

func (p *Provider) Realtime() polybase.RealtimeProvider {
	if p.realtime == nil {
		return nil
	}
	return p.realtime
}

func (p *Provider) Functions() polybase.FunctionsProvider {
	if p.functions == nil {
		return nil
	}
	return p.functions
}

func (p *Provider) Notifications() polybase.NotificationsProvider {
	if p.notifications == nil {
		return nil
	}
	return p.notifications
}

func (p *Provider) Deployment() polybase.DeploymentProvider {
	if p.deployment == nil {
		return nil
	}
	return p.deployment
}

// RealtimeAddr returns the websocket listener address, or "" when disabled.
func (p *Provider) RealtimeAddr() string {
	if p.realtime == nil {
		return ""
	}
	return p.realtime.Addr()
}

var _ polybase.Provider = (*Provider)(nil)
