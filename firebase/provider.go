// Package firebase implements the provider contract on Firebase: Firebase Auth,
// Cloud Firestore, Cloud Storage, Cloud Functions and Cloud Messaging.
//
// With the useEmulator option the SDKs are pointed at the local Firebase emulator
// suite on emulatorHost (Firestore 8080, Auth 9099, Storage 9199, Functions 5001).
package firebase

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	fb "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/adrianmcphee/polybase"
)

const (
	defaultFunctionsRegion = "us-central1"

	firestoreEmulatorPort = "8080"
	authEmulatorPort      = "9099"
	storageEmulatorPort   = "9199"
	functionsEmulatorPort = "5001"

	breakerFailures = 5
	breakerReset    = 30 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

func WithLogger(l polybase.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m polybase.Metrics) Option {
	return func(p *Provider) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithClientOptions appends Google API client options to every SDK client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) { p.clientOpts = append(p.clientOpts, opts...) }
}

// Provider implements polybase.Provider on Firebase.
type Provider struct {
	logger     polybase.Logger
	metrics    polybase.Metrics
	clientOpts []option.ClientOption

	lifecycle *polybase.Lifecycle
	breaker   *polybase.CircuitBreaker

	auth          *Auth
	database      *Database
	storage       *polybase.BlobStorage
	realtime      *Realtime
	functions     *Functions
	notifications *Notifications
}

func New(opts ...Option) *Provider {
	p := &Provider{
		logger:  &polybase.NoOpLogger{},
		metrics: &polybase.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lifecycle = polybase.NewLifecycle(string(polybase.ProviderFirebase), p.logger)
	return p
}

// Factory returns a registry factory building providers with opts.
func Factory(opts ...Option) polybase.Factory {
	return func() (polybase.Provider, error) {
		return New(opts...), nil
	}
}

func (p *Provider) Type() polybase.ProviderType { return polybase.ProviderFirebase }

// settings is the resolved Firebase configuration of one project.
type settings struct {
	projectID    string
	bucket       string
	databaseURL  string
	apiKey       string
	region       string
	useEmulator  bool
	emulatorHost string
	credFile     string
	credJSON     string
}

func resolveSettings(cfg polybase.ProviderConfig) (settings, error) {
	s := settings{
		projectID:    cfg.Option(polybase.OptFirebaseProjectID, cfg.ProjectID),
		databaseURL:  cfg.Option(polybase.OptDatabaseURL, ""),
		apiKey:       cfg.Option(polybase.OptAPIKey, ""),
		region:       cfg.Region,
		useEmulator:  cfg.BoolOption(polybase.OptUseEmulator, false),
		emulatorHost: cfg.Option(polybase.OptEmulatorHost, polybase.DefaultEmulatorHost),
		credFile:     cfg.Credential(polybase.CredCredentialsFile),
		credJSON:     cfg.Credential(polybase.CredCredentialsJSON),
	}
	if s.projectID == "" {
		return settings{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  polybase.OptFirebaseProjectID,
			"reason": "firebase provider requires a project id",
		})
	}
	if s.region == "" || s.region == polybase.DefaultRegion {
		s.region = defaultFunctionsRegion
	}
	s.bucket = cfg.Option(polybase.OptStorageBucket, s.projectID+".appspot.com")
	return s, nil
}

func (s settings) emulator(port string) string {
	return s.emulatorHost + ":" + port
}

func (s settings) emulatorOptions() []option.ClientOption {
	if s.useEmulator {
		return []option.ClientOption{option.WithoutAuthentication()}
	}
	return nil
}

// clientOptions returns credential options; the emulator needs none.
func (s settings) clientOptions() []option.ClientOption {
	switch {
	case s.useEmulator:
		return []option.ClientOption{option.WithoutAuthentication()}
	case s.credFile != "":
		return []option.ClientOption{option.WithCredentialsFile(s.credFile)}
	case s.credJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(s.credJSON))}
	}
	return nil
}

// pointAtEmulator sets the emulator variables the Google SDKs read. Values already
// present in the environment win.
func (s settings) pointAtEmulator() {
	for env, v := range map[string]string{
		"FIRESTORE_EMULATOR_HOST":     s.emulator(firestoreEmulatorPort),
		"FIREBASE_AUTH_EMULATOR_HOST": s.emulator(authEmulatorPort),
		"STORAGE_EMULATOR_HOST":       "http://" + s.emulator(storageEmulatorPort),
	} {
		if os.Getenv(env) == "" {
			_ = os.Setenv(env, v)
		}
	}
}

// Initialize builds the Firebase app and SDK clients, then starts every sub-provider.
func (p *Provider) Initialize(ctx context.Context, cfg polybase.ProviderConfig) error {
	if err := p.lifecycle.Begin(); err != nil {
		return err
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		p.lifecycle.Abort()
		return err
	}
	if s.useEmulator {
		s.pointAtEmulator()
	}

	log := polybase.With(p.logger, "provider", polybase.ProviderFirebase, "project", cfg.ProjectID)
	opts := append(s.clientOptions(), p.clientOpts...)

	app, err := fb.NewApp(ctx, &fb.Config{
		ProjectID:     s.projectID,
		StorageBucket: s.bucket,
		DatabaseURL:   s.databaseURL,
	}, opts...)
	if err != nil {
		p.lifecycle.Abort()
		return initError("app", err)
	}

	var (
		authClient *auth.Client
		msgClient  *messaging.Client
		fsClient   *firestore.Client
	)
	closeAll := func() {
		if fsClient != nil {
			_ = fsClient.Close()
		}
	}
	if authClient, err = app.Auth(ctx); err != nil {
		p.lifecycle.Abort()
		return initError("auth", err)
	}
	if fsClient, err = app.Firestore(ctx); err != nil {
		p.lifecycle.Abort()
		return initError("firestore", err)
	}
	if msgClient, err = app.Messaging(ctx); err != nil {
		closeAll()
		p.lifecycle.Abort()
		return initError("messaging", err)
	}
	gcs, err := polybase.NewGCSBackend(ctx, polybase.GCSConfig{
		ProjectID:       s.projectID,
		Bucket:          s.bucket,
		CredentialsFile: s.credFile,
		CredentialsJSON: []byte(s.credJSON),
		Options:         append(s.emulatorOptions(), p.clientOpts...),
	})
	if err != nil {
		closeAll()
		p.lifecycle.Abort()
		return initError("storage", err)
	}

	p.breaker = polybase.NewCircuitBreaker("firebase:"+cfg.ProjectID, breakerFailures, breakerReset).
		WithMetrics(p.metrics).
		WithStateChangeCallback(func(name string, from, to polybase.CircuitState) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
		})

	identity, err := newIdentityClient(ctx, s, p.clientOpts)
	if err != nil {
		closeAll()
		_ = gcs.Close()
		p.lifecycle.Abort()
		return initError("identitytoolkit", err)
	}

	p.auth = newAuth(authClient, identity, p.breaker, polybase.With(log, "component", "auth"))
	p.database = newDatabase(fsClient, p.breaker, polybase.With(log, "component", "database"), p.metrics)
	p.storage = polybase.NewBlobStorage("gcs", gcs,
		polybase.WithBlobBreaker(p.breaker),
		polybase.WithBlobLogger(polybase.With(log, "component", "storage")),
		polybase.WithReservedPrefix(polybase.ReservedPrefix),
		polybase.WithBlobMetrics(p.metrics),
	)
	p.realtime = newRealtime(fsClient, polybase.With(log, "component", "realtime"), p.metrics)
	p.functions = newFunctions(fsClient, p.storage.System(), s.functionsBaseURL(), p.breaker, polybase.With(log, "component", "functions"), p.metrics)
	p.notifications = newNotifications(msgClient, p.breaker, polybase.With(log, "component", "notifications"))

	// Storage owns closing the GCS client and the database owns the Firestore client.
	return p.lifecycle.Start(ctx,
		p.auth,
		p.database,
		p.storage,
		p.realtime,
		p.functions,
		p.notifications,
	)
}

// functionsBaseURL is the HTTPS trigger prefix for deployed functions.
func (s settings) functionsBaseURL() string {
	if s.useEmulator {
		return fmt.Sprintf("http://%s/%s/%s", s.emulator(functionsEmulatorPort), s.projectID, s.region)
	}
	return fmt.Sprintf("https://%s-%s.cloudfunctions.net", s.region, s.projectID)
}

func initError(client string, err error) error {
	return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInitialization, err), map[string]interface{}{
		"provider": polybase.ProviderFirebase,
		"client":   client,
	})
}

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

// Deployment is nil: Firebase Hosting has no admin SDK.
func (p *Provider) Deployment() polybase.DeploymentProvider { return nil }

var _ polybase.Provider = (*Provider)(nil)
