// Package awsprovider implements the provider contract on AWS: Cognito user pools,
// DynamoDB, S3, Lambda and SNS, with Redis pub/sub as the realtime fabric.
//
// With the useLocalStack option every client is pointed at localStackEndpoint and
// S3 uses path-style addressing. Missing tables and buckets are created on start.
package awsprovider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/polybase"
)

const (
	defaultPrefix             = "polybase-"
	defaultLocalStackEndpoint = "http://localhost:4566"

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

// WithRedisClient makes the realtime fabric use rdb instead of dialing redisAddr.
// The provider does not close it.
func WithRedisClient(rdb *redis.Client) Option {
	return func(p *Provider) { p.redis = rdb }
}

// Provider implements polybase.Provider on AWS.
type Provider struct {
	logger  polybase.Logger
	metrics polybase.Metrics
	redis   *redis.Client

	lifecycle *polybase.Lifecycle
	breaker   *polybase.CircuitBreaker

	auth          *Auth
	database      *Database
	storage       *polybase.BlobStorage
	realtime      *Realtime
	functions     *Functions
	notifications *Notifications
	deployment    *Deployment
}

func New(opts ...Option) *Provider {
	p := &Provider{
		logger:  &polybase.NoOpLogger{},
		metrics: &polybase.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lifecycle = polybase.NewLifecycle(string(polybase.ProviderAWS), p.logger)
	return p
}

// Factory returns a registry factory building providers with opts.
func Factory(opts ...Option) polybase.Factory {
	return func() (polybase.Provider, error) {
		return New(opts...), nil
	}
}

func (p *Provider) Type() polybase.ProviderType { return polybase.ProviderAWS }

// settings is the resolved AWS configuration of one project.
type settings struct {
	region     string
	prefix     string
	endpoint   string
	accessKey  string
	secretKey  string
	userPoolID string
	clientID   string
	roleARN    string
}

func resolveSettings(cfg polybase.ProviderConfig) (settings, error) {
	s := settings{
		region:     cfg.Region,
		prefix:     cfg.Option(polybase.OptResourcePrefix, defaultPrefix),
		accessKey:  cfg.Credential(polybase.CredAccessKeyID),
		secretKey:  cfg.Credential(polybase.CredSecretAccessKey),
		userPoolID: cfg.Option(polybase.OptUserPoolID, ""),
		clientID:   cfg.Option(polybase.OptClientID, ""),
		roleARN:    cfg.Option(polybase.OptLambdaRoleARN, ""),
	}
	if s.region == "" {
		return settings{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  "Region",
			"reason": "aws provider requires a region",
		})
	}
	if cfg.BoolOption(polybase.OptUseLocalStack, false) {
		s.endpoint = strings.TrimRight(cfg.Option(polybase.OptLocalStackEndpoint, defaultLocalStackEndpoint), "/")
		if s.accessKey == "" {
			s.accessKey, s.secretKey = "test", "test"
		}
	}
	return s, nil
}

func (s settings) tableName() string  { return s.prefix + "documents" }
func (s settings) bucketName() string { return s.prefix + "storage" }

// objectURL is the public URL of a key in the storage bucket.
func (s settings) objectURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucketName(), key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucketName(), s.region, key)
}

func (s settings) loadConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.region)}
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, "")))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// minIOConfig addresses the LocalStack bucket path-style with static credentials.
func (s settings) minIOConfig() polybase.MinIOConfig {
	return polybase.MinIOConfig{
		Endpoint:        s.endpoint,
		AccessKeyID:     s.accessKey,
		SecretAccessKey: s.secretKey,
		Bucket:          s.bucketName(),
		Region:          s.region,
	}
}

// openBucket returns the storage bucket backend. LocalStack is S3-compatible
// storage like MinIO; the real service uses the loaded config.
func (s settings) openBucket(cfg aws.Config) (*polybase.S3Backend, error) {
	if s.endpoint != "" {
		return polybase.NewMinIOBackend(s.minIOConfig())
	}
	return polybase.NewS3Backend(s3.NewFromConfig(cfg), s.bucketName()), nil
}

// endpoint returns the LocalStack base endpoint, or nil for the real service.
func (s settings) baseEndpoint() *string {
	if s.endpoint == "" {
		return nil
	}
	return aws.String(s.endpoint)
}

// Initialize loads the AWS configuration, builds every client and starts the
// sub-providers.
func (p *Provider) Initialize(ctx context.Context, cfg polybase.ProviderConfig) error {
	if err := p.lifecycle.Begin(); err != nil {
		return err
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		p.lifecycle.Abort()
		return err
	}
	awsCfg, err := s.loadConfig(ctx)
	if err != nil {
		p.lifecycle.Abort()
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInitialization, err), map[string]interface{}{
			"provider": polybase.ProviderAWS,
		})
	}
	bucket, err := s.openBucket(awsCfg)
	if err != nil {
		p.lifecycle.Abort()
		return err
	}
	ep := s.baseEndpoint()

	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) { o.BaseEndpoint = ep })
	cip := cognitoidentityprovider.NewFromConfig(awsCfg, func(o *cognitoidentityprovider.Options) { o.BaseEndpoint = ep })
	lam := lambda.NewFromConfig(awsCfg, func(o *lambda.Options) { o.BaseEndpoint = ep })
	snc := sns.NewFromConfig(awsCfg, func(o *sns.Options) { o.BaseEndpoint = ep })

	rdb, ownRedis := p.redis, false
	if rdb == nil {
		rdb, ownRedis = redis.NewClient(polybase.RedisOptionsFor(cfg)), true
	}

	log := polybase.With(p.logger, "provider", polybase.ProviderAWS, "project", cfg.ProjectID)
	p.breaker = polybase.NewCircuitBreaker("aws:"+cfg.ProjectID, breakerFailures, breakerReset).
		WithMetrics(p.metrics).
		WithStateChangeCallback(func(name string, from, to polybase.CircuitState) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
		})

	p.database = newDatabase(ddb, s.tableName(), p.breaker, polybase.With(log, "component", "database"), p.metrics)
	p.storage = polybase.NewBlobStorage("s3", &bucketBackend{S3Backend: bucket, region: s.region},
		polybase.WithBlobBreaker(p.breaker),
		polybase.WithBlobLogger(polybase.With(log, "component", "storage")),
		polybase.WithReservedPrefix(polybase.ReservedPrefix),
		polybase.WithBlobMetrics(p.metrics),
	)
	p.auth = newAuth(cip, s.userPoolID, s.clientID, p.breaker, polybase.With(log, "component", "auth"))
	p.realtime = newRealtime(rdb, ownRedis, s.prefix, polybase.With(log, "component", "realtime"), p.metrics)
	p.functions = newFunctions(lam, p.database, p.storage.System(), s.prefix, s.roleARN, p.breaker, polybase.With(log, "component", "functions"), p.metrics)
	p.notifications = newNotifications(snc, s.prefix, p.breaker, polybase.With(log, "component", "notifications"))
	p.deployment = newDeployment(p.database, p.storage.System(), s.objectURL, polybase.With(log, "component", "deployment"))

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

// bucketBackend creates the bucket before the blob store starts using it.
type bucketBackend struct {
	*polybase.S3Backend
	region string
}

func (b *bucketBackend) Ping(ctx context.Context) error {
	if err := b.S3Backend.Ping(ctx); !polybase.IsNotFound(err) {
		return err
	}
	return b.EnsureBucket(ctx, b.region)
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

func (p *Provider) Deployment() polybase.DeploymentProvider {
	if p.deployment == nil {
		return nil
	}
	return p.deployment
}

var _ polybase.Provider = (*Provider)(nil)
