package polybase

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// OptFirebaseProjectID names the Google Cloud project behind a Firebase provider
// when it differs from the polybase project id.
const OptFirebaseProjectID = "firebaseProjectId"

// Environment bindings: viper key -> environment variable.
var envBindings = map[string]string{
	"default_provider":         "POLYBASE_DEFAULT_PROVIDER",
	"local.data_dir":           "POLYBASE_LOCAL_DATA_DIR",
	"local.database_path":      "POLYBASE_LOCAL_DATABASE_PATH",
	"local.storage_path":       "POLYBASE_LOCAL_STORAGE_PATH",
	"local.functions_path":     "POLYBASE_LOCAL_FUNCTIONS_PATH",
	"local.realtime_port":      "POLYBASE_LOCAL_REALTIME_PORT",
	"local.jwt_secret":         "POLYBASE_LOCAL_JWT_SECRET",
	"firebase.project_id":      "FIREBASE_PROJECT_ID",
	"firebase.credentials":     "GOOGLE_APPLICATION_CREDENTIALS",
	"firebase.database_url":    "FIREBASE_DATABASE_URL",
	"firebase.storage_bucket":  "FIREBASE_STORAGE_BUCKET",
	"firebase.api_key":         "FIREBASE_API_KEY",
	"firebase.use_emulator":    "FIREBASE_USE_EMULATOR",
	"firebase.emulator_host":   "FIREBASE_EMULATOR_HOST",
	"aws.region":               "AWS_REGION",
	"aws.access_key_id":        "AWS_ACCESS_KEY_ID",
	"aws.secret_access_key":    "AWS_SECRET_ACCESS_KEY",
	"aws.use_localstack":       "AWS_USE_LOCALSTACK",
	"aws.localstack_endpoint":  "AWS_LOCALSTACK_ENDPOINT",
	"aws.resource_prefix":      "AWS_RESOURCE_PREFIX",
	"aws.cognito_user_pool_id": "AWS_COGNITO_USER_POOL_ID",
	"aws.cognito_client_id":    "AWS_COGNITO_CLIENT_ID",
	"aws.lambda_role_arn":      "AWS_LAMBDA_ROLE_ARN",
	"aws.redis_addr":           "REDIS_ADDR",
}

// projectEntry is the shape of a project override in a config file.
type projectEntry struct {
	Type        string            `mapstructure:"type"`
	Region      string            `mapstructure:"region"`
	Credentials map[string]string `mapstructure:"credentials"`
	Options     map[string]string `mapstructure:"options"`
}

// ConfigResolver derives ProviderConfig values.
// Precedence: explicit project override (SetOverride, then the config file's "projects"
// section) > environment variables > built-in defaults.
type ConfigResolver struct {
	v *viper.Viper

	mu        sync.RWMutex
	overrides map[string]ProviderConfig
}

// NewConfigResolver wraps v, or a fresh viper instance bound to the process environment.
func NewConfigResolver(v *viper.Viper) *ConfigResolver {
	if v == nil {
		v = viper.New()
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default_provider", string(ProviderLocal))
	v.SetDefault("local.data_dir", DefaultDataDir)
	v.SetDefault("local.realtime_port", DefaultRealtimePort)
	v.SetDefault("firebase.emulator_host", DefaultEmulatorHost)
	v.SetDefault("aws.region", DefaultRegion)
	v.SetDefault("aws.localstack_endpoint", DefaultLocalStack)
	v.SetDefault("aws.resource_prefix", DefaultResourcePrefix)

	return &ConfigResolver{v: v, overrides: make(map[string]ProviderConfig)}
}

// LoadFile reads a YAML/JSON/TOML config file into the resolver.
func (c *ConfigResolver) LoadFile(path string) error {
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"file":   path,
			"reason": err.Error(),
		})
	}
	return nil
}

// SetOverride pins a project's config. It wins over every other source.
func (c *ConfigResolver) SetOverride(projectID string, cfg ProviderConfig) {
	cfg = cfg.Clone()
	cfg.ProjectID = projectID
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[projectID] = cfg
}

// ClearOverride removes a pinned config.
func (c *ConfigResolver) ClearOverride(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, projectID)
}

// DefaultType is the provider type used when a project has no override.
func (c *ConfigResolver) DefaultType() (ProviderType, error) {
	return ParseProviderType(c.v.GetString("default_provider"))
}

// Resolve returns the project's effective config.
func (c *ConfigResolver) Resolve(projectID string) (ProviderConfig, error) {
	if cfg, ok := c.override(projectID); ok {
		return cfg, nil
	}
	t, err := c.DefaultType()
	if err != nil {
		return ProviderConfig{}, err
	}
	return c.fromEnvironment(projectID, t), nil
}

// ResolveFor returns the config the project would use with provider type t.
// The project's override is used when it targets t.
func (c *ConfigResolver) ResolveFor(projectID string, t ProviderType) (ProviderConfig, error) {
	if _, err := ParseProviderType(string(t)); err != nil {
		return ProviderConfig{}, err
	}
	if cfg, ok := c.override(projectID); ok && cfg.Type == t {
		return cfg, nil
	}
	return c.fromEnvironment(projectID, t), nil
}

func (c *ConfigResolver) override(projectID string) (ProviderConfig, bool) {
	c.mu.RLock()
	cfg, ok := c.overrides[projectID]
	c.mu.RUnlock()
	if ok {
		return cfg.Clone(), true
	}

	var entry projectEntry
	if !c.v.IsSet("projects." + projectID) {
		return ProviderConfig{}, false
	}
	if err := c.v.UnmarshalKey("projects."+projectID, &entry); err != nil || entry.Type == "" {
		return ProviderConfig{}, false
	}
	cfg = c.fromEnvironment(projectID, ProviderType(entry.Type))
	if entry.Region != "" {
		cfg.Region = entry.Region
	}
	for k, v := range entry.Credentials {
		cfg.Credentials[canonicalKey(k, credentialKeys)] = v
	}
	for k, v := range entry.Options {
		cfg.Options[canonicalKey(k, optionKeys)] = v
	}
	return cfg, true
}

var (
	optionKeys = []string{
		OptDatabasePath, OptStoragePath, OptFunctionsPath, OptRealtimePort,
		OptDatabaseURL, OptStorageBucket, OptUseEmulator, OptEmulatorHost, OptAPIKey, OptFirebaseProjectID,
		OptUseLocalStack, OptLocalStackEndpoint, OptResourcePrefix, OptUserPoolID, OptClientID,
		OptLambdaRoleARN, OptRedisAddr,
	}
	credentialKeys = []string{
		CredCredentialsFile, CredCredentialsJSON, CredAccessKeyID, CredSecretAccessKey, CredJWTSecret,
		CredRedisPassword,
	}
)

// canonicalKey restores the camelCase spelling of a key viper lowercased.
func canonicalKey(k string, known []string) string {
	for _, name := range known {
		if strings.EqualFold(k, name) {
			return name
		}
	}
	return k
}

// fromEnvironment builds a config from environment variables and defaults.
func (c *ConfigResolver) fromEnvironment(projectID string, t ProviderType) ProviderConfig {
	cfg := ProviderConfig{
		Type:        t,
		ProjectID:   projectID,
		Credentials: map[string]string{},
		Options:     map[string]string{},
	}
	v := c.v

	switch t {
	case ProviderLocal:
		base := filepath.Join(v.GetString("local.data_dir"), projectID)
		cfg.Options[OptDatabasePath] = pathOr(v.GetString("local.database_path"), projectID, filepath.Join(base, "db"))
		cfg.Options[OptStoragePath] = pathOr(v.GetString("local.storage_path"), projectID, filepath.Join(base, "storage"))
		cfg.Options[OptFunctionsPath] = pathOr(v.GetString("local.functions_path"), projectID, filepath.Join(base, "functions"))
		cfg.Options[OptRealtimePort] = strconv.Itoa(v.GetInt("local.realtime_port"))
		setIf(cfg.Credentials, CredJWTSecret, v.GetString("local.jwt_secret"))

	case ProviderFirebase:
		gcpProject := v.GetString("firebase.project_id")
		if gcpProject == "" {
			gcpProject = projectID
		}
		cfg.Options[OptFirebaseProjectID] = gcpProject
		bucket := v.GetString("firebase.storage_bucket")
		if bucket == "" {
			bucket = gcpProject + ".appspot.com"
		}
		cfg.Options[OptStorageBucket] = bucket
		setIf(cfg.Options, OptDatabaseURL, v.GetString("firebase.database_url"))
		setIf(cfg.Options, OptAPIKey, v.GetString("firebase.api_key"))
		cfg.Options[OptUseEmulator] = strconv.FormatBool(v.GetBool("firebase.use_emulator"))
		cfg.Options[OptEmulatorHost] = v.GetString("firebase.emulator_host")
		setIf(cfg.Credentials, CredCredentialsFile, v.GetString("firebase.credentials"))

	case ProviderAWS:
		cfg.Region = v.GetString("aws.region")
		setIf(cfg.Credentials, CredAccessKeyID, v.GetString("aws.access_key_id"))
		setIf(cfg.Credentials, CredSecretAccessKey, v.GetString("aws.secret_access_key"))
		cfg.Options[OptUseLocalStack] = strconv.FormatBool(v.GetBool("aws.use_localstack"))
		cfg.Options[OptLocalStackEndpoint] = v.GetString("aws.localstack_endpoint")
		cfg.Options[OptResourcePrefix] = v.GetString("aws.resource_prefix")
		setIf(cfg.Options, OptUserPoolID, v.GetString("aws.cognito_user_pool_id"))
		setIf(cfg.Options, OptClientID, v.GetString("aws.cognito_client_id"))
		setIf(cfg.Options, OptLambdaRoleARN, v.GetString("aws.lambda_role_arn"))
		setIf(cfg.Options, OptRedisAddr, v.GetString("aws.redis_addr"))
	}
	return cfg
}

// pathOr scopes an explicit base path to the project, or falls back to def.
func pathOr(explicit, projectID, def string) string {
	if explicit == "" {
		return def
	}
	return filepath.Join(explicit, projectID)
}

func setIf(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
