package polybase

import (
	"fmt"
	"strconv"
	"time"
)

// Configuration constants
const (
	DefaultRegion         = "us-east-1"
	DefaultDataDir        = "./data"
	DefaultRealtimePort   = 0
	DefaultResourcePrefix = "polybase-"
	DefaultLocalStack     = "http://localhost:4566"
	DefaultEmulatorHost   = "localhost"
	DefaultInitTimeout    = 2 * time.Minute
	DefaultSessionTTL     = 24 * time.Hour
	DefaultListPageSize   = 100

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// Option keys understood by the built-in providers.
const (
	// local
	OptDatabasePath  = "databasePath"
	OptStoragePath   = "storagePath"
	OptFunctionsPath = "functionsPath"
	OptRealtimePort  = "realtimePort"

	// firebase
	OptDatabaseURL   = "databaseURL"
	OptStorageBucket = "storageBucket"
	OptUseEmulator   = "useEmulator"
	OptEmulatorHost  = "emulatorHost"
	OptAPIKey        = "apiKey"

	// aws
	OptUseLocalStack      = "useLocalStack"
	OptLocalStackEndpoint = "localStackEndpoint"
	OptResourcePrefix     = "resourcePrefix"
	OptUserPoolID         = "userPoolId"
	OptClientID           = "clientId"
	OptLambdaRoleARN      = "lambdaRoleArn"
	OptRedisAddr          = "redisAddr"
)

// Credential keys.
const (
	CredCredentialsFile = "credentialsFile"
	CredCredentialsJSON = "credentialsJSON"
	CredAccessKeyID     = "accessKeyId"
	CredSecretAccessKey = "secretAccessKey"
	CredJWTSecret       = "jwtSecret"
	CredRedisPassword   = "redisPassword"
)

// ProviderConfig selects and parameterizes a provider for one project.
// Providers clone it on Initialize; callers must not rely on later mutation.
type ProviderConfig struct {
	Type        ProviderType      `json:"type"`
	ProjectID   string            `json:"projectId"`
	Credentials map[string]string `json:"-"`
	Region      string            `json:"region,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// Key returns the registry key for this config.
func (c ProviderConfig) Key() string {
	return RegistryKey(c.Type, c.ProjectID)
}

// RegistryKey derives the cache key for (type, projectID).
func RegistryKey(t ProviderType, projectID string) string {
	return fmt.Sprintf("%s:%s", t, projectID)
}

// Clone returns a deep copy.
func (c ProviderConfig) Clone() ProviderConfig {
	out := c
	out.Credentials = cloneStrings(c.Credentials)
	out.Options = cloneStrings(c.Options)
	return out
}

// Validate checks the fields every provider needs, then the per-type requirements.
func (c ProviderConfig) Validate() error {
	if _, err := ParseProviderType(string(c.Type)); err != nil {
		return err
	}
	if c.ProjectID == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ProjectID",
			"reason": "project id is required",
		})
	}

	switch c.Type {
	case ProviderAWS:
		if c.Region == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region",
				"type":   c.Type,
				"reason": "aws provider requires a region",
			})
		}
		_, hasKey := c.Credentials[CredAccessKeyID]
		_, hasSecret := c.Credentials[CredSecretAccessKey]
		if hasKey != hasSecret {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Credentials",
				"type":   c.Type,
				"reason": "accessKeyId and secretAccessKey must be set together",
			})
		}
	case ProviderFirebase:
		if c.BoolOption(OptUseEmulator, false) {
			break
		}
		if c.Credential(CredCredentialsFile) != "" && c.Credential(CredCredentialsJSON) != "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Credentials",
				"type":   c.Type,
				"reason": "set either credentialsFile or credentialsJSON, not both",
			})
		}
	}

	if v, ok := c.Options[OptRealtimePort]; ok && v != "" {
		if port, err := strconv.Atoi(v); err != nil || port < 0 || port > 65535 {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  OptRealtimePort,
				"value":  v,
				"reason": "must be a port number between 0 and 65535",
			})
		}
	}
	return nil
}

// Option returns an option value or def when unset.
func (c ProviderConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// BoolOption parses a boolean option; unparsable values yield def.
func (c ProviderConfig) BoolOption(key string, def bool) bool {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntOption parses an integer option; unparsable values yield def.
func (c ProviderConfig) IntOption(key string, def int) int {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Credential returns a credential value or "".
func (c ProviderConfig) Credential(key string) string {
	return c.Credentials[key]
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
