package polybase

import (
	"context"
	"path"
	"strings"
	"time"
)

// ObjectMeta is stored alongside an object.
type ObjectMeta struct {
	ContentType string
	Custom      map[string]string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Custom      map[string]string
	UpdatedAt   time.Time
}

// Backend is a flat key/value object store. BlobStorage builds the storage
// sub-provider on top of it for the filesystem, S3 and GCS.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, meta ObjectMeta) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type       string            // "s3", "filesystem", "gcs", "minio"
	Bucket     string            // S3/GCS bucket or base directory
	Region     string            // AWS region (S3 only)
	Endpoint   string            // Custom endpoint (LocalStack, MinIO)
	PathPrefix string            // Optional prefix for all keys
	Options    map[string]string // Backend-specific options
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket/base path is required",
		})
	}

	switch c.Type {
	case "s3", "minio":
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case "filesystem", "gcs":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}
	return nil
}

// CleanKey normalizes a virtual path into a backend key.
// Keys are slash-separated, relative, and may not escape the root.
func CleanKey(key string) (string, error) {
	k := strings.ReplaceAll(key, "\\", "/")
	k = strings.TrimPrefix(k, "/")
	if k == "" {
		return "", WithContext(ErrInvalidData, map[string]interface{}{
			"field":  "path",
			"reason": "path is empty",
		})
	}
	cleaned := path.Clean(k)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", WithContext(ErrInvalidData, map[string]interface{}{
			"field":  "path",
			"value":  key,
			"reason": "path escapes the storage root",
		})
	}
	return cleaned, nil
}
