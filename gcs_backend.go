package polybase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend implements Backend using Google Cloud Storage
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	ProjectID       string
	Bucket          string
	CredentialsFile string // Path to service account JSON file (optional, uses ADC if empty)
	CredentialsJSON []byte
	// Options are appended after the credential options.
	Options []option.ClientOption
}

// NewGCSBackend creates a new GCS backend.
// STORAGE_EMULATOR_HOST is honoured by the client library.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "GCS backend requires a bucket",
		})
	}
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}
	opts = append(opts, cfg.Options...)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewGCSBackendFromClient(client, cfg.Bucket), nil
}

// NewGCSBackendFromClient wraps an existing client. Close closes the client.
func NewGCSBackendFromClient(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket}
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	reader, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(err, key)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte, meta ObjectMeta) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	writer := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = meta.ContentType
	writer.Metadata = meta.Custom

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return mapGCSError(err, key)
	}
	return mapGCSError(writer.Close(), key)
}

func (b *GCSBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	key, err := CleanKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	attrs, err := b.client.Bucket(b.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, mapGCSError(err, key)
	}
	return objectInfoFromAttrs(attrs), nil
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	return mapGCSError(b.client.Bucket(b.bucket).Object(key).Delete(ctx), key)
}

func (b *GCSBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError(err, prefix)
		}
		out = append(out, objectInfoFromAttrs(attrs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	return mapGCSError(err, b.bucket)
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func objectInfoFromAttrs(attrs *storage.ObjectAttrs) ObjectInfo {
	return ObjectInfo{
		Key:         attrs.Name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Custom:      attrs.Metadata,
		UpdatedAt:   attrs.Updated,
	}
}

func mapGCSError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return Wrap(ErrNotFound, err, map[string]interface{}{"key": key})
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == 404:
			return Wrap(ErrNotFound, err, map[string]interface{}{"key": key})
		case gErr.Code == 401 || gErr.Code == 403:
			return Wrap(ErrUnauthorized, err, map[string]interface{}{"key": key})
		case gErr.Code == 429 || gErr.Code >= 500:
			return Wrap(ErrBackendUnavailable, err, map[string]interface{}{"key": key})
		}
	}
	return err
}

var _ Backend = (*GCSBackend)(nil)
