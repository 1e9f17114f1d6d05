package polybase

import (
	"context"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// ReservedPrefix namespaces blobs a provider keeps for its own facets, such as
// deployment bundles and function sources. The user storage facet hides it.
const ReservedPrefix = "_polybase/"

// BlobStorage implements StorageProvider and Component over any Backend.
// The local, Firebase and AWS providers all use it for their storage facet.
type BlobStorage struct {
	name    string
	backend Backend
	breaker *CircuitBreaker
	logger  Logger
	metrics Metrics
	// keys under reserved are hidden from List and rejected elsewhere
	reserved string
}

// BlobOption configures a BlobStorage.
type BlobOption func(*BlobStorage)

// WithBlobLogger sets the logger.
func WithBlobLogger(l Logger) BlobOption {
	return func(s *BlobStorage) { s.logger = orNoOp(l) }
}

// WithBlobMetrics sets the metrics sink.
func WithBlobMetrics(m Metrics) BlobOption {
	return func(s *BlobStorage) { s.metrics = orNoOpMetrics(m) }
}

// WithBlobBreaker routes every backend call through cb.
func WithBlobBreaker(cb *CircuitBreaker) BlobOption {
	return func(s *BlobStorage) { s.breaker = cb }
}

// WithReservedPrefix hides keys under prefix from List and rejects uploads,
// downloads, stats and deletes of them.
func WithReservedPrefix(prefix string) BlobOption {
	return func(s *BlobStorage) { s.reserved = prefix }
}

// NewBlobStorage creates the storage facet. name labels metrics and health details.
func NewBlobStorage(name string, backend Backend, opts ...BlobOption) *BlobStorage {
	s := &BlobStorage{
		name:    name,
		backend: backend,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *BlobStorage) Backend() Backend {
	return s.backend
}

// System returns a view over the same backend that can reach reserved keys.
// It shares the breaker, logger and metrics, and is not a separate component.
func (s *BlobStorage) System() *BlobStorage {
	c := *s
	c.reserved = ""
	return &c
}

func (s *BlobStorage) Name() string { return "storage" }

func (s *BlobStorage) isReserved(key string) bool {
	return s.reserved != "" && strings.HasPrefix(key+"/", s.reserved)
}

// clean normalizes p and refuses reserved keys.
func (s *BlobStorage) clean(p string) (string, error) {
	key, err := CleanKey(p)
	if err != nil {
		return "", err
	}
	if s.isReserved(key) {
		return "", WithContext(ErrInvalidData, map[string]interface{}{
			"path":   p,
			"reason": "path is reserved for provider data",
		})
	}
	return key, nil
}

// Start prepares backends that need an on-disk layout.
func (s *BlobStorage) Start(ctx context.Context) error {
	if initer, ok := s.backend.(interface{ Init() error }); ok {
		if err := initer.Init(); err != nil {
			return err
		}
	}
	return s.backend.Ping(ctx)
}

func (s *BlobStorage) Stop(ctx context.Context) error {
	return s.backend.Close()
}

func (s *BlobStorage) Health(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *BlobStorage) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	s.metrics.Increment(MetricBackendOps, "operation", op, "backend", s.name)
	s.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", op, "backend", s.name)
	if err != nil && !IsNotFound(err) {
		s.metrics.Increment(MetricBackendErrors, "operation", op, "backend", s.name)
		s.logger.Warn("Storage operation failed", "operation", op, "backend", s.name, "error", err)
	}
	return err
}

// Upload writes data at p, replacing any existing blob.
// A missing content type is inferred from the extension, then from the bytes.
func (s *BlobStorage) Upload(ctx context.Context, p string, data []byte, meta *BlobMetadata) (BlobInfo, error) {
	key, err := s.clean(p)
	if err != nil {
		return BlobInfo{}, err
	}
	om := ObjectMeta{}
	if meta != nil {
		om.ContentType = meta.ContentType
		om.Custom = meta.Custom
	}
	if om.ContentType == "" {
		om.ContentType = detectContentType(key, data)
	}

	err = s.call(ctx, "put", func(ctx context.Context) error {
		return s.backend.Put(ctx, key, data, om)
	})
	if err != nil {
		return BlobInfo{}, err
	}
	return BlobInfo{
		Path:        key,
		Size:        int64(len(data)),
		ContentType: om.ContentType,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// Download returns the exact bytes stored at p.
func (s *BlobStorage) Download(ctx context.Context, p string) ([]byte, error) {
	key, err := s.clean(p)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.call(ctx, "get", func(ctx context.Context) error {
		var err error
		data, err = s.backend.Get(ctx, key)
		return err
	})
	return data, err
}

// Stat describes the blob at p.
func (s *BlobStorage) Stat(ctx context.Context, p string) (BlobInfo, error) {
	key, err := s.clean(p)
	if err != nil {
		return BlobInfo{}, err
	}
	var info ObjectInfo
	err = s.call(ctx, "stat", func(ctx context.Context) error {
		var err error
		info, err = s.backend.Stat(ctx, key)
		return err
	})
	if err != nil {
		return BlobInfo{}, err
	}
	return blobInfo(info), nil
}

// Delete removes the blob at p; missing blobs are ErrNotFound.
func (s *BlobStorage) Delete(ctx context.Context, p string) error {
	key, err := s.clean(p)
	if err != nil {
		return err
	}
	return s.call(ctx, "delete", func(ctx context.Context) error {
		return s.backend.Delete(ctx, key)
	})
}

// List returns every blob under prefix, including nested virtual directories.
func (s *BlobStorage) List(ctx context.Context, prefix string) ([]BlobInfo, error) {
	var infos []ObjectInfo
	err := s.call(ctx, "list", func(ctx context.Context) error {
		var err error
		infos, err = s.backend.List(ctx, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]BlobInfo, 0, len(infos))
	for _, i := range infos {
		if s.isReserved(i.Key) {
			continue
		}
		out = append(out, blobInfo(i))
	}
	return out, nil
}

func blobInfo(i ObjectInfo) BlobInfo {
	return BlobInfo{Path: i.Key, Size: i.Size, ContentType: i.ContentType, UpdatedAt: i.UpdatedAt}
}

func detectContentType(key string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

var (
	_ StorageProvider = (*BlobStorage)(nil)
	_ Component       = (*BlobStorage)(nil)
)
