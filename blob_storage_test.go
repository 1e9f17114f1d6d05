package polybase

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBlobStorage(t *testing.T, opts ...BlobOption) *BlobStorage {
	t.Helper()
	s := NewBlobStorage("filesystem", NewFilesystemBackend(t.TempDir()), opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestBlobStorage_UploadDownload(t *testing.T) {
	metrics := NewInMemoryMetrics()
	s := newTestBlobStorage(t, WithBlobMetrics(metrics))
	ctx := context.Background()

	payload := []byte{0x00, 0xff, 0x10, 0x80}
	info, err := s.Upload(ctx, "/bin/raw.dat", payload, &BlobMetadata{ContentType: "application/x-raw"})
	if err != nil {
		t.Fatal(err)
	}
	if info.Path != "bin/raw.dat" || info.Size != 4 || info.ContentType != "application/x-raw" {
		t.Errorf("unexpected info %+v", info)
	}
	got, err := s.Download(ctx, "bin/raw.dat")
	if err != nil || string(got) != string(payload) {
		t.Errorf("Download = %v, %v", got, err)
	}
	if metrics.Counter(MetricBackendOps) != 2 {
		t.Errorf("expected 2 backend ops, got %d", metrics.Counter(MetricBackendOps))
	}
}

func TestBlobStorage_ContentTypeDetection(t *testing.T) {
	s := newTestBlobStorage(t)
	ctx := context.Background()

	byExt, _ := s.Upload(ctx, "site/index.html", []byte("<p>hi</p>"), nil)
	if byExt.ContentType != "text/html; charset=utf-8" {
		t.Errorf("expected type from extension, got %q", byExt.ContentType)
	}
	bySniff, _ := s.Upload(ctx, "blob", []byte("%PDF-1.4 ..."), nil)
	if bySniff.ContentType != "application/pdf" {
		t.Errorf("expected sniffed type, got %q", bySniff.ContentType)
	}
	stat, err := s.Stat(ctx, "blob")
	if err != nil || stat.ContentType != "application/pdf" {
		t.Errorf("Stat = %+v, %v", stat, err)
	}
}

func TestBlobStorage_ListNested(t *testing.T) {
	s := newTestBlobStorage(t)
	ctx := context.Background()
	for _, p := range []string{"a/1.txt", "a/b/2.txt", "c/3.txt"} {
		if _, err := s.Upload(ctx, p, []byte(p), nil); err != nil {
			t.Fatal(err)
		}
	}
	under, err := s.List(ctx, "a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(under) != 2 || under[0].Path != "a/1.txt" || under[1].Path != "a/b/2.txt" {
		t.Errorf("unexpected listing %+v", under)
	}
	if err := s.Delete(ctx, "a/1.txt"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a/1.txt"); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestBlobStorage_BreakerOpens(t *testing.T) {
	cb := NewCircuitBreaker("storage", 1, time.Minute)
	s := NewBlobStorage("flaky", unavailableBackend{}, WithBlobBreaker(cb))
	ctx := context.Background()

	_, _ = s.Download(ctx, "x")
	if cb.State() != CircuitOpen {
		t.Fatalf("expected breaker open, got %s", cb.State())
	}
	if _, err := s.Download(ctx, "x"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected fast failure, got %v", err)
	}
}

type unavailableBackend struct{}

func (unavailableBackend) Get(context.Context, string) ([]byte, error) { return nil, ErrBackendUnavailable }
func (unavailableBackend) Put(context.Context, string, []byte, ObjectMeta) error {
	return ErrBackendUnavailable
}
func (unavailableBackend) Stat(context.Context, string) (ObjectInfo, error) {
	return ObjectInfo{}, ErrBackendUnavailable
}
func (unavailableBackend) Delete(context.Context, string) error { return ErrBackendUnavailable }
func (unavailableBackend) List(context.Context, string) ([]ObjectInfo, error) {
	return nil, ErrBackendUnavailable
}
func (unavailableBackend) Ping(context.Context) error { return ErrBackendUnavailable }
func (unavailableBackend) Close() error               { return nil }

func TestBlobStorage_ReservedPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewBlobStorage("fs", newFSBackend(t), WithReservedPrefix(ReservedPrefix))
	sys := s.System()

	if _, err := sys.Upload(ctx, ReservedPrefix+"deployments/site/1/index.html", []byte("<h1>"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upload(ctx, "site/index.html", []byte("<h1>"), nil); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Path != "site/index.html" {
		t.Errorf("Reserved blobs should be hidden, got %+v", list)
	}
	for _, p := range []string{ReservedPrefix + "x", "_polybase", "/_polybase/deployments/site/1/index.html"} {
		if _, err := s.Upload(ctx, p, []byte("x"), nil); !errors.Is(err, ErrInvalidData) {
			t.Errorf("Upload(%q): expected ErrInvalidData, got %v", p, err)
		}
	}
	if _, err := s.Download(ctx, ReservedPrefix+"deployments/site/1/index.html"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("Download of a reserved blob: expected ErrInvalidData, got %v", err)
	}
	if err := s.Delete(ctx, ReservedPrefix+"deployments/site/1/index.html"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("Delete of a reserved blob: expected ErrInvalidData, got %v", err)
	}

	data, err := sys.Download(ctx, ReservedPrefix+"deployments/site/1/index.html")
	if err != nil || string(data) != "<h1>" {
		t.Errorf("System view: %q, %v", data, err)
	}
	all, err := sys.List(ctx, "")
	if err != nil || len(all) != 2 {
		t.Errorf("System view should list everything, got %+v, %v", all, err)
	}
}
