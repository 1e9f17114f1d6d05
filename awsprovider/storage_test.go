package awsprovider

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/adrianmcphee/polybase"
)

// TestBucketBackend_CreatesBucket runs against a MinIO container.
// Skipped with -short or without Docker.
func TestBucketBackend_CreatesBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Docker daemon not available: %v", r)
		}
	}()

	container, err := minio.Run(ctx, "minio/minio:latest",
		testcontainers.WithEnv(map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		}),
	)
	if err != nil {
		t.Skipf("Failed to start MinIO: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s3b, err := polybase.NewMinIOBackend(polybase.MinIOConfig{
		Endpoint:        endpoint,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		Bucket:          "polybase-storage",
	})
	if err != nil {
		t.Fatal(err)
	}

	storage := polybase.NewBlobStorage("s3", &bucketBackend{S3Backend: s3b, region: polybase.DefaultRegion})
	if err := storage.Start(ctx); err != nil {
		t.Fatalf("Start should create the missing bucket: %v", err)
	}
	defer storage.Stop(ctx)

	info, err := storage.Upload(ctx, "deployments/site/1/index.html", []byte("<h1>hi</h1>"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len("<h1>hi</h1>")) {
		t.Errorf("Unexpected size %d", info.Size)
	}
	data, err := storage.Download(ctx, "deployments/site/1/index.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "<h1>hi</h1>" {
		t.Errorf("Unexpected contents %q", data)
	}
	list, err := storage.List(ctx, "deployments/site/")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("Expected one object, got %d", len(list))
	}
	if err := storage.Delete(ctx, "deployments/site/1/index.html"); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.Download(ctx, "deployments/site/1/index.html"); !polybase.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := storage.Health(ctx); err != nil {
		t.Errorf("Expected healthy storage, got %v", err)
	}
}
