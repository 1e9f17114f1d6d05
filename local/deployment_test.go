package local

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/adrianmcphee/polybase"
)

func TestDeployment_Versions(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	dep := p.Deployment()

	files := map[string][]byte{
		"index.html":    []byte("<h1>v1</h1>"),
		"assets/app.js": []byte("console.log(1)"),
	}
	first, err := dep.Deploy(ctx, polybase.DeploymentSpec{Name: "site", Files: files})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if first.Version != 1 || !strings.HasPrefix(first.URL, "file://") || !strings.HasSuffix(first.URL, "/deployments/site/1/") {
		t.Errorf("Unexpected deployment %+v", first)
	}
	if len(first.Files) != 2 || first.Files[0] != "assets/app.js" {
		t.Errorf("Expected sorted file list, got %v", first.Files)
	}

	files["index.html"] = []byte("<h1>v2</h1>")
	second, err := dep.Deploy(ctx, polybase.DeploymentSpec{Name: "site", Files: files})
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 {
		t.Errorf("Expected version 2, got %d", second.Version)
	}

	list, err := dep.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Version != 1 || list[1].Version != 2 {
		t.Fatalf("Unexpected list %+v", list)
	}

	got, err := dep.Files(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got["index.html"]) != "<h1>v1</h1>" {
		t.Errorf("Old version content changed: %q", got["index.html"])
	}

	if _, err := p.Storage().Upload(ctx, "notes/a.txt", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	blobs, err := p.Storage().List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 1 || blobs[0].Path != "notes/a.txt" {
		t.Errorf("Deployment bundles leaked into user storage: %+v", blobs)
	}
	if _, err := p.Storage().Download(ctx, polybase.ReservedPrefix+"deployments/site/2/index.html"); !errors.Is(err, polybase.ErrInvalidData) {
		t.Errorf("Expected reserved path to be refused, got %v", err)
	}
	internal, err := p.storage.System().List(ctx, polybase.ReservedPrefix+"deployments/site/2/")
	if err != nil {
		t.Fatal(err)
	}
	if len(internal) != 2 {
		t.Errorf("Expected 2 blobs for version 2, got %d", len(internal))
	}
}

func TestDeployment_Validation(t *testing.T) {
	dep := newTestProvider(t).Deployment()
	ctx := context.Background()

	if _, err := dep.Deploy(ctx, polybase.DeploymentSpec{Name: "site"}); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for empty bundle, got %v", err)
	}
	if _, err := dep.Deploy(ctx, polybase.DeploymentSpec{Files: map[string][]byte{"a": nil}}); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unnamed deployment, got %v", err)
	}
	if _, err := dep.Files(ctx, "missing"); !polybase.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
