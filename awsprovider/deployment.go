package awsprovider

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/adrianmcphee/polybase"
)

const (
	deploymentsCollection = "_deployments"
	deploymentsPrefix     = polybase.ReservedPrefix + "deployments"
)

// Deployment uploads static bundles to the storage bucket under
// _polybase/deployments/<name>/<version>/ and records them in the documents table.
type Deployment struct {
	db        *Database
	storage   *polybase.BlobStorage
	objectURL func(key string) string
	logger    polybase.Logger

	// serializes version allocation within this process
	mu sync.Mutex
}

func newDeployment(db *Database, storage *polybase.BlobStorage, objectURL func(string) string, logger polybase.Logger) *Deployment {
	return &Deployment{db: db, storage: storage, objectURL: objectURL, logger: logger}
}

func (d *Deployment) Name() string                     { return "deployment" }
func (d *Deployment) Start(ctx context.Context) error  { return nil }
func (d *Deployment) Stop(ctx context.Context) error   { return nil }
func (d *Deployment) Health(ctx context.Context) error { return nil }

func (d *Deployment) Deploy(ctx context.Context, spec polybase.DeploymentSpec) (polybase.Deployment, error) {
	if spec.Name == "" || strings.ContainsAny(spec.Name, `/\`) {
		return polybase.Deployment{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field": "Name",
			"value": spec.Name,
		})
	}
	if len(spec.Files) == 0 {
		return polybase.Deployment{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  "Files",
			"reason": "a deployment needs at least one file",
		})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.db.query(ctx, deploymentsCollection, []polybase.Filter{polybase.Where("name", polybase.OpEqual, spec.Name)})
	if err != nil {
		return polybase.Deployment{}, err
	}
	version := 1
	for _, doc := range existing {
		if v := deploymentFromDoc(doc).Version; v >= version {
			version = v + 1
		}
	}

	root := path.Join(deploymentsPrefix, spec.Name, fmt.Sprint(version))
	files := make([]string, 0, len(spec.Files))
	for name := range spec.Files {
		files = append(files, name)
	}
	sort.Strings(files)
	for _, name := range files {
		key, err := polybase.CleanKey(name)
		if err != nil {
			return polybase.Deployment{}, err
		}
		if _, err := d.storage.Upload(ctx, path.Join(root, key), spec.Files[name], nil); err != nil {
			return polybase.Deployment{}, err
		}
	}

	fileList := make([]interface{}, len(files))
	for i, f := range files {
		fileList[i] = f
	}
	dep := polybase.Deployment{
		Name:    spec.Name,
		Version: version,
		URL:     d.objectURL(root + "/"),
		Files:   files,
	}
	doc, err := d.db.create(ctx, deploymentsCollection, polybase.NewID(), polybase.Fields{
		"name":    dep.Name,
		"version": dep.Version,
		"url":     dep.URL,
		"files":   fileList,
	})
	if err != nil {
		return polybase.Deployment{}, err
	}
	dep.ID, dep.CreatedAt = doc.ID, doc.CreatedAt
	d.logger.Info("Deployment published", "name", dep.Name, "version", dep.Version, "files", len(files))
	return dep, nil
}

// List returns deployments ordered by name, then version.
func (d *Deployment) List(ctx context.Context) ([]polybase.Deployment, error) {
	docs, err := d.db.query(ctx, deploymentsCollection, nil)
	if err != nil {
		return nil, err
	}
	out := make([]polybase.Deployment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, deploymentFromDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (d *Deployment) Files(ctx context.Context, id string) (map[string][]byte, error) {
	doc, err := d.db.get(ctx, deploymentsCollection, id)
	if err != nil {
		return nil, err
	}
	dep := deploymentFromDoc(doc)
	root := path.Join(deploymentsPrefix, dep.Name, fmt.Sprint(dep.Version))
	out := make(map[string][]byte, len(dep.Files))
	for _, name := range dep.Files {
		data, err := d.storage.Download(ctx, path.Join(root, name))
		if err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, nil
}

func deploymentFromDoc(doc polybase.Document) polybase.Deployment {
	dep := polybase.Deployment{ID: doc.ID, CreatedAt: doc.CreatedAt}
	dep.Name, _ = doc.Fields["name"].(string)
	dep.URL, _ = doc.Fields["url"].(string)
	if v, ok := doc.Fields["version"].(float64); ok {
		dep.Version = int(v)
	}
	if files, ok := doc.Fields["files"].([]interface{}); ok {
		for _, f := range files {
			if s, ok := f.(string); ok {
				dep.Files = append(dep.Files, s)
			}
		}
	}
	return dep
}

var (
	_ polybase.DeploymentProvider = (*Deployment)(nil)
	_ polybase.Component          = (*Deployment)(nil)
)
