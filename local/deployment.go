package local

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

const (
	deploymentsCollection = "_deployments"
	deploymentsPrefix     = polybase.ReservedPrefix + "deployments"
)

// Deployment publishes static bundles into the reserved part of the storage tree,
// _polybase/deployments/<name>/<version>/, and serves them as file:// URLs.
type Deployment struct {
	db          *Database
	storage     *polybase.BlobStorage
	storagePath string
	logger      polybase.Logger

	// serializes version allocation
	mu sync.Mutex
}

func newDeployment(db *Database, storage *polybase.BlobStorage, storagePath string, logger polybase.Logger) *Deployment {
	return &Deployment{db: db, storage: storage, storagePath: storagePath, logger: logger}
}

func (d *Deployment) Name() string                     { return nameDeployment }
func (d *Deployment) Start(ctx context.Context) error  { return nil }
func (d *Deployment) Stop(ctx context.Context) error   { return nil }
func (d *Deployment) Health(ctx context.Context) error { return nil }

// Deploy uploads every file and records the next version of spec.Name.
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
	s, err := d.db.internal()
	if err != nil {
		return polybase.Deployment{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := s.Query(deploymentsCollection, []polybase.Filter{polybase.Where("name", polybase.OpEqual, spec.Name)})
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

	abs, err := filepath.Abs(d.storagePath)
	if err != nil {
		abs = d.storagePath
	}
	dep := polybase.Deployment{
		ID:      polybase.NewID(),
		Name:    spec.Name,
		Version: version,
		URL:     "file://" + filepath.ToSlash(filepath.Join(abs, "objects", filepath.FromSlash(root))) + "/",
		Files:   files,
	}
	fileList := make([]interface{}, len(files))
	for i, f := range files {
		fileList[i] = f
	}
	docs, err := s.Apply([]docstore.Op{{
		Kind:       docstore.OpCreate,
		Collection: deploymentsCollection,
		ID:         dep.ID,
		Fields: polybase.Fields{
			"name":    dep.Name,
			"version": dep.Version,
			"url":     dep.URL,
			"files":   fileList,
		},
	}})
	if err != nil {
		return polybase.Deployment{}, err
	}
	dep.CreatedAt = docs[0].CreatedAt
	d.logger.Info("Deployment published", "name", dep.Name, "version", dep.Version, "files", len(files))
	return dep, nil
}

// List returns deployments ordered by name, then version.
func (d *Deployment) List(ctx context.Context) ([]polybase.Deployment, error) {
	s, err := d.db.internal()
	if err != nil {
		return nil, err
	}
	docs, err := s.All(deploymentsCollection)
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

// Files downloads the bundle of a recorded deployment.
func (d *Deployment) Files(ctx context.Context, id string) (map[string][]byte, error) {
	s, err := d.db.internal()
	if err != nil {
		return nil, err
	}
	doc, err := s.Get(deploymentsCollection, id)
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
