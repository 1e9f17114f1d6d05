package polybase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	objectsDir  = "objects"
	metadataDir = "metadata"
	metaSuffix  = ".meta.json"
)

// FilesystemBackend implements Backend on a local directory.
// Object bytes live under <base>/objects and metadata sidecars under <base>/metadata,
// so listing the object tree never returns metadata.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks // Fine-grained locking per key
}

type fileMeta struct {
	ContentType string            `json:"contentType,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// NewFilesystemBackend creates a new filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return NewFilesystemBackendWithStripes(basePath, 32)
}

// NewFilesystemBackendWithStripes creates a filesystem backend with custom stripe count
func NewFilesystemBackendWithStripes(basePath string, stripes int) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(stripes),
	}
}

// Init creates the directory layout.
func (b *FilesystemBackend) Init() error {
	for _, dir := range []string{objectsDir, metadataDir} {
		if err := os.MkdirAll(filepath.Join(b.basePath, dir), DefaultDirPermissions); err != nil {
			return fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return nil
}

func (b *FilesystemBackend) objectPath(key string) string {
	return filepath.Join(b.basePath, objectsDir, filepath.FromSlash(key))
}

func (b *FilesystemBackend) metaPath(key string) string {
	return filepath.Join(b.basePath, metadataDir, filepath.FromSlash(key)+metaSuffix)
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.objectPath(key))
	if err != nil {
		return nil, mapFSError(err, key)
	}
	return data, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte, meta ObjectMeta) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	unlock := b.locks.Lock(key)
	defer unlock()

	if err := writeFileAtomic(b.objectPath(key), data); err != nil {
		return mapFSError(err, key)
	}
	raw, err := json.Marshal(fileMeta{ContentType: meta.ContentType, Custom: meta.Custom})
	if err != nil {
		return err
	}
	return mapFSError(writeFileAtomic(b.metaPath(key), raw), key)
}

func (b *FilesystemBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	key, err := CleanKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	unlock := b.locks.RLock(key)
	defer unlock()
	return b.stat(key)
}

func (b *FilesystemBackend) stat(key string) (ObjectInfo, error) {
	fi, err := os.Stat(b.objectPath(key))
	if err != nil {
		return ObjectInfo{}, mapFSError(err, key)
	}
	if fi.IsDir() {
		return ObjectInfo{}, WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	info := ObjectInfo{Key: key, Size: fi.Size(), UpdatedAt: fi.ModTime().UTC()}
	if raw, err := os.ReadFile(b.metaPath(key)); err == nil {
		var m fileMeta
		if json.Unmarshal(raw, &m) == nil {
			info.ContentType = m.ContentType
			info.Custom = m.Custom
		}
	}
	return info, nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	unlock := b.locks.Lock(key)
	defer unlock()

	if err := os.Remove(b.objectPath(key)); err != nil {
		return mapFSError(err, key)
	}
	_ = os.Remove(b.metaPath(key))
	b.pruneEmpty(filepath.Dir(b.objectPath(key)), filepath.Join(b.basePath, objectsDir))
	b.pruneEmpty(filepath.Dir(b.metaPath(key)), filepath.Join(b.basePath, metadataDir))
	return nil
}

// pruneEmpty removes empty parent directories up to (not including) root.
func (b *FilesystemBackend) pruneEmpty(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := filepath.Join(b.basePath, objectsDir)
	prefix = strings.TrimPrefix(filepath.ToSlash(prefix), "/")

	var out []ObjectInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := b.stat(key)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	// Check if base directory exists and is writable
	info, err := os.Stat(b.basePath)
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"path":   b.basePath,
			"reason": err.Error(),
		})
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory: %s", b.basePath)
	}

	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return fmt.Errorf("cannot write to base path: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func mapFSError(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	case errors.Is(err, fs.ErrPermission):
		return WithContext(ErrUnauthorized, map[string]interface{}{"key": key})
	}
	return err
}

var _ Backend = (*FilesystemBackend)(nil)
