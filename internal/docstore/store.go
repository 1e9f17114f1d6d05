// Package docstore is the embedded document store behind the local provider.
//
// Each collection is a JSONL file (one document per line) under the store directory.
// Writes are applied in batches: the full new contents of every affected collection are
// written to a journal first, then each collection file is replaced with a temp-file +
// rename, then the journal is removed. A journal found on Open is rolled forward, so a
// crash mid-commit never leaves a partial batch behind. A batch that fails part way
// restores the files it already replaced; if that also fails, the journal is replayed
// before the next batch runs.
package docstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adrianmcphee/polybase"
)

const (
	journalFile = "_journal.json"
	fileSuffix  = ".jsonl"
)

// OpKind is a batch operation type.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
	// OpPut writes a whole document, keeping its id and timestamps.
	OpPut
)

// Op is one operation of a batch.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Fields     polybase.Fields
	// CreatedAt and UpdatedAt are only read by OpPut.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is safe for concurrent use. Reads take a shared lock; a batch holds the
// exclusive lock from validation until the in-memory swap.
type Store struct {
	dir string
	now func() time.Time

	mu          sync.RWMutex
	collections map[string]map[string]polybase.Document
	closed      bool
	// broken is set when a failed batch could not be undone on disk. The journal
	// is then the source of truth and must be replayed before the next batch.
	broken error
}

type journal struct {
	Collections map[string][]polybase.Document `json:"collections"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads every collection under dir, rolling forward an interrupted commit first.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, polybase.DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		dir:         dir,
		now:         func() time.Time { return time.Now().UTC() },
		collections: make(map[string]map[string]polybase.Document),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) collectionPath(name string) string {
	return filepath.Join(s.dir, name+fileSuffix)
}

// recover replays a complete journal, or discards a torn one.
func (s *Store) recover() error {
	path := filepath.Join(s.dir, journalFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	var j journal
	if err := json.Unmarshal(raw, &j); err != nil {
		// The journal itself was never fully written, so the batch never committed.
		return os.Remove(path)
	}
	for name, docs := range j.Collections {
		if err := s.writeCollection(name, docs); err != nil {
			return fmt.Errorf("roll forward %s: %w", name, err)
		}
	}
	return os.Remove(path)
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileSuffix)
		docs, err := s.readCollection(name)
		if err != nil {
			return err
		}
		m := make(map[string]polybase.Document, len(docs))
		for _, d := range docs {
			m[d.ID] = d
		}
		s.collections[name] = m
	}
	return nil
}

// readCollection reads all documents from a collection's JSONL file
func (s *Store) readCollection(name string) ([]polybase.Document, error) {
	file, err := os.Open(s.collectionPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var docs []polybase.Document
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var d polybase.Document
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInvalidData, err), map[string]interface{}{
				"collection": name,
				"line":       line,
			})
		}
		d.Collection = name
		docs = append(docs, d)
	}
	return docs, scanner.Err()
}

// writeCollection writes all documents to a collection's JSONL file atomically.
// An empty collection removes its file.
func (s *Store) writeCollection(name string, docs []polybase.Document) error {
	path := s.collectionPath(name)
	if len(docs) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	fail := func(err error) error {
		file.Close()
		os.Remove(tempPath)
		return err
	}

	writer := bufio.NewWriter(file)
	enc := json.NewEncoder(writer)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return fail(fmt.Errorf("encode document: %w", err))
		}
	}
	if err := writer.Flush(); err != nil {
		return fail(fmt.Errorf("flush: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("sync: %w", err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *Store) writeJournal(j journal) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, journalFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := file.Write(raw); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

// ValidateCollection rejects names that cannot be stored as a file.
func ValidateCollection(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "collection",
			"value":  name,
			"reason": "invalid collection name",
		})
	}
	return nil
}

// InternalPrefix marks provider-owned collections (users, sessions, deployments).
const InternalPrefix = "_"

// IsInternal reports whether collection is provider-owned.
func IsInternal(collection string) bool {
	return strings.HasPrefix(collection, InternalPrefix)
}

// ValidatePublic checks a collection name coming through the public database API.
func ValidatePublic(collection string) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	if IsInternal(collection) {
		return polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "collection",
			"value":  collection,
			"reason": "collections starting with _ are reserved",
		})
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return polybase.WithContext(polybase.ErrNotInitialized, map[string]interface{}{
			"store": s.dir,
		})
	}
	return nil
}

// Get returns one document.
func (s *Store) Get(collection, id string) (polybase.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return polybase.Document{}, err
	}
	d, ok := s.collections[collection][id]
	if !ok {
		return polybase.Document{}, notFound(collection, id)
	}
	return clone(d), nil
}

// All returns every document of a collection ordered by id.
func (s *Store) All(collection string) ([]polybase.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sortedDocs(s.collections[collection]), nil
}

// Query returns the documents matching every filter, ordered by id.
func (s *Store) Query(collection string, filters []polybase.Filter) ([]polybase.Document, error) {
	matchers := make([]Matcher, 0, len(filters))
	for _, f := range filters {
		m, err := NewMatcher(f)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []polybase.Document
	for _, d := range sortedDocs(s.collections[collection]) {
		if matchAll(matchers, d.Fields) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Page returns up to limit documents with ids greater than after, the collection size,
// and whether more documents follow. A zero limit returns the rest of the collection.
func (s *Store) Page(collection, after string, limit int) ([]polybase.Document, int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, 0, false, err
	}
	docs := sortedDocs(s.collections[collection])
	start := 0
	if after != "" {
		start = sort.Search(len(docs), func(i int) bool { return docs[i].ID > after })
	}
	rest := docs[start:]
	if limit > 0 && len(rest) > limit {
		return rest[:limit], len(docs), true, nil
	}
	return rest, len(docs), false, nil
}

// Collections lists non-empty collections in name order.
func (s *Store) Collections() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.collections))
	for name, docs := range s.collections {
		if len(docs) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Apply validates and commits ops as one atomic batch and returns the resulting
// documents of create, update and put ops in op order.
// Either every op is visible afterwards or none is.
func (s *Store) Apply(ops []Op) ([]polybase.Document, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	normalized := make([]Op, len(ops))
	for i, op := range ops {
		if err := ValidateCollection(op.Collection); err != nil {
			return nil, err
		}
		if op.ID == "" {
			return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
				"field":      "id",
				"collection": op.Collection,
				"reason":     "document id is required",
			})
		}
		if op.Kind != OpDelete {
			f, err := Normalize(op.Fields)
			if err != nil {
				return nil, polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInvalidData, err), map[string]interface{}{
					"collection": op.Collection,
					"id":         op.ID,
				})
			}
			op.Fields = f
		}
		normalized[i] = op
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.repair(); err != nil {
		return nil, err
	}

	// Work on copies of the affected collections only.
	working := make(map[string]map[string]polybase.Document)
	coll := func(name string) map[string]polybase.Document {
		if m, ok := working[name]; ok {
			return m
		}
		src := s.collections[name]
		m := make(map[string]polybase.Document, len(src)+1)
		for k, v := range src {
			m[k] = v
		}
		working[name] = m
		return m
	}

	now := s.now()
	results := make([]polybase.Document, 0, len(normalized))
	for i, op := range normalized {
		m := coll(op.Collection)
		existing, exists := m[op.ID]
		switch op.Kind {
		case OpCreate:
			if exists {
				return nil, polybase.WithContext(polybase.ErrAlreadyExists, map[string]interface{}{
					"collection": op.Collection,
					"id":         op.ID,
					"op":         i,
				})
			}
			d := polybase.Document{ID: op.ID, Collection: op.Collection, Fields: op.Fields, CreatedAt: now, UpdatedAt: now}
			m[op.ID] = d
			results = append(results, d)
		case OpUpdate:
			if !exists {
				return nil, notFound(op.Collection, op.ID)
			}
			merged := existing.Fields.Clone()
			for k, v := range op.Fields {
				merged[k] = v
			}
			existing.Fields = merged
			existing.UpdatedAt = now
			m[op.ID] = existing
			results = append(results, existing)
		case OpDelete:
			if !exists {
				return nil, notFound(op.Collection, op.ID)
			}
			delete(m, op.ID)
		case OpPut:
			d := polybase.Document{
				ID:         op.ID,
				Collection: op.Collection,
				Fields:     op.Fields,
				CreatedAt:  op.CreatedAt.UTC(),
				UpdatedAt:  op.UpdatedAt.UTC(),
			}
			if d.CreatedAt.IsZero() {
				d.CreatedAt = now
			}
			if d.UpdatedAt.IsZero() {
				d.UpdatedAt = d.CreatedAt
			}
			m[op.ID] = d
			results = append(results, d)
		default:
			return nil, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
				"op":     i,
				"reason": "unknown operation",
			})
		}
	}

	j := journal{Collections: make(map[string][]polybase.Document, len(working))}
	for name, m := range working {
		j.Collections[name] = sortedDocs(m)
	}
	if err := s.writeJournal(j); err != nil {
		return nil, polybase.WithContext(fmt.Errorf("%w: write journal: %w", polybase.ErrTransactionFailed, err), map[string]interface{}{
			"store": s.dir,
		})
	}
	names := make([]string, 0, len(j.Collections))
	for name := range j.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if err := s.writeCollection(name, j.Collections[name]); err != nil {
			return nil, s.undo(names[:i], fmt.Errorf("%w: write %s: %w", polybase.ErrTransactionFailed, name, err))
		}
	}
	// Every file is in place, so the batch is committed even if the journal
	// lingers; replaying it later rewrites the same contents.
	_ = os.Remove(filepath.Join(s.dir, journalFile))

	for name, m := range working {
		s.collections[name] = m
	}
	for i := range results {
		results[i] = clone(results[i])
	}
	return results, nil
}

// undo restores the collections a failed batch already replaced and drops its
// journal. When that fails too the store is marked broken.
func (s *Store) undo(written []string, cause error) error {
	for _, name := range written {
		if err := s.writeCollection(name, sortedDocs(s.collections[name])); err != nil {
			s.broken = cause
			return polybase.WithContext(cause, map[string]interface{}{
				"store":    s.dir,
				"rollback": err.Error(),
			})
		}
	}
	if err := os.Remove(filepath.Join(s.dir, journalFile)); err != nil && !os.IsNotExist(err) {
		s.broken = cause
	}
	return polybase.WithContext(cause, map[string]interface{}{"store": s.dir})
}

// repair replays the journal of a broken store and reloads it from disk.
func (s *Store) repair() error {
	if s.broken == nil {
		return nil
	}
	if err := s.recover(); err != nil {
		return polybase.WithContext(fmt.Errorf("%w: store needs recovery: %w", polybase.ErrTransactionFailed, err), map[string]interface{}{
			"store": s.dir,
			"cause": s.broken.Error(),
		})
	}
	s.collections = make(map[string]map[string]polybase.Document)
	if err := s.load(); err != nil {
		return fmt.Errorf("%w: reload after recovery: %w", polybase.ErrTransactionFailed, err)
	}
	s.broken = nil
	return nil
}

// Close releases the store. Later calls fail with ErrNotInitialized.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.collections = nil
	return nil
}

// Ping verifies the directory is still writable.
func (s *Store) Ping() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return polybase.ErrNotInitialized
	}
	probe := filepath.Join(s.dir, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), polybase.DefaultFilePermissions); err != nil {
		return polybase.WithContext(polybase.ErrBackendUnavailable, map[string]interface{}{
			"store":  s.dir,
			"reason": err.Error(),
		})
	}
	return os.Remove(probe)
}

func sortedDocs(m map[string]polybase.Document) []polybase.Document {
	out := make([]polybase.Document, 0, len(m))
	for _, d := range m {
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(d polybase.Document) polybase.Document {
	d.Fields = deepCopy(d.Fields)
	return d
}

func notFound(collection, id string) error {
	return polybase.WithContext(polybase.ErrNotFound, map[string]interface{}{
		"collection": collection,
		"id":         id,
	})
}
