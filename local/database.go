package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

// Database implements polybase.DatabaseProvider on docstore.
type Database struct {
	path    string
	logger  polybase.Logger
	metrics polybase.Metrics

	mu    sync.RWMutex
	store *docstore.Store
}

func newDatabase(path string, logger polybase.Logger, metrics polybase.Metrics) *Database {
	return &Database{path: path, logger: logger, metrics: metrics}
}

func (d *Database) Name() string { return nameDatabase }

func (d *Database) Start(ctx context.Context) error {
	s, err := docstore.Open(d.path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.store = s
	d.mu.Unlock()
	d.logger.Debug("Document store opened", "path", d.path)
	return nil
}

func (d *Database) Stop(ctx context.Context) error {
	d.mu.Lock()
	s := d.store
	d.store = nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (d *Database) Health(ctx context.Context) error {
	s, err := d.internal()
	if err != nil {
		return err
	}
	return s.Ping()
}

// internal returns the store for provider-owned collections.
func (d *Database) internal() (*docstore.Store, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.store == nil {
		return nil, polybase.WithContext(polybase.ErrNotInitialized, map[string]interface{}{
			"component": nameDatabase,
		})
	}
	return d.store, nil
}

// public returns the store after checking the collection is user-visible.
func (d *Database) public(collection string) (*docstore.Store, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return nil, err
	}
	return d.internal()
}

func (d *Database) apply(s *docstore.Store, op string, ops []docstore.Op) ([]polybase.Document, error) {
	start := time.Now()
	docs, err := s.Apply(ops)
	d.metrics.Increment(polybase.MetricBackendOps, "operation", op, "backend", "docstore")
	d.metrics.Timing(polybase.MetricBackendLatency, time.Since(start), "operation", op, "backend", "docstore")
	if err != nil && !polybase.IsNotFound(err) && !polybase.IsConflict(err) {
		d.metrics.Increment(polybase.MetricBackendErrors, "operation", op, "backend", "docstore")
	}
	return docs, err
}

// Create assigns a UUIDv7 id and timestamps.
func (d *Database) Create(ctx context.Context, collection string, fields polybase.Fields) (polybase.Document, error) {
	s, err := d.public(collection)
	if err != nil {
		return polybase.Document{}, err
	}
	docs, err := d.apply(s, "create", []docstore.Op{{
		Kind:       docstore.OpCreate,
		Collection: collection,
		ID:         polybase.NewID(),
		Fields:     fields,
	}})
	if err != nil {
		return polybase.Document{}, err
	}
	return docs[0], nil
}

func (d *Database) Get(ctx context.Context, collection, id string) (polybase.Document, error) {
	s, err := d.public(collection)
	if err != nil {
		return polybase.Document{}, err
	}
	return s.Get(collection, id)
}

// Update merges fields into the document.
func (d *Database) Update(ctx context.Context, collection, id string, fields polybase.Fields) (polybase.Document, error) {
	s, err := d.public(collection)
	if err != nil {
		return polybase.Document{}, err
	}
	docs, err := d.apply(s, "update", []docstore.Op{{
		Kind:       docstore.OpUpdate,
		Collection: collection,
		ID:         id,
		Fields:     fields,
	}})
	if err != nil {
		return polybase.Document{}, err
	}
	return docs[0], nil
}

func (d *Database) Delete(ctx context.Context, collection, id string) error {
	s, err := d.public(collection)
	if err != nil {
		return err
	}
	_, err = d.apply(s, "delete", []docstore.Op{{
		Kind:       docstore.OpDelete,
		Collection: collection,
		ID:         id,
	}})
	return err
}

// Query ANDs the filters. Results are ordered by id.
func (d *Database) Query(ctx context.Context, collection string, filters ...polybase.Filter) ([]polybase.Document, error) {
	s, err := d.public(collection)
	if err != nil {
		return nil, err
	}
	return s.Query(collection, filters)
}

// List pages through a collection in id order.
func (d *Database) List(ctx context.Context, collection string, opts polybase.ListOptions) (polybase.ListResult, error) {
	if opts.Limit < 0 {
		return polybase.ListResult{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field": "limit",
			"value": opts.Limit,
		})
	}
	s, err := d.public(collection)
	if err != nil {
		return polybase.ListResult{}, err
	}
	docs, total, more, err := s.Page(collection, opts.Cursor, opts.Limit)
	if err != nil {
		return polybase.ListResult{}, err
	}
	res := polybase.ListResult{Documents: docs, Count: total}
	if more && len(docs) > 0 {
		res.NextCursor = docs[len(docs)-1].ID
	}
	return res, nil
}

// Upsert writes doc with its id and timestamps preserved.
func (d *Database) Upsert(ctx context.Context, doc polybase.Document) error {
	s, err := d.public(doc.Collection)
	if err != nil {
		return err
	}
	_, err = d.apply(s, "upsert", []docstore.Op{{
		Kind:       docstore.OpPut,
		Collection: doc.Collection,
		ID:         doc.ID,
		Fields:     doc.Fields,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}})
	return err
}

// Collections lists user-visible, non-empty collections.
func (d *Database) Collections(ctx context.Context) ([]string, error) {
	s, err := d.internal()
	if err != nil {
		return nil, err
	}
	all, err := s.Collections()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if !docstore.IsInternal(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Transaction buffers fn's writes and commits them as one batch.
// A returned error discards the buffer and is returned as is. A panic discards
// the buffer and is re-raised.
func (d *Database) Transaction(ctx context.Context, fn func(tx polybase.Tx) error) (err error) {
	s, err := d.internal()
	if err != nil {
		return err
	}
	tx := docstore.NewBatch(nil)

	defer func() {
		if r := recover(); r != nil {
			ops := tx.Close()
			d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "panic")
			d.logger.Warn("Transaction panicked, discarding buffered writes", "ops", len(ops), "panic", r)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Close()
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "error")
		return err
	}
	ops := tx.Close()
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "canceled")
		return err
	}

	if _, err := d.apply(s, "transaction", ops); err != nil {
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "commit")
		return polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrTransactionFailed, err), map[string]interface{}{
			"ops": len(ops),
		})
	}
	d.metrics.Increment(polybase.MetricTransactionCommit)
	d.metrics.Histogram(polybase.MetricTransactionSize, float64(len(ops)))
	return nil
}

var (
	_ polybase.DatabaseProvider = (*Database)(nil)
	_ polybase.Component        = (*Database)(nil)
)
