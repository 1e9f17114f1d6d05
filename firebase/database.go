package firebase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/internal/docstore"
)

// Firestore documents are stored as an envelope so user fields never collide with
// the timestamps:
//
//	{fields: {...}, createdAt: <timestamp>, updatedAt: <timestamp>}
const (
	envFields    = "fields"
	envCreatedAt = "createdAt"
	envUpdatedAt = "updatedAt"

	// maxTransactionWrites is the Firestore limit on writes per commit.
	maxTransactionWrites = 500
)

// Database implements polybase.DatabaseProvider on Cloud Firestore.
type Database struct {
	client  *firestore.Client
	breaker *polybase.CircuitBreaker
	logger  polybase.Logger
	metrics polybase.Metrics
	now     func() time.Time
}

func newDatabase(client *firestore.Client, cb *polybase.CircuitBreaker, logger polybase.Logger, metrics polybase.Metrics) *Database {
	return &Database{
		client:  client,
		breaker: cb,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Database) Name() string                    { return "database" }
func (d *Database) Start(ctx context.Context) error { return nil }

// Stop closes the Firestore client shared with realtime and functions.
func (d *Database) Stop(ctx context.Context) error {
	return d.client.Close()
}

func (d *Database) Health(ctx context.Context) error {
	return call(ctx, d.breaker, "firestore.health", func(ctx context.Context) error {
		_, err := d.client.Collections(ctx).Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	})
}

// do runs one Firestore call with breaker, metrics and error mapping.
func (d *Database) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := call(ctx, d.breaker, "firestore."+op, fn)
	d.metrics.Increment(polybase.MetricBackendOps, "operation", op, "backend", "firestore")
	d.metrics.Timing(polybase.MetricBackendLatency, time.Since(start), "operation", op, "backend", "firestore")
	if err != nil && !polybase.IsNotFound(err) && !polybase.IsConflict(err) {
		d.metrics.Increment(polybase.MetricBackendErrors, "operation", op, "backend", "firestore")
	}
	return err
}

func envelope(fields polybase.Fields, created, updated time.Time) map[string]interface{} {
	return map[string]interface{}{
		envFields:    map[string]interface{}(fields),
		envCreatedAt: created,
		envUpdatedAt: updated,
	}
}

// decode turns a snapshot into a Document with JSON-normalized fields.
func decode(collection string, snap *firestore.DocumentSnapshot) (polybase.Document, error) {
	data := snap.Data()
	raw, _ := data[envFields].(map[string]interface{})
	fields, err := docstore.Normalize(polybase.Fields(raw))
	if err != nil {
		return polybase.Document{}, polybase.Wrap(polybase.ErrInvalidData, err, map[string]interface{}{
			"collection": collection,
			"id":         snap.Ref.ID,
		})
	}
	doc := polybase.Document{ID: snap.Ref.ID, Collection: collection, Fields: fields}
	if t, ok := data[envCreatedAt].(time.Time); ok {
		doc.CreatedAt = t.UTC()
	} else {
		doc.CreatedAt = snap.CreateTime.UTC()
	}
	if t, ok := data[envUpdatedAt].(time.Time); ok {
		doc.UpdatedAt = t.UTC()
	} else {
		doc.UpdatedAt = snap.UpdateTime.UTC()
	}
	return doc, nil
}

func (d *Database) Create(ctx context.Context, collection string, fields polybase.Fields) (polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.Document{}, err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return polybase.Document{}, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	now := d.now()
	doc := polybase.Document{ID: polybase.NewID(), Collection: collection, Fields: norm, CreatedAt: now, UpdatedAt: now}
	err = d.do(ctx, "create", func(ctx context.Context) error {
		_, err := d.client.Collection(collection).Doc(doc.ID).Create(ctx, envelope(norm, now, now))
		return err
	})
	if err != nil {
		return polybase.Document{}, err
	}
	return doc, nil
}

func (d *Database) Get(ctx context.Context, collection, id string) (polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.Document{}, err
	}
	var snap *firestore.DocumentSnapshot
	err := d.do(ctx, "get", func(ctx context.Context) error {
		var err error
		snap, err = d.client.Collection(collection).Doc(id).Get(ctx)
		return err
	})
	if err != nil {
		return polybase.Document{}, err
	}
	return decode(collection, snap)
}

// fieldUpdates builds a merge of fields into the envelope.
func fieldUpdates(fields polybase.Fields, now time.Time) []firestore.Update {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ups := make([]firestore.Update, 0, len(keys)+1)
	for _, k := range keys {
		ups = append(ups, firestore.Update{FieldPath: firestore.FieldPath{envFields, k}, Value: fields[k]})
	}
	return append(ups, firestore.Update{Path: envUpdatedAt, Value: now})
}

func (d *Database) Update(ctx context.Context, collection, id string, fields polybase.Fields) (polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.Document{}, err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return polybase.Document{}, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	ref := d.client.Collection(collection).Doc(id)
	err = d.do(ctx, "update", func(ctx context.Context) error {
		_, err := ref.Update(ctx, fieldUpdates(norm, d.now()))
		return err
	})
	if err != nil {
		return polybase.Document{}, err
	}
	return d.Get(ctx, collection, id)
}

func (d *Database) Delete(ctx context.Context, collection, id string) error {
	if err := docstore.ValidatePublic(collection); err != nil {
		return err
	}
	return d.do(ctx, "delete", func(ctx context.Context) error {
		_, err := d.client.Collection(collection).Doc(id).Delete(ctx, firestore.Exists)
		return err
	})
}

// firestoreOp maps an operator onto the Firestore query syntax.
func firestoreOp(op polybase.Operator) string {
	if op == polybase.OpEqual {
		return "=="
	}
	return string(op)
}

// Query ANDs the filters. Results are ordered by id.
func (d *Database) Query(ctx context.Context, collection string, filters ...polybase.Filter) ([]polybase.Document, error) {
	if err := docstore.ValidatePublic(collection); err != nil {
		return nil, err
	}
	q := d.client.Collection(collection).Query
	for _, f := range filters {
		m, err := docstore.NewMatcher(f)
		if err != nil {
			return nil, err
		}
		q = q.WherePath(firestore.FieldPath{envFields, f.Field}, firestoreOp(f.Operator), m.Value())
	}
	var docs []polybase.Document
	err := d.do(ctx, "query", func(ctx context.Context) error {
		snaps, err := q.Documents(ctx).GetAll()
		if err != nil {
			return err
		}
		docs = docs[:0]
		for _, s := range snaps {
			doc, err := decode(collection, s)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// List pages through a collection in id order.
func (d *Database) List(ctx context.Context, collection string, opts polybase.ListOptions) (polybase.ListResult, error) {
	if opts.Limit < 0 {
		return polybase.ListResult{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field": "limit",
			"value": opts.Limit,
		})
	}
	if err := docstore.ValidatePublic(collection); err != nil {
		return polybase.ListResult{}, err
	}
	limit := opts.Limit
	if limit == 0 {
		limit = polybase.DefaultListPageSize
	}
	col := d.client.Collection(collection)

	var res polybase.ListResult
	err := d.do(ctx, "list", func(ctx context.Context) error {
		agg, err := col.NewAggregationQuery().WithCount("total").Get(ctx)
		if err != nil {
			return err
		}
		if v, ok := agg["total"].(*firestorepb.Value); ok {
			res.Count = int(v.GetIntegerValue())
		}

		q := col.OrderBy(firestore.DocumentID, firestore.Asc).Limit(limit + 1)
		if opts.Cursor != "" {
			q = q.StartAfter(opts.Cursor)
		}
		snaps, err := q.Documents(ctx).GetAll()
		if err != nil {
			return err
		}
		more := len(snaps) > limit
		if more {
			snaps = snaps[:limit]
		}
		res.Documents = make([]polybase.Document, 0, len(snaps))
		for _, s := range snaps {
			doc, err := decode(collection, s)
			if err != nil {
				return err
			}
			res.Documents = append(res.Documents, doc)
		}
		if more && len(res.Documents) > 0 {
			res.NextCursor = res.Documents[len(res.Documents)-1].ID
		}
		return nil
	})
	return res, err
}

// Upsert writes doc with its id and timestamps preserved.
func (d *Database) Upsert(ctx context.Context, doc polybase.Document) error {
	if err := docstore.ValidatePublic(doc.Collection); err != nil {
		return err
	}
	norm, err := docstore.Normalize(doc.Fields)
	if err != nil {
		return polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	created, updated := doc.CreatedAt, doc.UpdatedAt
	if created.IsZero() {
		created = d.now()
	}
	if updated.IsZero() {
		updated = created
	}
	return d.do(ctx, "upsert", func(ctx context.Context) error {
		_, err := d.client.Collection(doc.Collection).Doc(doc.ID).Set(ctx, envelope(norm, created, updated))
		return err
	})
}

func (d *Database) Collections(ctx context.Context) ([]string, error) {
	var out []string
	err := d.do(ctx, "collections", func(ctx context.Context) error {
		out = out[:0]
		it := d.client.Collections(ctx)
		for {
			ref, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			if !docstore.IsInternal(ref.ID) {
				out = append(out, ref.ID)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func normalize(fields polybase.Fields) (polybase.Fields, error) {
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return nil, polybase.Wrap(polybase.ErrInvalidData, err, nil)
	}
	return norm, nil
}

// Transaction buffers fn's writes and commits them in one Firestore transaction.
func (d *Database) Transaction(ctx context.Context, fn func(tx polybase.Tx) error) error {
	tx := docstore.NewBatch(normalize)
	defer func() {
		if r := recover(); r != nil {
			tx.Close()
			d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "panic")
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
	if len(ops) > maxTransactionWrites {
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "size")
		return polybase.WithContext(polybase.ErrTransactionFailed, map[string]interface{}{
			"ops":    len(ops),
			"reason": "firestore commits at most 500 writes",
		})
	}
	if err := ctx.Err(); err != nil {
		d.metrics.Increment(polybase.MetricTransactionRollback, "reason", "canceled")
		return err
	}

	err := d.do(ctx, "transaction", func(ctx context.Context) error {
		return d.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
			now := d.now()
			for _, op := range ops {
				ref := d.client.Collection(op.Collection).Doc(op.ID)
				var err error
				switch op.Kind {
				case docstore.OpCreate:
					err = t.Create(ref, envelope(op.Fields, now, now))
				case docstore.OpUpdate:
					err = t.Update(ref, fieldUpdates(op.Fields, now))
				case docstore.OpDelete:
					err = t.Delete(ref, firestore.Exists)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
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
