package docstore

import (
	"sync"

	"github.com/adrianmcphee/polybase"
)

// Batch is the Tx handed to Transaction callbacks. It buffers writes as Ops
// until Close; writes after Close fail with ErrTransactionFailed.
type Batch struct {
	prepare func(polybase.Fields) (polybase.Fields, error)

	mu     sync.Mutex
	ops    []Op
	closed bool
}

// NewBatch returns an empty batch. prepare converts fields before they are
// buffered; nil buffers a copy.
func NewBatch(prepare func(polybase.Fields) (polybase.Fields, error)) *Batch {
	return &Batch{prepare: prepare}
}

// Close stops the batch and returns the buffered ops in call order.
func (b *Batch) Close() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	ops := b.ops
	b.ops = nil
	return ops
}

func (b *Batch) add(op Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return polybase.WithContext(polybase.ErrTransactionFailed, map[string]interface{}{
			"reason": "transaction already finished",
		})
	}
	b.ops = append(b.ops, op)
	return nil
}

func (b *Batch) fields(f polybase.Fields) (polybase.Fields, error) {
	if b.prepare == nil {
		return f.Clone(), nil
	}
	return b.prepare(f)
}

func (b *Batch) Create(collection string, fields polybase.Fields) (string, error) {
	if err := ValidatePublic(collection); err != nil {
		return "", err
	}
	f, err := b.fields(fields)
	if err != nil {
		return "", err
	}
	id := polybase.NewID()
	return id, b.add(Op{Kind: OpCreate, Collection: collection, ID: id, Fields: f})
}

func (b *Batch) Update(collection, id string, fields polybase.Fields) error {
	if err := ValidatePublic(collection); err != nil {
		return err
	}
	f, err := b.fields(fields)
	if err != nil {
		return err
	}
	return b.add(Op{Kind: OpUpdate, Collection: collection, ID: id, Fields: f})
}

func (b *Batch) Delete(collection, id string) error {
	if err := ValidatePublic(collection); err != nil {
		return err
	}
	return b.add(Op{Kind: OpDelete, Collection: collection, ID: id})
}

var _ polybase.Tx = (*Batch)(nil)
