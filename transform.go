package polybase

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReservedFieldPrefix is prepended to fields whose names the target backend reserves.
const ReservedFieldPrefix = "x_"

// TransformFunc rewrites a document's fields during migration.
type TransformFunc func(fields Fields) (Fields, error)

// TransformSet holds per-collection field transforms applied while migrating documents.
//
//	ts := polybase.NewTransformSet()
//	ts.Collection("users").
//	    Split("name", " ", "first_name", "last_name").
//	    AddField("phone", "").
//	    RenameField("created", "created_at")
//	ts.Collection("orders").RemoveField("legacy_flag")
//
// Transforms registered for "*" run for every collection after its own transforms.
type TransformSet struct {
	chains map[string][]TransformFunc
}

// NewTransformSet creates an empty set.
func NewTransformSet() *TransformSet {
	return &TransformSet{chains: make(map[string][]TransformFunc)}
}

// TransformBuilder appends transforms for one collection.
type TransformBuilder struct {
	set        *TransformSet
	collection string
}

// Collection starts a transform chain for a collection.
func (s *TransformSet) Collection(name string) *TransformBuilder {
	return &TransformBuilder{set: s, collection: name}
}

// Do appends a custom transform.
func (b *TransformBuilder) Do(fn TransformFunc) *TransformBuilder {
	b.set.chains[b.collection] = append(b.set.chains[b.collection], fn)
	return b
}

// Split splits a string field by delimiter into target fields and removes the source.
// Missing parts become empty strings.
func (b *TransformBuilder) Split(sourceField, delimiter string, targetFields ...string) *TransformBuilder {
	return b.Do(func(f Fields) (Fields, error) {
		if val, ok := f[sourceField].(string); ok {
			parts := strings.SplitN(val, delimiter, len(targetFields))
			for i, field := range targetFields {
				if i < len(parts) {
					f[field] = parts[i]
				} else {
					f[field] = ""
				}
			}
			delete(f, sourceField)
		}
		return f, nil
	})
}

// AddField sets a default when the field is absent.
func (b *TransformBuilder) AddField(field string, defaultValue interface{}) *TransformBuilder {
	return b.Do(func(f Fields) (Fields, error) {
		if _, exists := f[field]; !exists {
			f[field] = defaultValue
		}
		return f, nil
	})
}

// RenameField moves a value to a new name.
func (b *TransformBuilder) RenameField(oldName, newName string) *TransformBuilder {
	return b.Do(func(f Fields) (Fields, error) {
		if val, exists := f[oldName]; exists {
			f[newName] = val
			delete(f, oldName)
		}
		return f, nil
	})
}

// RemoveField drops a field.
func (b *TransformBuilder) RemoveField(field string) *TransformBuilder {
	return b.Do(func(f Fields) (Fields, error) {
		delete(f, field)
		return f, nil
	})
}

// Typed registers a transform over concrete types, adapted through JSON.
func Typed[From any, To any](b *TransformBuilder, fn func(From) (To, error)) *TransformBuilder {
	return b.Do(func(f Fields) (Fields, error) {
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		var in From
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("unmarshal to source type: %w", err)
		}
		out, err := fn(in)
		if err != nil {
			return nil, err
		}
		raw, err = json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		var result Fields
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		return result, nil
	})
}

// Apply runs the collection's transforms, then the "*" transforms, on a copy of fields.
// A nil set returns a copy unchanged.
func (s *TransformSet) Apply(collection string, fields Fields) (Fields, error) {
	out := fields.Clone()
	if s == nil {
		return out, nil
	}
	chain := append(append([]TransformFunc(nil), s.chains[collection]...), s.chains["*"]...)
	for i, fn := range chain {
		next, err := fn(out)
		if err != nil {
			return nil, WithContext(fmt.Errorf("%w: transform %d: %w", ErrInvalidData, i, err), map[string]interface{}{
				"collection": collection,
			})
		}
		if next == nil {
			next = Fields{}
		}
		out = next
	}
	return out, nil
}

// EscapeReserved renames fields the target reserves by prefixing ReservedFieldPrefix.
// It reports the renamed fields.
func EscapeReserved(fields Fields, target Capabilities) (Fields, []string) {
	var renamed []string
	out := make(Fields, len(fields))
	for k, v := range fields {
		if target.Reserved(k) {
			name := ReservedFieldPrefix + k
			for target.Reserved(name) {
				name = ReservedFieldPrefix + name
			}
			out[name] = v
			renamed = append(renamed, k)
			continue
		}
		out[k] = v
	}
	return out, renamed
}
