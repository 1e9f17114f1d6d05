package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/adrianmcphee/polybase"
)

// Normalize converts fields into their stored JSON form: every number becomes
// float64, structs become maps. Values that cannot be encoded are rejected.
func Normalize(f polybase.Fields) (polybase.Fields, error) {
	if f == nil {
		return polybase.Fields{}, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var out polybase.Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = polybase.Fields{}
	}
	return out, nil
}

// normalizeValue converts a filter operand into the stored JSON form.
func normalizeValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Matcher evaluates one filter against stored fields.
type Matcher struct {
	field string
	op    polybase.Operator
	value interface{}
}

// NewMatcher validates a filter and normalizes its operand.
func NewMatcher(f polybase.Filter) (Matcher, error) {
	if f.Field == "" {
		return Matcher{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "filter.field",
			"reason": "filter field is required",
		})
	}
	if !f.Operator.Valid() {
		return Matcher{}, polybase.WithContext(polybase.ErrInvalidData, map[string]interface{}{
			"field":  "filter.operator",
			"value":  f.Operator,
			"reason": "unsupported operator",
		})
	}
	v, err := normalizeValue(f.Value)
	if err != nil {
		return Matcher{}, polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrInvalidData, err), map[string]interface{}{
			"field": f.Field,
		})
	}
	return Matcher{field: f.Field, op: f.Operator, value: v}, nil
}

// Value is the normalized operand.
func (m Matcher) Value() interface{} { return m.value }

// Match reports whether fields satisfy the filter. A missing field never matches.
// Values of different JSON types are unequal and unordered: 25 never equals "25".
func (m Matcher) Match(fields polybase.Fields) bool {
	v, ok := fields[m.field]
	if !ok {
		return false
	}
	cmp, comparable := compare(v, m.value)
	switch m.op {
	case polybase.OpEqual:
		return comparable && cmp == 0 || !comparable && sameType(v, m.value) && reflect.DeepEqual(v, m.value)
	case polybase.OpNotEqual:
		if comparable {
			return cmp != 0
		}
		return !(sameType(v, m.value) && reflect.DeepEqual(v, m.value))
	case polybase.OpGreater:
		return comparable && cmp > 0
	case polybase.OpGreaterEqual:
		return comparable && cmp >= 0
	case polybase.OpLess:
		return comparable && cmp < 0
	case polybase.OpLessEqual:
		return comparable && cmp <= 0
	}
	return false
}

func matchAll(ms []Matcher, fields polybase.Fields) bool {
	for _, m := range ms {
		if !m.Match(fields) {
			return false
		}
	}
	return true
}

// compare orders two normalized scalars of the same JSON type.
func compare(a, b interface{}) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func sameType(a, b interface{}) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// deepCopy copies nested maps and slices of normalized fields.
func deepCopy(f polybase.Fields) polybase.Fields {
	if f == nil {
		return nil
	}
	out := make(polybase.Fields, len(f))
	for k, v := range f {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, vv := range x {
			m[k] = copyValue(vv)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(x))
		for i, vv := range x {
			s[i] = copyValue(vv)
		}
		return s
	}
	return v
}
