// Package vars holds the nested key/value trees carried by error notices.
//
// A tree node is a Value: null, a string scalar, an ordered mapping of
// string keys to Values, or a list of Values. Lists only appear where an
// element repeats without a key (backtrace lines); keyed data is always a
// mapping.
package vars

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind identifies the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a node of a variable tree. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	m    *Map
	list []Value
}

// Null returns the null value
func Null() Value { return Value{} }

// String returns a string scalar
func String(s string) Value { return Value{kind: KindString, str: s} }

// FromMap wraps a mapping. A nil map becomes an empty mapping.
func FromMap(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

// ListOf returns a list value
func ListOf(items ...Value) Value {
	return Value{kind: KindList, list: items}
}

// Kind reports the variant
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the scalar string if v is a string
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsMap returns the mapping if v is a map
func (v Value) AsMap() (*Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// AsList returns the items if v is a list
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Lookup walks nested mappings along path
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, key := range path {
		m, ok := cur.AsMap()
		if !ok {
			return Value{}, false
		}
		next, ok := m.Get(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// StringAt returns the string found at path. Null and missing both
// report false.
func (v Value) StringAt(path ...string) (string, bool) {
	found, ok := v.Lookup(path...)
	if !ok {
		return "", false
	}
	return found.AsString()
}

// Equal compares two trees, including mapping key order
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

// GoString renders the tree compactly for test failure output
func (v Value) GoString() string {
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("nil")
	case KindString:
		fmt.Fprintf(b, "%q", v.str)
	case KindList:
		b.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				b.WriteString(", ")
			}
			item.write(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		i := 0
		v.m.Range(func(key string, val Value) bool {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%q: ", key)
			val.write(b)
			i++
			return true
		})
		b.WriteByte('}')
	}
}

// Map is an insertion-ordered mapping. Setting an existing key replaces
// its value but keeps the key at its first position.
type Map struct {
	om *orderedmap.OrderedMap[string, Value]
}

// NewMap returns an empty mapping
func NewMap() *Map {
	return &Map{om: orderedmap.New[string, Value]()}
}

// Set stores value under key
func (m *Map) Set(key string, value Value) {
	if m.om == nil {
		m.om = orderedmap.New[string, Value]()
	}
	m.om.Set(key, value)
}

// Get returns the value under key
func (m *Map) Get(key string) (Value, bool) {
	if m == nil || m.om == nil {
		return Value{}, false
	}
	return m.om.Get(key)
}

// Len returns the number of keys
func (m *Map) Len() int {
	if m == nil || m.om == nil {
		return 0
	}
	return m.om.Len()
}

// Keys returns keys in insertion order
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(key string, _ Value) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Range calls fn for each entry in order until fn returns false
func (m *Map) Range(fn func(key string, value Value) bool) {
	if m == nil || m.om == nil {
		return
	}
	for pair := m.om.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Equal compares entries and their order
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	if m.Len() == 0 {
		return true
	}
	a, b := m.om.Oldest(), o.om.Oldest()
	for a != nil && b != nil {
		if a.Key != b.Key || !a.Value.Equal(b.Value) {
			return false
		}
		a, b = a.Next(), b.Next()
	}
	return a == nil && b == nil
}
