// Package value implements the dynamically typed value tree that flows
// through the data-access core. A Value is either a scalar (null, bool,
// int, float, string, bytes), a list, or a dictionary with preserved
// insertion order. Values are used both as request payloads and as the
// hydrated response graph.
package value

import (
	"fmt"
	"strconv"
)

// Kind identifies the concrete type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindDict
)

// String returns the lowercase kind name, used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Reserved dictionary keys carrying per-object metadata.
const (
	KeyOID       = "__oid"
	KeyDelta     = "__delta"
	KeyViews     = "__views"
	KeyTSRank    = "__ts_rank"
	KeyHeadlines = "__headlines"
)

// Value is a tagged union over the supported payload types.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	list []*Value
	dict *Dict
}

// Null returns the null value.
func Null() *Value { return &Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) *Value { return &Value{kind: KindBool, b: b} }

// Int wraps a 64-bit integer.
func Int(i int64) *Value { return &Value{kind: KindInt, i: i} }

// Float wraps a double.
func Float(f float64) *Value { return &Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) *Value { return &Value{kind: KindString, s: s} }

// Bytes wraps a byte slice. The slice is not copied.
func Bytes(b []byte) *Value { return &Value{kind: KindBytes, raw: b} }

// List wraps the given elements into a list value.
func List(elems ...*Value) *Value {
	return &Value{kind: KindList, list: elems}
}

// NewDict returns an empty dictionary value.
func NewDict() *Value {
	return &Value{kind: KindDict, dict: newDict()}
}

// FromDict wraps an existing Dict.
func FromDict(d *Dict) *Value {
	return &Value{kind: KindDict, dict: d}
}

// Kind reports the concrete type of v.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v is nil or the null value.
func (v *Value) IsNull() bool { return v == nil || v.kind == KindNull }

// Bool returns the boolean payload (false for other kinds).
func (v *Value) Bool() bool { return v != nil && v.kind == KindBool && v.b }

// Int returns the integer payload. Floats are truncated; other kinds
// return zero.
func (v *Value) Int() int64 {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	case KindBool:
		if v.b {
			return 1
		}
	}
	return 0
}

// Float returns the floating-point payload, widening integers.
func (v *Value) Float() float64 {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	}
	return 0
}

// String returns the string payload for string values, or a formatted
// rendering for scalars. Lists and dicts render as their JSON form.
func (v *Value) String() string {
	if v == nil {
		return ""
	}
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	default:
		b, err := v.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("<%s>", v.kind)
		}
		return string(b)
	}
}

// Bytes returns the byte payload (nil for other kinds).
func (v *Value) Bytes() []byte {
	if v == nil || v.kind != KindBytes {
		return nil
	}
	return v.raw
}

// List returns the element slice (nil for other kinds).
func (v *Value) List() []*Value {
	if v == nil || v.kind != KindList {
		return nil
	}
	return v.list
}

// Append adds elements to a list value. No-op for other kinds.
func (v *Value) Append(elems ...*Value) {
	if v != nil && v.kind == KindList {
		v.list = append(v.list, elems...)
	}
}

// Dict returns the dictionary payload (nil for other kinds).
func (v *Value) Dict() *Dict {
	if v == nil || v.kind != KindDict {
		return nil
	}
	return v.dict
}

// Get is a convenience accessor for dictionary values; it returns the
// null value when the key is absent or v is not a dictionary.
func (v *Value) Get(key string) *Value {
	if d := v.Dict(); d != nil {
		if e, ok := d.Get(key); ok {
			return e
		}
	}
	return Null()
}

// Has reports whether v is a dictionary containing key.
func (v *Value) Has(key string) bool {
	d := v.Dict()
	if d == nil {
		return false
	}
	_, ok := d.Get(key)
	return ok
}

// Set stores key on a dictionary value. No-op for other kinds.
func (v *Value) Set(key string, e *Value) {
	if d := v.Dict(); d != nil {
		d.Set(key, e)
	}
}

// Delete removes key from a dictionary value.
func (v *Value) Delete(key string) {
	if d := v.Dict(); d != nil {
		d.Delete(key)
	}
}

// OID returns the __oid entry of a dictionary value, or the integer
// itself when v is a bare integer standing in for an object.
func (v *Value) OID() int64 {
	if v == nil {
		return 0
	}
	if v.kind == KindInt {
		return v.i
	}
	if v.kind == KindDict {
		return v.Get(KeyOID).Int()
	}
	return 0
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return Null()
	}
	switch v.kind {
	case KindBytes:
		raw := make([]byte, len(v.raw))
		copy(raw, v.raw)
		return Bytes(raw)
	case KindList:
		elems := make([]*Value, len(v.list))
		for i, e := range v.list {
			elems[i] = e.Clone()
		}
		return List(elems...)
	case KindDict:
		out := NewDict()
		v.dict.Range(func(k string, e *Value) bool {
			out.Set(k, e.Clone())
			return true
		})
		return out
	default:
		c := *v
		return &c
	}
}
