// Package query models the typed query tree produced by path
// resolution: an ordered, non-empty list of per-segment selection
// records over registered schemes. The list is consumed by the storage
// adapter, which translates it into SQL; this package never generates
// SQL itself.
package query

import (
	"fmt"
	"strconv"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// Comparator enumerates the selection operators of the path grammar.
type Comparator int

const (
	CmpEq Comparator = iota
	CmpNeq
	CmpLt
	CmpLe
	CmpGt
	CmpGe
	CmpBw  // between, exclusive
	CmpBe  // between, inclusive
	CmpNbw // not between, exclusive
	CmpNbe // not between, inclusive
)

var comparatorNames = map[string]Comparator{
	"eq": CmpEq, "neq": CmpNeq,
	"lt": CmpLt, "le": CmpLe, "gt": CmpGt, "ge": CmpGe,
	"bw": CmpBw, "be": CmpBe, "nbw": CmpNbw, "nbe": CmpNbe,
}

// ComparatorByName resolves a path token to a Comparator.
func ComparatorByName(name string) (Comparator, bool) {
	c, ok := comparatorNames[name]
	return c, ok
}

// String returns the grammar token for c.
func (c Comparator) String() string {
	for n, v := range comparatorNames {
		if v == c {
			return n
		}
	}
	return "?"
}

// IsBetween reports whether the comparator consumes two values.
func (c Comparator) IsBetween() bool {
	switch c {
	case CmpBw, CmpBe, CmpNbw, CmpNbe:
		return true
	}
	return false
}

// Predicate is one (field, comparator, value, value2) selection term.
type Predicate struct {
	Field *scheme.Field
	Cmp   Comparator
	V1    *value.Value
	V2    *value.Value // between variants only
}

// Ordering is one (field, direction) sort term.
type Ordering struct {
	Field *scheme.Field
	Desc  bool
}

// Anchor selects first/last-style cursor pagination.
type Anchor int

const (
	AnchorNone Anchor = iota
	AnchorFirst
	AnchorLast
)

// Limit sentinels: the adapter applies its configured default limit
// when Limit == LimitDefault; LimitNone removes any limit. Both are
// negative so an explicit "limit 0" stays an empty window instead of
// turning into the default page.
const (
	LimitDefault = -1
	LimitNone    = -2
)

// Query is the selection record for one path segment.
type Query struct {
	Scheme *scheme.Scheme

	// Ref is the field on the previous item's scheme that bound this
	// item. Nil on the head item.
	Ref *scheme.Field

	// Single-row targets. OID 0 and empty Alias mean unset.
	OID   int64
	Alias string

	Predicates []Predicate
	Orderings  []Ordering

	Limit  int
	Offset int

	// IncludeDeleted keeps tombstoned rows in the selection. Set on
	// delta-scoped reads so deletions are reported.
	IncludeDeleted bool

	Anchor      Anchor
	AnchorField *scheme.Field
	AnchorCount int

	// Select restricts the fetched fields; empty means all.
	Select []string
}

// SingleRow reports whether this item is known to select at most one
// row on its own (oid, alias, unique eq, or an unanchored first/last).
func (q *Query) SingleRow() bool {
	if q.OID != 0 || q.Alias != "" {
		return true
	}
	if q.Anchor != AnchorNone && q.AnchorCount == 1 {
		return true
	}
	for _, p := range q.Predicates {
		if p.Cmp == CmpEq && (p.Field.Is(scheme.FlagUnique) || p.Field.Transform == scheme.TransformAlias) {
			return true
		}
	}
	return false
}

// AddPredicate validates the value(s) against the field type and
// appends the term.
func (q *Query) AddPredicate(f *scheme.Field, cmp Comparator, v1, v2 *value.Value) error {
	if err := CheckComparator(f, cmp); err != nil {
		return err
	}
	if err := CheckValue(f, v1); err != nil {
		return err
	}
	if cmp.IsBetween() {
		if v2 == nil {
			return fmt.Errorf("comparator %s on %s needs two values", cmp, f.Name)
		}
		if err := CheckValue(f, v2); err != nil {
			return err
		}
	}
	q.Predicates = append(q.Predicates, Predicate{Field: f, Cmp: cmp, V1: v1, V2: v2})
	return nil
}

// CheckComparator rejects comparators that make no sense for the field
// type; the between variants require a numeric field.
func CheckComparator(f *scheme.Field, cmp Comparator) error {
	if cmp.IsBetween() {
		switch f.Type {
		case scheme.Integer, scheme.Float:
			return nil
		}
		return fmt.Errorf("comparator %s requires a numeric field, %s is %s", cmp, f.Name, f.Type)
	}
	return nil
}

// CheckValue rejects values whose kind does not match the field type.
func CheckValue(f *scheme.Field, v *value.Value) error {
	if v == nil {
		return fmt.Errorf("missing value for field %s", f.Name)
	}
	switch f.Type {
	case scheme.Text:
		if v.Kind() != value.KindString {
			return fmt.Errorf("field %s expects a string value", f.Name)
		}
	case scheme.Boolean:
		if v.Kind() != value.KindBool {
			return fmt.Errorf("field %s expects a boolean value", f.Name)
		}
	case scheme.Integer, scheme.Object, scheme.File, scheme.Image:
		if v.Kind() != value.KindInt {
			return fmt.Errorf("field %s expects an integer value", f.Name)
		}
	case scheme.Float:
		if v.Kind() != value.KindInt && v.Kind() != value.KindFloat {
			return fmt.Errorf("field %s expects a numeric value", f.Name)
		}
	}
	return nil
}

// ParseFieldValue converts a path token into a typed value for the
// given field. Boolean fields accept t|true|1 and f|false|0; numeric
// fields require a valid literal.
func ParseFieldValue(f *scheme.Field, token string) (*value.Value, error) {
	switch f.Type {
	case scheme.Text:
		return value.String(token), nil
	case scheme.Boolean:
		switch token {
		case "t", "true", "1":
			return value.Bool(true), nil
		case "f", "false", "0":
			return value.Bool(false), nil
		}
		return nil, fmt.Errorf("bad boolean %q for field %s", token, f.Name)
	case scheme.Integer, scheme.Object, scheme.File, scheme.Image:
		i, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q for field %s", token, f.Name)
		}
		return value.Int(i), nil
	case scheme.Float:
		fl, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q for field %s", token, f.Name)
		}
		return value.Float(fl), nil
	case scheme.Bytes:
		return value.String(token), nil
	}
	return nil, fmt.Errorf("field %s (%s) is not selectable", f.Name, f.Type)
}
