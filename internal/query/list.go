package query

import (
	"fmt"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// Ancillary keys recognized by ApplyPredicateObject.
const (
	keyLimit  = "__limit"
	keyOffset = "__offset"
	keyOrder  = "__order"
)

// List is the ordered, non-empty sequence of query items produced by
// path resolution. Item 0 targets the root scheme; item k binds to
// item k-1 through Ref. The final item determines the effective scheme
// used for access control and hydration.
type List struct {
	items []*Query

	// SingleObject is the resolver's latch: the selection is known to
	// contain at most one row.
	SingleObject bool

	// PropertyField is the terminal field for property resources
	// (File, Image, Array, field-object, view, search).
	PropertyField *scheme.Field

	// FullText carries the search sub-query for Search resources.
	FullText string

	// ContinueToken is the opaque cursor from a previous page.
	ContinueToken string

	// ResolveDepth overrides the default hydration depth (clamped by
	// the handler).
	ResolveDepth int

	deltaApplicable bool
	finalized       bool
}

// NewList returns a list with a head item targeting root.
func NewList(root *scheme.Scheme) *List {
	return &List{items: []*Query{{Scheme: root, Limit: LimitDefault}}}
}

// Push appends an item for s, bound through ref on the current tail's
// scheme, and returns it. Panics after Finalize.
func (l *List) Push(s *scheme.Scheme, ref *scheme.Field) *Query {
	if l.finalized {
		panic("query list: Push after Finalize")
	}
	q := &Query{Scheme: s, Ref: ref, Limit: LimitDefault}
	l.items = append(l.items, q)
	return q
}

// Head returns the root item.
func (l *List) Head() *Query { return l.items[0] }

// Prefix returns a finalized list over the first n items, used to
// resolve the parent selection of a bound item. The items are shared.
func (l *List) Prefix(n int) *List {
	p := &List{items: l.items[:n]}
	p.Finalize()
	return p
}

// Tail returns the final item.
func (l *List) Tail() *Query { return l.items[len(l.items)-1] }

// Items returns the items head to tail. The slice is shared.
func (l *List) Items() []*Query { return l.items }

// Len returns the number of items.
func (l *List) Len() int { return len(l.items) }

// EffectiveScheme returns the tail item's scheme.
func (l *List) EffectiveScheme() *scheme.Scheme { return l.Tail().Scheme }

// Finalize computes the delta-applicable predicate once and freezes the
// item structure. Ancillary setters remain allowed.
func (l *List) Finalize() {
	if l.finalized {
		return
	}
	l.finalized = true

	// Delta only applies when every item narrows to specific rows
	// (oid, alias, unique eq, or a first/last anchor); broad
	// selections cannot be tagged with a single delta stream.
	for _, q := range l.items {
		// Non-head items bound through a single-valued Object ref or a
		// view membership inherit the parent's narrowing.
		if q.Ref != nil && (q.Ref.Type == scheme.Object || q.Ref.Type == scheme.View) {
			continue
		}
		if !narrowTarget(q) {
			return
		}
	}

	if l.EffectiveScheme().DeltaTracked {
		l.deltaApplicable = true
		return
	}
	if l.PropertyField != nil && l.PropertyField.Type == scheme.View {
		l.deltaApplicable = true
	}
}

// narrowTarget reports whether q selects specific rows rather than an
// open range. Unlike Query.SingleRow, an anchored selection with a
// count above one still counts as narrow.
func narrowTarget(q *Query) bool {
	return q.Anchor != AnchorNone || q.SingleRow()
}

// DeltaApplicable reports whether the selection can be answered from a
// delta stream. Valid after Finalize.
func (l *List) DeltaApplicable() bool { return l.deltaApplicable }

// SetQueryAsMtime rewrites the tail item to select only the scheme's
// auto-mtime field. Returns false when the scheme tracks no mtime.
func (l *List) SetQueryAsMtime() bool {
	mt := l.EffectiveScheme().MTimeField()
	if mt == nil {
		return false
	}
	l.Tail().Select = []string{mt.Name}
	return true
}

// ApplyPredicateObject seeds the head item from a JSON-like predicate
// tree: {field: scalar} is an implicit eq, {field: {op: v}} selects a
// comparator, {field: {op: [v1, v2]}} a between variant. The ancillary
// keys __limit, __offset and __order adjust pagination and ordering.
func (l *List) ApplyPredicateObject(v *value.Value) error {
	d := v.Dict()
	if d == nil {
		return fmt.Errorf("predicate object must be a dictionary, got %s", v.Kind())
	}
	head := l.Head()

	var applyErr error
	d.Range(func(key string, e *value.Value) bool {
		switch key {
		case keyLimit:
			if n := int(e.Int()); n >= 0 {
				head.Limit = n
			} else {
				applyErr = fmt.Errorf("%s must not be negative", keyLimit)
			}
		case keyOffset:
			head.Offset = int(e.Int())
		case keyOrder:
			applyErr = applyOrderObject(head, e)
		default:
			applyErr = applyFieldPredicate(head, key, e)
		}
		return applyErr == nil
	})
	return applyErr
}

func applyOrderObject(q *Query, v *value.Value) error {
	d := v.Dict()
	if d == nil {
		return fmt.Errorf("%s must be a dictionary", keyOrder)
	}
	var err error
	d.Range(func(name string, dir *value.Value) bool {
		f := q.Scheme.Field(name)
		if f == nil || !f.Is(scheme.FlagIndexed) {
			err = fmt.Errorf("cannot order by %q on scheme %s", name, q.Scheme.Name)
			return false
		}
		switch dir.String() {
		case "asc":
			q.Orderings = append(q.Orderings, Ordering{Field: f})
		case "desc":
			q.Orderings = append(q.Orderings, Ordering{Field: f, Desc: true})
		default:
			err = fmt.Errorf("bad order direction %q for %s", dir.String(), name)
		}
		return err == nil
	})
	return err
}

func applyFieldPredicate(q *Query, name string, v *value.Value) error {
	f := q.Scheme.Field(name)
	if f == nil {
		return fmt.Errorf("unknown field %q on scheme %s", name, q.Scheme.Name)
	}
	if !f.Is(scheme.FlagIndexed) {
		return fmt.Errorf("field %q on scheme %s is not indexed", name, q.Scheme.Name)
	}

	if d := v.Dict(); d != nil {
		var err error
		d.Range(func(op string, arg *value.Value) bool {
			cmp, ok := ComparatorByName(op)
			if !ok {
				err = fmt.Errorf("unknown comparator %q for field %s", op, name)
				return false
			}
			if cmp.IsBetween() {
				pair := arg.List()
				if len(pair) != 2 {
					err = fmt.Errorf("comparator %s for field %s needs [low, high]", op, name)
					return false
				}
				err = q.AddPredicate(f, cmp, pair[0], pair[1])
			} else {
				err = q.AddPredicate(f, cmp, arg, nil)
			}
			return err == nil
		})
		return err
	}

	return q.AddPredicate(f, CmpEq, v, nil)
}
