package resolve

import (
	"strconv"
	"strings"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// ResourceKind classifies what the resolved path addresses.
type ResourceKind int

const (
	KindList ResourceKind = iota
	KindObject
	KindSet
	KindReferenceSet
	KindFile
	KindArray
	KindFieldObject
	KindView
	KindSearch
)

func (k ResourceKind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindObject:
		return "object"
	case KindSet:
		return "set"
	case KindReferenceSet:
		return "reference-set"
	case KindFile:
		return "file"
	case KindArray:
		return "array"
	case KindFieldObject:
		return "field-object"
	case KindView:
		return "view"
	case KindSearch:
		return "search"
	}
	return "unknown"
}

// Result is a successfully resolved path: the built query list, the
// resource kind, and the terminal property field when the kind is a
// property resource.
type Result struct {
	List  *query.List
	Kind  ResourceKind
	Field *scheme.Field
}

// ResolvePath parses a path vector given in reverse order (pop yields
// the next left-to-right token) against the root scheme. The optional
// filter pre-seeds the head selection: a dictionary applies as a
// predicate tree, an integer as an oid target, a string as an alias.
//
// On any grammar violation a structured error is returned and no
// partial query escapes.
func ResolvePath(reg *scheme.Registry, root *scheme.Scheme, reversed []string, filter *value.Value) (*Result, *Error) {
	r := &resolver{
		reg:    reg,
		tokens: reversed,
		list:   query.NewList(root),
		kind:   KindList,
	}

	if err := r.applyFilter(filter); err != nil {
		return nil, err
	}
	if err := r.run(); err != nil {
		return nil, err
	}

	r.list.SingleObject = r.single
	r.list.PropertyField = r.property
	r.list.Finalize()
	return &Result{List: r.list, Kind: r.kind, Field: r.property}, nil
}

type resolver struct {
	reg    *scheme.Registry
	tokens []string
	list   *query.List
	kind   ResourceKind

	// single is the latched single-object flag: the selection is known
	// to contain at most one row, which opens field navigation.
	single   bool
	property *scheme.Field
}

func (r *resolver) pop() (string, bool) {
	if len(r.tokens) == 0 {
		return "", false
	}
	tok := r.tokens[len(r.tokens)-1]
	r.tokens = r.tokens[:len(r.tokens)-1]
	return tok, true
}

func (r *resolver) peek() (string, bool) {
	if len(r.tokens) == 0 {
		return "", false
	}
	return r.tokens[len(r.tokens)-1], true
}

func (r *resolver) applyFilter(filter *value.Value) *Error {
	if filter.IsNull() {
		return nil
	}
	head := r.list.Head()
	switch filter.Kind() {
	case value.KindDict:
		if err := r.list.ApplyPredicateObject(filter); err != nil {
			return errf(ErrBadToken, "", "bad filter: %v", err)
		}
	case value.KindInt:
		head.OID = filter.Int()
		r.latch()
	case value.KindString:
		head.Alias = filter.String()
		r.latch()
	default:
		return errf(ErrTypeMismatch, "", "filter must be a dictionary, integer or string")
	}
	return nil
}

func (r *resolver) latch() {
	r.single = true
	if r.kind == KindList || r.kind == KindSet || r.kind == KindView || r.kind == KindSearch {
		r.kind = KindObject
	}
}

func (r *resolver) run() *Error {
	for {
		tok, ok := r.pop()
		if !ok {
			return nil
		}
		var err *Error
		if r.single {
			err = r.singleToken(tok)
		} else {
			err = r.multiToken(tok)
		}
		if err != nil {
			return err
		}
	}
}

// multiToken handles tokens while the selection may span several rows.
func (r *resolver) multiToken(tok string) *Error {
	q := r.list.Tail()
	switch {
	case isOIDToken(tok):
		oid, err := strconv.ParseInt(tok[2:], 10, 64)
		if err != nil {
			return errf(ErrBadNumber, tok, "bad object id")
		}
		q.OID = oid
		r.latch()

	case strings.HasPrefix(tok, "named-"):
		alias := tok[len("named-"):]
		if alias == "" {
			return errf(ErrMissingValue, tok, "empty alias")
		}
		if q.Scheme.AliasField() == nil {
			return errf(ErrUnknownField, tok, "scheme %s has no alias field", q.Scheme.Name)
		}
		q.Alias = alias
		r.latch()

	case tok == "all":
		q.Limit = query.LimitNone

	case tok == "select":
		return r.parseSelect(q)

	case tok == "search":
		return r.parseSearch(q)

	case tok == "order":
		return r.parseOrder(q)

	case len(tok) > 1 && (tok[0] == '+' || tok[0] == '-'):
		return r.parseOrderShorthand(q, tok)

	case tok == "limit":
		n, err := r.popInt(tok)
		if err != nil {
			return err
		}
		q.Limit = n
		if n == 1 {
			r.latch()
		}

	case tok == "offset":
		n, err := r.popInt(tok)
		if err != nil {
			return err
		}
		q.Offset = n

	case tok == "first" || tok == "last":
		return r.parseAnchor(q, tok)

	default:
		return errf(ErrBadToken, tok, "unexpected token")
	}
	return nil
}

// singleToken handles tokens after the single-object latch: offset
// stays available, anything else is field navigation.
func (r *resolver) singleToken(tok string) *Error {
	if tok == "offset" {
		n, err := r.popInt(tok)
		if err != nil {
			return err
		}
		r.list.Tail().Offset = n
		return nil
	}
	return r.navigate(tok)
}

// navigate descends into a field of the current (single) object.
func (r *resolver) navigate(name string) *Error {
	q := r.list.Tail()
	f := q.Scheme.Field(name)
	if f == nil {
		return errf(ErrUnknownField, name, "no field %q on scheme %s", name, q.Scheme.Name)
	}

	switch f.Type {
	case scheme.File, scheme.Image:
		return r.terminalProperty(f, KindFile)

	case scheme.Array:
		return r.terminalProperty(f, KindArray)

	case scheme.Object:
		foreign := r.reg.Get(f.Foreign)
		if foreign == nil {
			return errf(ErrUnknownField, name, "field %s references unknown scheme %q", name, f.Foreign)
		}
		r.list.Push(foreign, f)
		if _, more := r.peek(); !more {
			r.kind = KindFieldObject
			r.property = f
			return nil
		}
		// The parent reference is single-valued, so the latch holds.
		r.kind = KindObject
		return nil

	case scheme.Set:
		foreign := r.reg.Get(f.Foreign)
		if foreign == nil {
			return errf(ErrUnknownField, name, "field %s references unknown scheme %q", name, f.Foreign)
		}
		r.list.Push(foreign, f)
		r.single = false
		if _, more := r.peek(); !more {
			r.kind = KindReferenceSet
			r.property = f
			return nil
		}
		r.kind = KindSet
		return nil

	case scheme.View:
		foreign := r.reg.Get(f.Foreign)
		if foreign == nil {
			return errf(ErrUnknownField, name, "field %s references unknown scheme %q", name, f.Foreign)
		}
		r.list.Push(foreign, f)
		r.single = false
		r.kind = KindView
		r.property = f
		return nil

	default:
		return errf(ErrTypeMismatch, name, "field %s (%s) is not navigable", name, f.Type)
	}
}

func (r *resolver) terminalProperty(f *scheme.Field, kind ResourceKind) *Error {
	if tok, more := r.peek(); more {
		return errf(ErrBadToken, tok, "field %s is terminal", f.Name)
	}
	r.kind = kind
	r.property = f
	r.list.Tail().Select = append(r.list.Tail().Select, f.Name)
	return nil
}

func (r *resolver) parseSelect(q *query.Query) *Error {
	f, err := r.popIndexedField(q, "select")
	if err != nil {
		return err
	}

	cmp := query.CmpEq
	tok, ok := r.pop()
	if !ok {
		return errf(ErrMissingValue, "select", "missing value for field %s", f.Name)
	}
	if c, isCmp := query.ComparatorByName(tok); isCmp {
		cmp = c
		tok, ok = r.pop()
		if !ok {
			return errf(ErrMissingValue, "select", "missing value for field %s", f.Name)
		}
	}

	v1, perr := query.ParseFieldValue(f, tok)
	if perr != nil {
		return errf(ErrTypeMismatch, tok, "%v", perr)
	}
	var v2 *value.Value
	if cmp.IsBetween() {
		tok2, ok := r.pop()
		if !ok {
			return errf(ErrMissingValue, "select", "comparator %s needs two values", cmp)
		}
		v2, perr = query.ParseFieldValue(f, tok2)
		if perr != nil {
			return errf(ErrTypeMismatch, tok2, "%v", perr)
		}
	}

	if aerr := q.AddPredicate(f, cmp, v1, v2); aerr != nil {
		return errf(ErrTypeMismatch, f.Name, "%v", aerr)
	}

	// Equality against a unique or alias field pins a single row.
	if cmp == query.CmpEq && (f.Is(scheme.FlagUnique) || f.Transform == scheme.TransformAlias) {
		r.latch()
	}
	return nil
}

func (r *resolver) parseSearch(q *query.Query) *Error {
	name, ok := r.pop()
	if !ok {
		return errf(ErrMissingValue, "search", "missing search field")
	}
	f := q.Scheme.Field(name)
	if f == nil {
		return errf(ErrUnknownField, name, "no field %q on scheme %s", name, q.Scheme.Name)
	}
	if f.Type != scheme.FullTextView {
		return errf(ErrTypeMismatch, name, "field %s is not a full-text view", name)
	}
	text, ok := r.pop()
	if !ok {
		return errf(ErrMissingValue, "search", "missing search query")
	}
	r.list.FullText = text
	r.property = f
	r.kind = KindSearch
	return nil
}

func (r *resolver) parseOrder(q *query.Query) *Error {
	f, err := r.popIndexedField(q, "order")
	if err != nil {
		return err
	}
	ord := query.Ordering{Field: f}
	if tok, ok := r.peek(); ok && (tok == "asc" || tok == "desc") {
		r.pop()
		ord.Desc = tok == "desc"
	}
	q.Orderings = append(q.Orderings, ord)
	r.maybeTrailingLimit(q)
	return nil
}

func (r *resolver) parseOrderShorthand(q *query.Query, tok string) *Error {
	name := tok[1:]
	f := q.Scheme.Field(name)
	if f == nil {
		return errf(ErrUnknownField, tok, "no field %q on scheme %s", name, q.Scheme.Name)
	}
	if !f.Is(scheme.FlagIndexed) {
		return errf(ErrNotIndexed, tok, "field %s is not indexed", name)
	}
	q.Orderings = append(q.Orderings, query.Ordering{Field: f, Desc: tok[0] == '-'})
	r.maybeTrailingLimit(q)
	return nil
}

// maybeTrailingLimit consumes an optional numeric token following an
// ordering, which the grammar treats as a limit.
func (r *resolver) maybeTrailingLimit(q *query.Query) {
	tok, ok := r.peek()
	if !ok {
		return
	}
	if n, err := strconv.Atoi(tok); err == nil && n >= 0 {
		r.pop()
		q.Limit = n
		if n == 1 {
			r.latch()
		}
	}
}

func (r *resolver) parseAnchor(q *query.Query, tok string) *Error {
	f, err := r.popIndexedField(q, tok)
	if err != nil {
		return err
	}
	q.AnchorField = f
	if tok == "first" {
		q.Anchor = query.AnchorFirst
	} else {
		q.Anchor = query.AnchorLast
	}

	if next, ok := r.peek(); ok {
		if n, cerr := strconv.Atoi(next); cerr == nil && n > 0 {
			r.pop()
			q.AnchorCount = n
			// An explicit count stays a multi-row selection even
			// when it is 1.
			return nil
		}
	}
	q.AnchorCount = 1
	r.latch()
	return nil
}

func (r *resolver) popIndexedField(q *query.Query, after string) (*scheme.Field, *Error) {
	name, ok := r.pop()
	if !ok {
		return nil, errf(ErrMissingValue, after, "missing field name")
	}
	f := q.Scheme.Field(name)
	if f == nil {
		return nil, errf(ErrUnknownField, name, "no field %q on scheme %s", name, q.Scheme.Name)
	}
	if !f.Is(scheme.FlagIndexed) {
		return nil, errf(ErrNotIndexed, name, "field %s is not indexed", name)
	}
	return f, nil
}

func (r *resolver) popInt(after string) (int, *Error) {
	tok, ok := r.pop()
	if !ok {
		return 0, errf(ErrMissingValue, after, "missing number")
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, errf(ErrBadNumber, tok, "bad number after %s", after)
	}
	return n, nil
}

// isOIDToken matches id<digits>.
func isOIDToken(tok string) bool {
	if len(tok) < 3 || tok[:2] != "id" {
		return false
	}
	for _, c := range tok[2:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
