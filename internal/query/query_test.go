package query

// Test Plan for query construction:
// - ParseFieldValue coerces tokens per field type and rejects bad literals
// - Between comparators reject non-numeric fields and single values
// - SingleRow is latched by oid, alias, unique eq, and first-with-count-1
// - Finalize computes delta-applicable over narrow selections only
// - ApplyPredicateObject handles scalars, comparator dicts, between pairs
//   and the __limit/__offset/__order ancillary keys
// - SetQueryAsMtime substitutes the auto-mtime field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

func testScheme(t *testing.T) *scheme.Scheme {
	t.Helper()
	return scheme.New("objects").
		AddField(&scheme.Field{Name: "counter", Type: scheme.Integer, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "name", Type: scheme.Text, Transform: scheme.TransformAlias, Flags: scheme.FlagIndexed | scheme.FlagUnique}).
		AddField(&scheme.Field{Name: "active", Type: scheme.Boolean, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "weight", Type: scheme.Float, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "note", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "mtime", Type: scheme.Integer, Flags: scheme.FlagAutoMTime})
}

func TestParseFieldValue(t *testing.T) {
	t.Parallel()
	s := testScheme(t)

	tests := []struct {
		name    string
		field   string
		token   string
		want    *value.Value
		wantErr bool
	}{
		{"integer", "counter", "42", value.Int(42), false},
		{"bad integer", "counter", "4x2", nil, true},
		{"text", "note", "hello", value.String("hello"), false},
		{"bool true short", "active", "t", value.Bool(true), false},
		{"bool false digit", "active", "0", value.Bool(false), false},
		{"bad bool", "active", "yes", nil, true},
		{"float", "weight", "2.5", value.Float(2.5), false},
		{"bad float", "weight", "heavy", nil, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFieldValue(s.Field(tt.field), tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind(), got.Kind())
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestBetweenValidation(t *testing.T) {
	t.Parallel()
	s := testScheme(t)
	q := &Query{Scheme: s}

	// Non-numeric field rejects between.
	err := q.AddPredicate(s.Field("note"), CmpBw, value.String("a"), value.String("b"))
	assert.Error(t, err)

	// Missing second value.
	err = q.AddPredicate(s.Field("counter"), CmpBe, value.Int(1), nil)
	assert.Error(t, err)

	// Valid inclusive between.
	err = q.AddPredicate(s.Field("counter"), CmpBe, value.Int(1), value.Int(9))
	require.NoError(t, err)
	assert.Len(t, q.Predicates, 1)
}

func TestSingleRow(t *testing.T) {
	t.Parallel()
	s := testScheme(t)

	assert.True(t, (&Query{Scheme: s, OID: 7}).SingleRow())
	assert.True(t, (&Query{Scheme: s, Alias: "admin"}).SingleRow())
	assert.True(t, (&Query{Scheme: s, Anchor: AnchorFirst, AnchorField: s.Field("counter"), AnchorCount: 1}).SingleRow())
	assert.False(t, (&Query{Scheme: s, Anchor: AnchorFirst, AnchorField: s.Field("counter"), AnchorCount: 5}).SingleRow())

	q := &Query{Scheme: s}
	require.NoError(t, q.AddPredicate(s.Field("name"), CmpEq, value.String("x"), nil))
	assert.True(t, q.SingleRow())

	q = &Query{Scheme: s}
	require.NoError(t, q.AddPredicate(s.Field("counter"), CmpEq, value.Int(1), nil))
	assert.False(t, q.SingleRow(), "eq on non-unique field does not narrow to one row")
}

func TestDeltaApplicable(t *testing.T) {
	t.Parallel()

	s := testScheme(t)
	s.DeltaTracked = true

	t.Run("oid target is applicable", func(t *testing.T) {
		t.Parallel()
		l := NewList(s)
		l.Head().OID = 3
		l.Finalize()
		assert.True(t, l.DeltaApplicable())
	})

	t.Run("open selection is not", func(t *testing.T) {
		t.Parallel()
		l := NewList(s)
		l.Finalize()
		assert.False(t, l.DeltaApplicable())
	})

	t.Run("untracked scheme is not", func(t *testing.T) {
		t.Parallel()
		plain := testScheme(t)
		l := NewList(plain)
		l.Head().OID = 3
		l.Finalize()
		assert.False(t, l.DeltaApplicable())
	})
}

func TestApplyPredicateObject(t *testing.T) {
	t.Parallel()
	s := testScheme(t)

	doc := value.NewDict()
	doc.Set("counter", value.Int(10))
	between := value.NewDict()
	between.Set("be", value.List(value.Int(1), value.Int(5)))
	doc.Set("weight", between)
	order := value.NewDict()
	order.Set("counter", value.String("desc"))
	doc.Set("__order", order)
	doc.Set("__limit", value.Int(25))
	doc.Set("__offset", value.Int(5))

	l := NewList(s)
	require.NoError(t, l.ApplyPredicateObject(doc))

	head := l.Head()
	require.Len(t, head.Predicates, 2)
	assert.Equal(t, CmpEq, head.Predicates[0].Cmp)
	assert.Equal(t, int64(10), head.Predicates[0].V1.Int())
	assert.Equal(t, CmpBe, head.Predicates[1].Cmp)
	require.Len(t, head.Orderings, 1)
	assert.True(t, head.Orderings[0].Desc)
	assert.Equal(t, 25, head.Limit)
	assert.Equal(t, 5, head.Offset)
}

func TestApplyPredicateObjectErrors(t *testing.T) {
	t.Parallel()
	s := testScheme(t)

	cases := map[string]*value.Value{
		"not a dict": value.Int(1),
	}

	unknown := value.NewDict()
	unknown.Set("nope", value.Int(1))
	cases["unknown field"] = unknown

	badOp := value.NewDict()
	inner := value.NewDict()
	inner.Set("like", value.String("x"))
	badOp.Set("note", inner)
	cases["unknown comparator"] = badOp

	badPair := value.NewDict()
	pair := value.NewDict()
	pair.Set("bw", value.List(value.Int(1)))
	badPair.Set("counter", pair)
	cases["short between pair"] = badPair

	notIndexed := value.NewDict()
	notIndexed.Set("mtime", value.Int(1))
	cases["not indexed"] = notIndexed

	for name, doc := range cases {
		doc := doc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := NewList(s)
			assert.Error(t, l.ApplyPredicateObject(doc))
		})
	}
}

func TestSetQueryAsMtime(t *testing.T) {
	t.Parallel()

	l := NewList(testScheme(t))
	require.True(t, l.SetQueryAsMtime())
	assert.Equal(t, []string{"mtime"}, l.Tail().Select)

	bare := scheme.New("bare").AddField(&scheme.Field{Name: "x", Type: scheme.Text})
	assert.False(t, NewList(bare).SetQueryAsMtime())
}
