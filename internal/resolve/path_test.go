package resolve

// Test Plan for the path resolver:
// - select + order + trailing limit builds the expected query item
// - id<digits> and named-<alias> latch single-object
// - limit 1 latches; limit 2 does not
// - first without count latches with count 1; "first f 5" does not latch
// - select eq on unique/alias fields latches
// - terminal Set field resolves to a reference-set, non-terminal to a set
// - terminal Object field resolves to field-object, non-terminal descends
// - File/Image/Array fields are terminal property resources
// - search requires a full-text field and a query token
// - between comparator consumes two values and rejects text fields
// - violations produce structured errors: unknown field, not indexed,
//   bad number, missing value, unexpected token
// - filter values pre-seed the head item (dict / int / string)
// - reachability: the effective scheme is reached along traversed fields

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// rev reverses tokens into the pop-ordered vector the resolver expects.
func rev(tokens ...string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[len(tokens)-1-i] = t
	}
	return out
}

func testRegistry(t *testing.T) *scheme.Registry {
	t.Helper()

	reg := scheme.NewRegistry()
	reg.Add(scheme.New("objects").
		AddField(&scheme.Field{Name: "counter", Type: scheme.Integer, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "note", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "serial", Type: scheme.Integer, Flags: scheme.FlagIndexed | scheme.FlagUnique}).
		AddField(&scheme.Field{Name: "content", Type: scheme.FullTextView, SearchFields: []string{"note"}}))
	reg.Add(scheme.New("users").
		AddField(&scheme.Field{Name: "name", Type: scheme.Text, Transform: scheme.TransformAlias, Flags: scheme.FlagIndexed | scheme.FlagUnique}).
		AddField(&scheme.Field{Name: "avatar", Type: scheme.Image, Foreign: "files"}).
		AddField(&scheme.Field{Name: "posts", Type: scheme.Set, Foreign: "posts", OwnerField: "author"}).
		AddField(&scheme.Field{Name: "feed", Type: scheme.View, Foreign: "posts"}))
	reg.Add(scheme.New("posts").
		AddField(&scheme.Field{Name: "title", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "author", Type: scheme.Object, Foreign: "users"}).
		AddField(&scheme.Field{Name: "labels", Type: scheme.Array, Elem: scheme.Text}).
		AddField(&scheme.Field{Name: "tags", Type: scheme.Set, Foreign: "tags", OwnerField: "post"}))
	reg.Add(scheme.New("tags").
		AddField(&scheme.Field{Name: "word", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "post", Type: scheme.Object, Foreign: "posts"}))
	reg.Add(scheme.New("files").
		AddField(&scheme.Field{Name: "name", Type: scheme.Text, Flags: scheme.FlagIndexed}))
	require.NoError(t, reg.Freeze())
	return reg
}

func TestSelectOrderLimit(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	// objects/select/counter/gt/10/order/counter/desc/5
	res, err := ResolvePath(reg, reg.Get("objects"), rev("select", "counter", "gt", "10", "order", "counter", "desc", "5"), nil)
	require.Nil(t, err)

	assert.Equal(t, KindList, res.Kind)
	require.Equal(t, 1, res.List.Len())
	q := res.List.Head()
	require.Len(t, q.Predicates, 1)
	assert.Equal(t, "counter", q.Predicates[0].Field.Name)
	assert.Equal(t, query.CmpGt, q.Predicates[0].Cmp)
	assert.Equal(t, int64(10), q.Predicates[0].V1.Int())
	require.Len(t, q.Orderings, 1)
	assert.True(t, q.Orderings[0].Desc)
	assert.Equal(t, 5, q.Limit)
	assert.False(t, res.List.SingleObject)
}

func TestLimitZeroIsExplicit(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	// "limit 0" selects an empty window; only an unadorned path leaves
	// the default-page sentinel in place.
	res, err := ResolvePath(reg, reg.Get("objects"), rev("limit", "0"), nil)
	require.Nil(t, err)
	assert.Equal(t, 0, res.List.Head().Limit)

	res, err = ResolvePath(reg, reg.Get("objects"), nil, nil)
	require.Nil(t, err)
	assert.Equal(t, query.LimitDefault, res.List.Head().Limit)
}

func TestSingleObjectLatch(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	tests := []struct {
		name   string
		root   string
		path   []string
		single bool
		kind   ResourceKind
	}{
		{"oid", "objects", []string{"id42"}, true, KindObject},
		{"alias", "users", []string{"named-admin"}, true, KindObject},
		{"limit 1", "objects", []string{"limit", "1"}, true, KindObject},
		{"limit 2", "objects", []string{"limit", "2"}, false, KindList},
		{"first no count", "objects", []string{"first", "counter"}, true, KindObject},
		{"first with count", "objects", []string{"first", "counter", "5"}, false, KindList},
		{"unique eq", "objects", []string{"select", "serial", "eq", "9"}, true, KindObject},
		{"alias eq", "users", []string{"select", "name", "admin"}, true, KindObject},
		{"plain eq", "objects", []string{"select", "counter", "9"}, false, KindList},
		{"all", "objects", []string{"all"}, false, KindList},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := ResolvePath(reg, reg.Get(tt.root), rev(tt.path...), nil)
			require.Nil(t, err)
			assert.Equal(t, tt.single, res.List.SingleObject)
			assert.Equal(t, tt.kind, res.Kind)
		})
	}
}

func TestNamedAlias(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	res, err := ResolvePath(reg, reg.Get("users"), rev("named-admin"), nil)
	require.Nil(t, err)
	assert.Equal(t, "admin", res.List.Head().Alias)

	// Scheme without an alias field rejects named-.
	_, perr := ResolvePath(reg, reg.Get("objects"), rev("named-x"), nil)
	require.NotNil(t, perr)
	assert.Equal(t, ErrUnknownField, perr.Kind)
}

func TestNavigation(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	t.Run("terminal set is a reference-set", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("posts"), rev("id42", "tags"), nil)
		require.Nil(t, err)
		assert.Equal(t, KindReferenceSet, res.Kind)
		assert.Equal(t, "tags", res.Field.Name)
		assert.Equal(t, "tags", res.List.EffectiveScheme().Name)
		require.Equal(t, 2, res.List.Len())
		assert.Equal(t, "tags", res.List.Tail().Ref.Name)
	})

	t.Run("non-terminal set stays a set", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("posts"), rev("id42", "tags", "select", "word", "x"), nil)
		require.Nil(t, err)
		assert.Equal(t, KindSet, res.Kind)
		assert.False(t, res.List.SingleObject)
	})

	t.Run("terminal object is a field-object", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("posts"), rev("id42", "author"), nil)
		require.Nil(t, err)
		assert.Equal(t, KindFieldObject, res.Kind)
		assert.Equal(t, "users", res.List.EffectiveScheme().Name)
	})

	t.Run("object descent keeps the latch", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("posts"), rev("id42", "author", "avatar"), nil)
		require.Nil(t, err)
		assert.Equal(t, KindFile, res.Kind)
		assert.True(t, res.List.SingleObject)
		assert.Equal(t, "avatar", res.Field.Name)
	})

	t.Run("array field is terminal", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("posts"), rev("id42", "labels"), nil)
		require.Nil(t, err)
		assert.Equal(t, KindArray, res.Kind)

		_, perr := ResolvePath(reg, reg.Get("posts"), rev("id42", "labels", "more"), nil)
		require.NotNil(t, perr)
		assert.Equal(t, ErrBadToken, perr.Kind)
	})

	t.Run("view descent", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("users"), rev("named-admin", "feed"), nil)
		require.Nil(t, err)
		assert.Equal(t, KindView, res.Kind)
		assert.False(t, res.List.SingleObject)
		assert.Equal(t, "posts", res.List.EffectiveScheme().Name)
	})

	t.Run("reachability along traversed fields", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("users"), rev("named-admin", "posts", "id3", "tags"), nil)
		require.Nil(t, err)
		// users -posts-> posts -tags-> tags
		items := res.List.Items()
		require.Len(t, items, 3)
		assert.Equal(t, "users", items[0].Scheme.Name)
		assert.Equal(t, "posts", items[1].Scheme.Name)
		assert.Equal(t, "posts", items[1].Ref.Name)
		assert.Equal(t, "tags", items[2].Scheme.Name)
		assert.Equal(t, "tags", items[2].Ref.Name)
	})
}

func TestSearch(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	res, err := ResolvePath(reg, reg.Get("objects"), rev("search", "content", "hello world"), nil)
	require.Nil(t, err)
	assert.Equal(t, KindSearch, res.Kind)
	assert.Equal(t, "hello world", res.List.FullText)
	assert.Equal(t, "content", res.Field.Name)

	_, perr := ResolvePath(reg, reg.Get("objects"), rev("search", "note", "x"), nil)
	require.NotNil(t, perr)
	assert.Equal(t, ErrTypeMismatch, perr.Kind)

	_, perr = ResolvePath(reg, reg.Get("objects"), rev("search", "content"), nil)
	require.NotNil(t, perr)
	assert.Equal(t, ErrMissingValue, perr.Kind)
}

func TestBetween(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	res, err := ResolvePath(reg, reg.Get("objects"), rev("select", "counter", "be", "1", "9"), nil)
	require.Nil(t, err)
	p := res.List.Head().Predicates[0]
	assert.Equal(t, query.CmpBe, p.Cmp)
	assert.Equal(t, int64(1), p.V1.Int())
	assert.Equal(t, int64(9), p.V2.Int())

	// Text field rejects between.
	_, perr := ResolvePath(reg, reg.Get("objects"), rev("select", "note", "bw", "a", "b"), nil)
	require.NotNil(t, perr)
	assert.Equal(t, ErrTypeMismatch, perr.Kind)
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	tests := []struct {
		name string
		root string
		path []string
		kind ErrorKind
	}{
		{"unknown select field", "objects", []string{"select", "ghost", "1"}, ErrUnknownField},
		{"order by unindexed", "posts", []string{"order", "labels"}, ErrNotIndexed},
		{"bad limit", "objects", []string{"limit", "abc"}, ErrBadNumber},
		{"bad oid", "objects", []string{"id4x"}, ErrBadToken},
		{"missing select value", "objects", []string{"select", "counter"}, ErrMissingValue},
		{"bad integer literal", "objects", []string{"select", "counter", "eq", "ten"}, ErrTypeMismatch},
		{"navigation from multi-row", "objects", []string{"note"}, ErrBadToken},
		{"unknown field after latch", "users", []string{"named-x", "ghost"}, ErrUnknownField},
		{"scalar not navigable", "objects", []string{"id1", "note"}, ErrTypeMismatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, perr := ResolvePath(reg, reg.Get(tt.root), rev(tt.path...), nil)
			require.NotNil(t, perr, "expected error, got %+v", res)
			assert.Equal(t, tt.kind, perr.Kind, perr.Error())
		})
	}
}

func TestFilterPreseed(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	t.Run("integer filter", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("objects"), nil, value.Int(8))
		require.Nil(t, err)
		assert.Equal(t, int64(8), res.List.Head().OID)
		assert.True(t, res.List.SingleObject)
	})

	t.Run("string filter", func(t *testing.T) {
		t.Parallel()
		res, err := ResolvePath(reg, reg.Get("users"), nil, value.String("admin"))
		require.Nil(t, err)
		assert.Equal(t, "admin", res.List.Head().Alias)
	})

	t.Run("dict filter", func(t *testing.T) {
		t.Parallel()
		d := value.NewDict()
		d.Set("counter", value.Int(3))
		res, err := ResolvePath(reg, reg.Get("objects"), nil, d)
		require.Nil(t, err)
		require.Len(t, res.List.Head().Predicates, 1)
	})
}
