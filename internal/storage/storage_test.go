package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-works/trellis/internal/config"
	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// Test Plan for the SQLite store:
// - Create/Get roundtrips scalar fields, stamps the auto-mtime field,
//   generates uuid fields and records create delta metadata
// - Save and Patch update fields and flip delta action to update
// - Remove tombstones delta-tracked rows and hard-deletes others,
//   clearing dangling references
// - Nested transactions commit at the outermost End only; Cancel
//   breaks the whole transaction
// - Array, Set and View property fields support get/set/append/clear
// - Select honors predicates, orderings and limits
// - PerformQueryList walks multi-item lists and pages anchored
//   windows with continue tokens
// - AuthorizeUser verifies bcrypt credentials
// - KV entries expire and clear

func testRegistry(t *testing.T) *scheme.Registry {
	t.Helper()

	book := scheme.New("book")
	book.DeltaTracked = true
	book.AddField(&scheme.Field{Name: "slug", Type: scheme.Text, Transform: scheme.TransformAlias, Flags: scheme.FlagIndexed | scheme.FlagUnique}).
		AddField(&scheme.Field{Name: "title", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "pages", Type: scheme.Integer, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "uid", Type: scheme.Bytes, Transform: scheme.TransformUuid}).
		AddField(&scheme.Field{Name: "mtime", Type: scheme.Integer, Flags: scheme.FlagAutoMTime}).
		AddField(&scheme.Field{Name: "tags", Type: scheme.Array, Elem: scheme.Text}).
		AddField(&scheme.Field{Name: "chapters", Type: scheme.Set, Foreign: "chapter", OwnerField: "book"}).
		AddField(&scheme.Field{Name: "featured", Type: scheme.View, Foreign: "chapter"})

	chapter := scheme.New("chapter")
	chapter.AddField(&scheme.Field{Name: "name", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "book", Type: scheme.Object, Foreign: "book", Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "position", Type: scheme.Integer, Flags: scheme.FlagIndexed})

	account := scheme.New("account")
	account.AddField(&scheme.Field{Name: "name", Type: scheme.Text, Transform: scheme.TransformAlias, Flags: scheme.FlagIndexed | scheme.FlagUnique}).
		AddField(&scheme.Field{Name: "password", Type: scheme.Text, Transform: scheme.TransformPassword, Flags: scheme.FlagProtected}).
		AddField(&scheme.Field{Name: "admin", Type: scheme.Boolean})

	reg := scheme.NewRegistry()
	reg.Add(book).Add(chapter).Add(account)
	reg.UserScheme = "account"
	require.NoError(t, reg.Freeze())
	return reg
}

func openTestStore(t *testing.T) (*Store, *scheme.Registry) {
	t.Helper()
	reg := testRegistry(t)
	s, err := OpenMemory(config.Default(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, reg
}

// inTx runs fn inside a committed transaction.
func inTx(t *testing.T, s *Store, fn func(tx *Tx)) {
	t.Helper()
	tx := &Tx{}
	require.NoError(t, s.Begin(tx))
	fn(tx)
	require.NoError(t, s.End(tx))
}

func createBook(t *testing.T, s *Store, reg *scheme.Registry, slug, title string, pages int64) int64 {
	t.Helper()
	book := reg.Get("book")
	var oid int64
	inTx(t, s, func(tx *Tx) {
		payload := value.NewDict()
		payload.Set("slug", value.String(slug))
		payload.Set("title", value.String(title))
		payload.Set("pages", value.Int(pages))
		row, err := s.Create(tx, book, payload)
		require.NoError(t, err)
		oid = row.OID()
	})
	require.NotZero(t, oid)
	return oid
}

func createChapter(t *testing.T, s *Store, reg *scheme.Registry, name string, bookOID, pos int64) int64 {
	t.Helper()
	chapter := reg.Get("chapter")
	var oid int64
	inTx(t, s, func(tx *Tx) {
		payload := value.NewDict()
		payload.Set("name", value.String(name))
		if bookOID != 0 {
			payload.Set("book", value.Int(bookOID))
		}
		payload.Set("position", value.Int(pos))
		row, err := s.Create(tx, chapter, payload)
		require.NoError(t, err)
		oid = row.OID()
	})
	return oid
}

func TestStoreCreateGet(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")

	oid := createBook(t, s, reg, "dune", "Dune", 412)

	row, err := s.Get(nil, book, oid)
	require.NoError(t, err)
	assert.Equal(t, "dune", row.Get("slug").String())
	assert.Equal(t, "Dune", row.Get("title").String())
	assert.Equal(t, int64(412), row.Get("pages").Int())
	assert.Len(t, row.Get("uid").Bytes(), 16, "uuid generated when absent")
	assert.Positive(t, row.Get("mtime").Int(), "auto-mtime stamped")
	assert.Equal(t, "create", row.Get(value.KeyDelta).Get("action").String())

	delta, err := s.DeltaValue(book)
	require.NoError(t, err)
	assert.Positive(t, delta)

	_, err = s.Get(nil, book, oid+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateRejectsUnknownField(t *testing.T) {
	s, reg := openTestStore(t)
	inTx(t, s, func(tx *Tx) {
		payload := value.NewDict()
		payload.Set("nope", value.String("x"))
		_, err := s.Create(tx, reg.Get("book"), payload)
		assert.ErrorContains(t, err, "unknown field")
	})
}

func TestStoreSaveAndPatch(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	oid := createBook(t, s, reg, "dune", "Dune", 412)

	before, err := s.DeltaValue(book)
	require.NoError(t, err)

	inTx(t, s, func(tx *Tx) {
		patch := value.NewDict()
		patch.Set("title", value.String("Dune Messiah"))
		row, err := s.Patch(tx, book, oid, patch)
		require.NoError(t, err)
		assert.Equal(t, "Dune Messiah", row.Get("title").String())
		assert.Equal(t, "dune", row.Get("slug").String(), "untouched fields survive")
		assert.Equal(t, "update", row.Get(value.KeyDelta).Get("action").String())
	})

	after, err := s.DeltaValue(book)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after, before)

	inTx(t, s, func(tx *Tx) {
		_, err := s.Patch(tx, book, oid+100, value.NewDict())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreRemove(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	chapter := reg.Get("chapter")

	bookOID := createBook(t, s, reg, "dune", "Dune", 412)
	chapOID := createChapter(t, s, reg, "Arrakis", bookOID, 1)

	// Tombstone path: the row disappears from reads but the delta
	// stream records the deletion.
	inTx(t, s, func(tx *Tx) {
		ok, err := s.Remove(tx, book, bookOID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
	_, err := s.Get(nil, book, bookOID)
	assert.ErrorIs(t, err, ErrNotFound)

	inTx(t, s, func(tx *Tx) {
		ok, err := s.Remove(tx, book, bookOID)
		require.NoError(t, err)
		assert.False(t, ok, "second remove finds no live row")
	})

	// Hard delete path clears the dangling reference.
	inTx(t, s, func(tx *Tx) {
		ok, err := s.Remove(tx, chapter, chapOID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
	_, err = s.Get(nil, chapter, chapOID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTransactionNesting(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")

	tx := &Tx{}
	require.NoError(t, s.Begin(tx))
	require.NoError(t, s.Begin(tx))

	payload := value.NewDict()
	payload.Set("slug", value.String("ghost"))
	row, err := s.Create(tx, book, payload)
	require.NoError(t, err)

	// Inner scope gives up: the decision is deferred to the outermost
	// scope, which rolls the whole transaction back.
	s.Cancel(tx)
	assert.True(t, tx.Broken())

	require.NoError(t, s.End(tx))
	assert.True(t, tx.Active(), "inner End only unwinds one level")

	err = s.End(tx)
	assert.ErrorIs(t, err, ErrBrokenTransaction)
	assert.False(t, tx.Active())

	_, err = s.Get(nil, book, row.OID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMutationOutsideTransaction(t *testing.T) {
	s, reg := openTestStore(t)
	_, err := s.Create(nil, reg.Get("book"), value.NewDict())
	assert.ErrorContains(t, err, "outside transaction")
}

func TestStoreArrayField(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	tags := book.Field("tags")
	oid := createBook(t, s, reg, "dune", "Dune", 412)

	inTx(t, s, func(tx *Tx) {
		_, err := s.Field(tx, FieldSet, book, oid, tags, value.List(
			value.String("scifi"), value.String("desert")))
		require.NoError(t, err)

		_, err = s.Field(tx, FieldAppend, book, oid, tags, value.String("classic"))
		require.NoError(t, err)
	})

	got, err := s.Field(nil, FieldGet, book, oid, tags, nil)
	require.NoError(t, err)
	require.Len(t, got.List(), 3)
	assert.Equal(t, "scifi", got.List()[0].String())
	assert.Equal(t, "classic", got.List()[2].String())

	inTx(t, s, func(tx *Tx) {
		require.NoError(t, s.ClearField(tx, book, oid, tags, nil))
	})
	got, err = s.Field(nil, FieldGet, book, oid, tags, nil)
	require.NoError(t, err)
	assert.Empty(t, got.List())
}

func TestStoreSetField(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	chapters := book.Field("chapters")
	bookOID := createBook(t, s, reg, "dune", "Dune", 412)

	c1 := createChapter(t, s, reg, "one", 0, 1)
	c2 := createChapter(t, s, reg, "two", 0, 2)
	c3 := createChapter(t, s, reg, "three", 0, 3)

	inTx(t, s, func(tx *Tx) {
		_, err := s.Field(tx, FieldSet, book, bookOID, chapters,
			value.List(value.Int(c1), value.Int(c2), value.Int(c3)))
		require.NoError(t, err)
	})

	got, err := s.Field(nil, FieldGet, book, bookOID, chapters, nil)
	require.NoError(t, err)
	assert.Len(t, got.List(), 3)

	// Keep c2; the rest lose their owner.
	inTx(t, s, func(tx *Tx) {
		require.NoError(t, s.ClearField(tx, book, bookOID, chapters, []int64{c2}))
	})
	got, err = s.Field(nil, FieldGet, book, bookOID, chapters, nil)
	require.NoError(t, err)
	require.Len(t, got.List(), 1)
	assert.Equal(t, c2, got.List()[0].OID())

	parents, err := s.ReferenceParents(nil, reg.Get("chapter"), reg.Get("chapter").Field("book"), bookOID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c2}, parents)
}

func TestStoreViewField(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	featured := book.Field("featured")
	bookOID := createBook(t, s, reg, "dune", "Dune", 412)

	c1 := createChapter(t, s, reg, "one", bookOID, 1)
	c2 := createChapter(t, s, reg, "two", bookOID, 2)

	inTx(t, s, func(tx *Tx) {
		require.NoError(t, s.AddToView(tx, book, featured, bookOID, c2))
		require.NoError(t, s.AddToView(tx, book, featured, bookOID, c1))
		// Re-adding keeps the original position.
		require.NoError(t, s.AddToView(tx, book, featured, bookOID, c2))
	})

	got, err := s.Field(nil, FieldGet, book, bookOID, featured, nil)
	require.NoError(t, err)
	require.Len(t, got.List(), 2)
	assert.Equal(t, c2, got.List()[0].OID(), "view keeps insertion order")
	assert.Equal(t, c1, got.List()[1].OID())

	vd, err := s.ViewDeltaValue(book, featured, bookOID)
	require.NoError(t, err)
	assert.Positive(t, vd)

	inTx(t, s, func(tx *Tx) {
		require.NoError(t, s.RemoveFromView(tx, book, featured, bookOID, c2))
	})
	got, err = s.Field(nil, FieldGet, book, bookOID, featured, nil)
	require.NoError(t, err)
	require.Len(t, got.List(), 1)
	assert.Equal(t, c1, got.List()[0].OID())

	// Deleting a member drops it from the view too.
	inTx(t, s, func(tx *Tx) {
		_, err := s.Remove(tx, reg.Get("chapter"), c1)
		require.NoError(t, err)
	})
	got, err = s.Field(nil, FieldGet, book, bookOID, featured, nil)
	require.NoError(t, err)
	assert.Empty(t, got.List())
}

func TestStoreSelect(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")

	createBook(t, s, reg, "a", "Alpha", 100)
	createBook(t, s, reg, "b", "Beta", 200)
	createBook(t, s, reg, "c", "Gamma", 300)

	q := &query.Query{Scheme: book, Limit: query.LimitDefault}
	require.NoError(t, q.AddPredicate(book.Field("pages"), query.CmpGt, value.Int(100), nil))
	q.Orderings = []query.Ordering{{Field: book.Field("pages"), Desc: true}}

	rows, err := s.Select(nil, q)
	require.NoError(t, err)
	require.Len(t, rows.List(), 2)
	assert.Equal(t, "Gamma", rows.List()[0].Get("title").String())

	q = &query.Query{Scheme: book, Alias: "b", Limit: query.LimitDefault}
	rows, err = s.Select(nil, q)
	require.NoError(t, err)
	require.Len(t, rows.List(), 1)
	assert.Equal(t, "Beta", rows.List()[0].Get("title").String())

	// An explicit zero limit is an empty window, not the default page.
	q = &query.Query{Scheme: book, Limit: 0}
	rows, err = s.Select(nil, q)
	require.NoError(t, err)
	assert.Empty(t, rows.List())

	q = &query.Query{Scheme: book, Limit: query.LimitDefault}
	require.NoError(t, q.AddPredicate(book.Field("pages"), query.CmpBe, value.Int(100), value.Int(200)))
	n, err := s.Count(nil, q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStoreSelectTombstones(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")

	keep := createBook(t, s, reg, "keep", "Kept", 100)
	gone := createBook(t, s, reg, "gone", "Gone", 200)
	inTx(t, s, func(tx *Tx) {
		ok, err := s.Remove(tx, book, gone)
		require.NoError(t, err)
		require.True(t, ok)
	})

	// Plain selections keep excluding tombstoned rows.
	rows, err := s.Select(nil, &query.Query{Scheme: book, Limit: query.LimitDefault})
	require.NoError(t, err)
	require.Len(t, rows.List(), 1)
	assert.Equal(t, keep, rows.List()[0].OID())

	// Delta-scoped selections report the deletion.
	rows, err = s.Select(nil, &query.Query{Scheme: book, Limit: query.LimitDefault, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, rows.List(), 2)
	var tomb *value.Value
	for _, r := range rows.List() {
		if r.OID() == gone {
			tomb = r
		}
	}
	require.NotNil(t, tomb)
	assert.Equal(t, "delete", tomb.Get(value.KeyDelta).Get("action").String())
}

func TestPerformQueryListBinding(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	bookOID := createBook(t, s, reg, "dune", "Dune", 412)
	createChapter(t, s, reg, "one", bookOID, 1)
	createChapter(t, s, reg, "two", bookOID, 2)

	otherOID := createBook(t, s, reg, "other", "Other", 10)
	createChapter(t, s, reg, "stray", otherOID, 1)

	l := query.NewList(book)
	l.Head().OID = bookOID
	l.Push(reg.Get("chapter"), book.Field("chapters"))
	l.Finalize()

	rows, cursor, err := s.PerformQueryList(nil, l, true, false)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(2), cursor.Total)
	require.Len(t, rows.List(), 2)
	for _, r := range rows.List() {
		assert.Equal(t, bookOID, r.Get("book").Int())
	}

	oids, err := s.PerformQueryListForIds(nil, l)
	require.NoError(t, err)
	assert.Len(t, oids, 2)
}

func TestPerformQueryListAnchoredPaging(t *testing.T) {
	s, reg := openTestStore(t)
	book := reg.Get("book")
	for _, b := range []struct {
		slug  string
		pages int64
	}{{"a", 10}, {"b", 20}, {"c", 30}, {"d", 40}, {"e", 50}} {
		createBook(t, s, reg, b.slug, b.slug, b.pages)
	}

	l := query.NewList(book)
	head := l.Head()
	head.Anchor = query.AnchorFirst
	head.AnchorField = book.Field("pages")
	head.AnchorCount = 2
	l.Finalize()

	rows, cursor, err := s.PerformQueryList(nil, l, false, false)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	require.Len(t, rows.List(), 2)
	assert.Equal(t, int64(10), rows.List()[0].Get("pages").Int())
	assert.Equal(t, int64(20), rows.List()[1].Get("pages").Int())
	assert.Equal(t, int64(5), cursor.Total)
	require.NotEmpty(t, cursor.Next)

	l2 := query.NewList(book)
	head2 := l2.Head()
	head2.Anchor = query.AnchorFirst
	head2.AnchorField = book.Field("pages")
	head2.AnchorCount = 2
	l2.ContinueToken = cursor.Next
	l2.Finalize()

	rows, cursor, err = s.PerformQueryList(nil, l2, false, false)
	require.NoError(t, err)
	require.Len(t, rows.List(), 2)
	assert.Equal(t, int64(30), rows.List()[0].Get("pages").Int())
	assert.Equal(t, int64(40), rows.List()[1].Get("pages").Int())

	// The prev token of the second window leads back to the first.
	l3 := query.NewList(book)
	head3 := l3.Head()
	head3.Anchor = query.AnchorFirst
	head3.AnchorField = book.Field("pages")
	head3.AnchorCount = 2
	l3.ContinueToken = cursor.Prev
	l3.Finalize()

	rows, _, err = s.PerformQueryList(nil, l3, false, false)
	require.NoError(t, err)
	require.Len(t, rows.List(), 2)
	assert.Equal(t, int64(10), rows.List()[0].Get("pages").Int())
	assert.Equal(t, int64(20), rows.List()[1].Get("pages").Int())
}

func TestPageTokenRoundtrip(t *testing.T) {
	tok := encodePageToken("pages", "next", value.Int(42))
	require.NotEmpty(t, tok)

	field, dir, boundary, err := decodePageToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "pages", field)
	assert.Equal(t, "next", dir)
	assert.Equal(t, int64(42), boundary.Int())

	_, _, _, err = decodePageToken("not a token")
	assert.Error(t, err)
}

func TestAuthorizeUser(t *testing.T) {
	s, reg := openTestStore(t)
	account := reg.Get("account")

	inTx(t, s, func(tx *Tx) {
		payload := value.NewDict()
		payload.Set("name", value.String("ada"))
		payload.Set("password", value.String("s3cret"))
		payload.Set("admin", value.Bool(true))
		_, err := s.Create(tx, account, payload)
		require.NoError(t, err)
	})

	u, err := s.AuthorizeUser(account, "ada", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ada", u.Name)
	assert.True(t, u.Admin)
	assert.NotZero(t, u.OID)

	_, err = s.AuthorizeUser(account, "ada", "wrong")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AuthorizeUser(account, "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVEntries(t *testing.T) {
	s, _ := openTestStore(t)

	s.KVSet("token", value.String("payload"), time.Minute)
	got, ok := s.KVGet("token")
	require.True(t, ok)
	assert.Equal(t, "payload", got.String())

	s.KVClear("token")
	_, ok = s.KVGet("token")
	assert.False(t, ok)
}

func TestStoreBroadcast(t *testing.T) {
	s, _ := openTestStore(t)

	ch := s.Subscribe()
	notice := value.NewDict()
	notice.Set("scheme", value.String("book"))
	s.Broadcast(notice)

	select {
	case got := <-ch:
		assert.Equal(t, "book", got.Get("scheme").String())
	default:
		t.Fatal("expected a buffered notice")
	}
}
