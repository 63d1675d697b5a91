package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-works/trellis/internal/access"
	"github.com/trellis-works/trellis/internal/config"
	"github.com/trellis-works/trellis/internal/hydrate"
	"github.com/trellis-works/trellis/internal/resource"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// Test Plan:
// - Envelope shape: date, result, OK on success; errors array and
//   OK=false on failure
// - Unknown scheme and grammar violations answer 404
// - METHOD override allows GET→DELETE and POST→PUT, rejects the rest
// - Verb gates surface as 405 (create on a view path)
// - POST creates (201) and the created row comes back hydrated
// - Predicate tree in a leading-paren query argument narrows the list
// - pageCount caps the selection
// - Conditional GET: If-Modified-Since after the last change → 304,
//   stale timestamp → 200 with Last-Modified set
// - Session endpoint: login mints a token, whoami reads it back,
//   logout clears it
// - Multi endpoint composes per-path results and a delta map

func fullAccess() map[scheme.Action]scheme.Permission {
	return map[scheme.Action]scheme.Permission{
		scheme.ActionCreate:    scheme.Full,
		scheme.ActionRead:      scheme.Full,
		scheme.ActionAppend:    scheme.Full,
		scheme.ActionUpdate:    scheme.Full,
		scheme.ActionRemove:    scheme.Full,
		scheme.ActionReference: scheme.Full,
	}
}

func handlerRegistry(t *testing.T) *scheme.Registry {
	t.Helper()

	post := scheme.New("post")
	post.Access = fullAccess()
	post.AddField(&scheme.Field{Name: "title", Type: scheme.Text, Flags: scheme.FlagIndexed}).
		AddField(&scheme.Field{Name: "pinned", Type: scheme.View, Foreign: "comment"})

	comment := scheme.New("comment")
	comment.Access = fullAccess()
	comment.AddField(&scheme.Field{Name: "text", Type: scheme.Text})

	note := scheme.New("note")
	note.DeltaTracked = true
	note.Access = fullAccess()
	note.AddField(&scheme.Field{Name: "body", Type: scheme.Text, Flags: scheme.FlagIndexed})

	account := scheme.New("account")
	account.Access = fullAccess()
	account.AddField(&scheme.Field{Name: "name", Type: scheme.Text, Transform: scheme.TransformAlias, Flags: scheme.FlagIndexed | scheme.FlagUnique}).
		AddField(&scheme.Field{Name: "password", Type: scheme.Text, Transform: scheme.TransformPassword, Flags: scheme.FlagProtected}).
		AddField(&scheme.Field{Name: "admin", Type: scheme.Boolean})

	reg := scheme.NewRegistry()
	reg.Add(post).Add(comment).Add(note).Add(account)
	reg.UserScheme = "account"
	require.NoError(t, reg.Freeze())
	return reg
}

type env struct {
	h   *Handler
	st  *storage.Store
	reg *scheme.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := handlerRegistry(t)
	cfg := config.Default()
	st, err := storage.OpenMemory(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	deps := &resource.Deps{
		Store:    st,
		Registry: reg,
		Access:   &access.Controller{},
		Hydrator: hydrate.New(st, reg),
		Config:   cfg,
	}
	return &env{h: New(deps), st: st, reg: reg}
}

func (e *env) create(t *testing.T, schemeName string, fields map[string]*value.Value) int64 {
	t.Helper()
	tx := &storage.Tx{}
	require.NoError(t, e.st.Begin(tx))
	payload := value.NewDict()
	for k, v := range fields {
		payload.Set(k, v)
	}
	row, err := e.st.Create(tx, e.reg.Get(schemeName), payload)
	require.NoError(t, err)
	require.NoError(t, e.st.End(tx))
	return row.OID()
}

func (e *env) do(t *testing.T, method, target, body string, header map[string]string) (*httptest.ResponseRecorder, *value.Value) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)

	if rr.Code == http.StatusNotModified {
		return rr, nil
	}
	out, err := value.ParseJSON(rr.Body.Bytes())
	require.NoError(t, err, "body: %s", rr.Body.String())
	return rr, out
}

func TestEnvelopeShape(t *testing.T) {
	e := newEnv(t)
	e.create(t, "post", map[string]*value.Value{"title": value.String("hello")})

	rr, out := e.do(t, http.MethodGet, "/post", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.True(t, out.Get("OK").Bool())
	assert.NotEmpty(t, out.Get("date").String())
	require.Len(t, out.Get("result").List(), 1)
	assert.False(t, out.Has("errors"))
}

func TestUnknownSchemeAndGrammar(t *testing.T) {
	e := newEnv(t)

	rr, out := e.do(t, http.MethodGet, "/nosuch", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.False(t, out.Get("OK").Bool())
	require.NotEmpty(t, out.Get("errors").List())

	rr, out = e.do(t, http.MethodGet, "/post/bogus-token", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.False(t, out.Get("OK").Bool())
	msg := out.Get("errors").List()[0].Get("message").String()
	assert.Contains(t, msg, "unexpected token")
}

func TestMethodOverride(t *testing.T) {
	e := newEnv(t)
	oid := e.create(t, "post", map[string]*value.Value{"title": value.String("doomed")})

	rr, out := e.do(t, http.MethodGet, "/post/id"+itoa(oid)+"?METHOD=DELETE", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, out.Get("result").Bool())

	rr, _ = e.do(t, http.MethodGet, "/post?METHOD=PUT", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestCreateAndVerbGate(t *testing.T) {
	e := newEnv(t)

	rr, out := e.do(t, http.MethodPost, "/post", `{"title": "made"}`, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "made", out.Get("result").Get("title").String())
	oid := out.Get("result").OID()
	require.NotZero(t, oid)

	// A view path refuses writes.
	rr, _ = e.do(t, http.MethodPost, "/post/id"+itoa(oid)+"/pinned", `{"text": "x"}`, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestPredicateTreeArg(t *testing.T) {
	e := newEnv(t)
	e.create(t, "post", map[string]*value.Value{"title": value.String("alpha")})
	e.create(t, "post", map[string]*value.Value{"title": value.String("beta")})

	target := "/post?" + url.QueryEscape(`({"title":"beta"})`)
	rr, out := e.do(t, http.MethodGet, target, "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rows := out.Get("result").List()
	require.Len(t, rows, 1)
	assert.Equal(t, "beta", rows[0].Get("title").String())
}

func TestPageCount(t *testing.T) {
	e := newEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		e.create(t, "post", map[string]*value.Value{"title": value.String(title)})
	}
	_, out := e.do(t, http.MethodGet, "/post?pageCount=2", "", nil)
	assert.Len(t, out.Get("result").List(), 2)
}

func TestConditionalGet(t *testing.T) {
	e := newEnv(t)
	oid := e.create(t, "note", map[string]*value.Value{"body": value.String("fresh")})
	target := "/note/id" + itoa(oid)

	rr, out := e.do(t, http.MethodGet, target, "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Last-Modified"))
	assert.Positive(t, out.Get("delta").Int())

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	rr, _ = e.do(t, http.MethodGet, target, "", map[string]string{"If-Modified-Since": future})
	assert.Equal(t, http.StatusNotModified, rr.Code)

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	rr, _ = e.do(t, http.MethodGet, target, "", map[string]string{"If-Modified-Since": past})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeltaArg(t *testing.T) {
	e := newEnv(t)
	oid := e.create(t, "note", map[string]*value.Value{"body": value.String("x")})
	target := "/note/id" + itoa(oid)

	_, out := e.do(t, http.MethodGet, target, "", nil)
	micros := out.Get("delta").Int()
	require.Positive(t, micros)

	rr, _ := e.do(t, http.MethodGet, target+"?delta="+itoa(micros), "", nil)
	assert.Equal(t, http.StatusNotModified, rr.Code)
}

func TestDeltaScopedTombstones(t *testing.T) {
	e := newEnv(t)
	keep := e.create(t, "note", map[string]*value.Value{"body": value.String("kept")})
	gone := e.create(t, "note", map[string]*value.Value{"body": value.String("gone")})

	rr, _ := e.do(t, http.MethodDelete, "/note/id"+itoa(gone), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	// Plain reads keep excluding the tombstone.
	_, out := e.do(t, http.MethodGet, "/note", "", nil)
	rows := out.Get("result").List()
	require.Len(t, rows, 1)
	assert.Equal(t, keep, rows[0].OID())

	// A delta-scoped read reports the deletion as a reduced __delta.
	_, out = e.do(t, http.MethodGet, "/note?delta=1", "", nil)
	rows = out.Get("result").List()
	require.Len(t, rows, 2)
	var tomb *value.Value
	for _, r := range rows {
		if r.OID() == gone {
			tomb = r
		}
	}
	require.NotNil(t, tomb)
	assert.Equal(t, "delete", tomb.Get(value.KeyDelta).String())
}

func TestSessionFlow(t *testing.T) {
	e := newEnv(t)
	e.create(t, "account", map[string]*value.Value{
		"name":     value.String("ada"),
		"password": value.String("secret"),
		"admin":    value.Bool(false),
	})

	rr, out := e.do(t, http.MethodPost, "/auth", `{"name": "ada", "password": "secret"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	token := out.Get("result").Get("token").String()
	require.NotEmpty(t, token)

	_, out = e.do(t, http.MethodGet, "/auth?token="+token, "", nil)
	assert.Equal(t, "ada", out.Get("result").Get("name").String())

	rr, _ = e.do(t, http.MethodDelete, "/auth?token="+token, "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = e.do(t, http.MethodGet, "/auth?token="+token, "", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = e.do(t, http.MethodPost, "/auth", `{"name": "ada", "password": "wrong"}`, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestMultiRequest(t *testing.T) {
	e := newEnv(t)
	e.create(t, "post", map[string]*value.Value{"title": value.String("p")})
	oid := e.create(t, "note", map[string]*value.Value{"body": value.String("n")})

	body := `{"post": null, "note/id` + itoa(oid) + `": null}`
	rr, out := e.do(t, http.MethodPost, "/multi", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	results := out.Get("result").Get("results")
	assert.Len(t, results.Get("post").List(), 1)
	assert.Equal(t, oid, results.Get("note/id"+itoa(oid)).OID())

	deltas := out.Get("result").Get("delta")
	assert.Positive(t, deltas.Get("note/id"+itoa(oid)).Int())
	assert.NotEmpty(t, rr.Header().Get("Last-Modified"))
}
