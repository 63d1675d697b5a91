// Package handler is the HTTP facade over the resource family: verb
// dispatch with METHOD override, conditional GET against delta streams
// and object mtimes, payload and upload decoding under the resource
// size budgets, and the response envelope.
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trellis-works/trellis/internal/resolve"
	"github.com/trellis-works/trellis/internal/resource"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// Reserved top-level path names that never resolve as schemes.
const (
	authPath  = "auth"
	multiPath = "multi"
)

// Handler routes requests to resources. Safe for concurrent use; all
// per-request state lives on the request struct.
type Handler struct {
	d *resource.Deps
}

// New returns a handler over the given process collaborators.
func New(d *resource.Deps) *Handler {
	return &Handler{d: d}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rq := &request{h: h, w: w, r: r, args: r.URL.Query()}
	rq.user, rq.cross = rq.principal()

	segments := splitPath(r.URL.Path)
	switch {
	case len(segments) == 0:
		rq.addError("", "", "no resource path")
		rq.writeError(http.StatusNotFound)
	case segments[0] == authPath:
		rq.serveAuth()
	case segments[0] == multiPath:
		rq.serveMulti()
	default:
		rq.serveResource(segments)
	}
}

// request carries the state of one request through dispatch.
type request struct {
	h    *Handler
	w    http.ResponseWriter
	r    *http.Request
	args map[string][]string

	user  *scheme.User
	cross bool

	errs  *value.Value
	debug *value.Value
}

func (rq *request) arg(name string) string {
	if vs := rq.args[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func reverse(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[len(segments)-1-i] = s
	}
	return out
}

// principal resolves the request's user from the session token and
// checks the cross-server auth header pair.
func (rq *request) principal() (*scheme.User, bool) {
	d := rq.h.d
	cross := d.Access.ValidateCross(
		rq.r.Header.Get("X-Trellis-Auth-Id"),
		rq.r.Header.Get("X-Trellis-Auth-Sig"),
	)

	token := rq.arg("token")
	if token == "" {
		if c, err := rq.r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, cross
	}
	v, ok := d.Store.KVGet(sessionKey(token))
	if !ok {
		return nil, cross
	}
	return &scheme.User{
		OID:   v.Get("oid").Int(),
		Name:  v.Get("name").String(),
		Admin: v.Get("admin").Bool(),
	}, cross
}

// verb applies the METHOD override: only GET→DELETE and POST→PUT|PATCH
// are legal.
func (rq *request) verb() (string, bool) {
	m := rq.r.Method
	o := rq.arg("METHOD")
	if o == "" {
		return m, true
	}
	switch {
	case m == http.MethodGet && o == http.MethodDelete:
		return o, true
	case m == http.MethodPost && (o == http.MethodPut || o == http.MethodPatch):
		return o, true
	}
	return "", false
}

// filter extracts the leading-paren predicate tree from the query
// string, if present.
func (rq *request) filter() (*value.Value, error) {
	for k, vs := range rq.args {
		if !strings.HasPrefix(k, "(") {
			continue
		}
		text := k
		// url.Values splits on the first '=', which may sit inside
		// the JSON text.
		if len(vs) > 0 && vs[0] != "" {
			text += "=" + vs[0]
		}
		text = strings.TrimPrefix(text, "(")
		text = strings.TrimSuffix(text, ")")
		return value.ParseJSON([]byte(text))
	}
	return nil, nil
}

func (rq *request) serveResource(segments []string) {
	d := rq.h.d

	verb, ok := rq.verb()
	if !ok {
		rq.addError("", rq.arg("METHOD"), "bad method override")
		rq.writeError(http.StatusMethodNotAllowed)
		return
	}

	root := d.Registry.Get(segments[0])
	if root == nil {
		rq.addError("", segments[0], "unknown scheme")
		rq.writeError(http.StatusNotFound)
		return
	}

	filter, err := rq.filter()
	if err != nil {
		rq.addError("", "", "bad predicate tree: "+err.Error())
		rq.writeError(http.StatusBadRequest)
		return
	}

	res, rerr := resolve.ResolvePath(d.Registry, root, reverse(segments[1:]), filter)
	if rerr != nil {
		rq.addError(rerr.Kind.String(), rerr.Token, rerr.Message)
		rq.writeError(http.StatusNotFound)
		return
	}
	rq.applyPageArgs(res)

	rsrc := resource.New(d, res, &storage.Tx{}, rq.user, rq.fieldResolver(res), rq.cross)
	rq.note("resolved %s as %s", strings.Join(segments, "/"), res.Kind)
	rq.dispatch(verb, rsrc)
}

// applyPageArgs folds the pagination query arguments into the tail
// selection.
func (rq *request) applyPageArgs(res *resolve.Result) {
	tail := res.List.Tail()
	if n, err := strconv.Atoi(rq.arg("pageFrom")); err == nil && n > 0 {
		tail.Offset = n
	}
	if n, err := strconv.Atoi(rq.arg("pageCount")); err == nil && n > 0 {
		tail.Limit = n
	}
	if tok := rq.arg("page"); tok != "" {
		res.List.ContinueToken = tok
	}
	// A delta-scoped read reports deletions, so tombstoned rows stay
	// in the selection.
	if d := rq.arg("delta"); d != "" {
		if target, err := strconv.ParseInt(d, 10, 64); err == nil && target > 0 {
			tail.IncludeDeleted = true
		}
	}
}

// fieldResolver builds the include tree from the resolve arguments,
// with the depth clamped to the configured maximum.
func (rq *request) fieldResolver(res *resolve.Result) *resolve.FieldResolver {
	d := rq.h.d
	depth := d.Config.Resolver.MaxDepth
	if n, err := strconv.Atoi(rq.arg("resolveDepth")); err == nil && n > 0 && n < depth {
		depth = n
	}
	res.List.ResolveDepth = depth
	return resolve.NewFieldResolver(d.Registry, res.List.EffectiveScheme(), rq.arg("resolve"), depth)
}

func (rq *request) dispatch(verb string, rsrc resource.Resource) {
	switch verb {
	case http.MethodGet, http.MethodHead:
		rq.doGet(rsrc)
	case http.MethodPost:
		if !rsrc.PrepareCreate() {
			rq.methodNotAllowed(verb, rsrc)
			return
		}
		payload, files, ok := rq.readPayload(rsrc)
		if !ok {
			return
		}
		out, err := rsrc.Create(payload, files)
		rq.finishWrite(rsrc, out, err, http.StatusCreated)
	case http.MethodPut:
		if !rsrc.PrepareUpdate() {
			rq.methodNotAllowed(verb, rsrc)
			return
		}
		payload, files, ok := rq.readPayload(rsrc)
		if !ok {
			return
		}
		out, err := rsrc.Update(payload, files)
		rq.finishWrite(rsrc, out, err, http.StatusOK)
	case http.MethodPatch:
		if !rsrc.PrepareAppend() {
			rq.methodNotAllowed(verb, rsrc)
			return
		}
		payload, _, ok := rq.readPayload(rsrc)
		if !ok {
			return
		}
		out, err := rsrc.Append(payload)
		rq.finishWrite(rsrc, out, err, http.StatusOK)
	case http.MethodDelete:
		removed, err := rsrc.Remove()
		if err != nil {
			rq.fail(rsrc, err)
			return
		}
		if !removed {
			rq.addError("", "", "nothing removed")
			rq.writeError(http.StatusNotFound)
			return
		}
		rq.writeEnvelope(http.StatusOK, value.Bool(true), nil, 0)
	default:
		rq.methodNotAllowed(verb, rsrc)
	}
}

func (rq *request) methodNotAllowed(verb string, rsrc resource.Resource) {
	rq.addError("", verb, rsrc.Kind().String()+" resource does not allow "+verb)
	rq.writeError(http.StatusMethodNotAllowed)
}

func (rq *request) doGet(rsrc resource.Resource) {
	notModified, modified, micros := rq.freshness(rsrc)
	if !modified.IsZero() {
		rq.w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	}
	if notModified {
		rq.w.WriteHeader(http.StatusNotModified)
		return
	}

	out, cursor, err := rsrc.Get()
	if err != nil {
		rq.fail(rsrc, err)
		return
	}
	rq.writeEnvelope(http.StatusOK, out, cursor, micros)
}

// freshness evaluates the conditional GET inputs: the delta query
// argument in microseconds and If-Modified-Since in whole seconds,
// against the source delta stream or the object mtime.
func (rq *request) freshness(rsrc resource.Resource) (bool, time.Time, int64) {
	var modified time.Time
	micros, ok, err := rsrc.Delta()
	if err == nil && ok && micros > 0 {
		modified = time.UnixMicro(micros)
	} else {
		micros = 0
		if mt, merr := rsrc.Mtime(); merr == nil && mt > 0 {
			modified = time.UnixMicro(mt)
		}
	}
	if modified.IsZero() {
		return false, modified, micros
	}

	if d := rq.arg("delta"); d != "" && micros > 0 {
		if target, perr := strconv.ParseInt(d, 10, 64); perr == nil && target > 0 && micros <= target {
			return true, modified, micros
		}
	}
	if ims := rq.r.Header.Get("If-Modified-Since"); ims != "" {
		if t, perr := http.ParseTime(ims); perr == nil && !modified.Truncate(time.Second).After(t) {
			return true, modified, micros
		}
	}
	return false, modified, micros
}

// finishWrite emits the result of a mutation with the verb's default
// status.
func (rq *request) finishWrite(rsrc resource.Resource, out *value.Value, err error, okStatus int) {
	if err != nil {
		rq.fail(rsrc, err)
		return
	}
	rq.writeEnvelope(okStatus, out, nil, 0)
}

// fail writes the error envelope, combining the resource's hinted
// status with the error's own mapping.
func (rq *request) fail(rsrc resource.Resource, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	if rsrc != nil {
		status = resource.PickStatus(status, rsrc.Status())
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		status = http.StatusRequestEntityTooLarge
	}
	rq.addError("", "", err.Error())
	rq.writeError(status)
}

// readPayload decodes the request body: JSON directly, or a multipart
// form carrying uploads plus a JSON "data" part. Reports false after
// writing the error response.
func (rq *request) readPayload(rsrc resource.Resource) (*value.Value, []*resource.Upload, bool) {
	rq.r.Body = http.MaxBytesReader(rq.w, rq.r.Body, rsrc.MaxRequestSize())

	ct := rq.r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		return rq.readMultipart(rsrc)
	}

	raw, err := io.ReadAll(rq.r.Body)
	if err != nil {
		rq.fail(rsrc, err)
		return nil, nil, false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return value.NewDict(), nil, true
	}
	v, err := value.ParseJSON(raw)
	if err != nil {
		rq.addError("", "", "bad payload: "+err.Error())
		rq.writeError(http.StatusBadRequest)
		return nil, nil, false
	}
	return v, nil, true
}

func (rq *request) readMultipart(rsrc resource.Resource) (*value.Value, []*resource.Upload, bool) {
	if err := rq.r.ParseMultipartForm(rsrc.MaxRequestSize()); err != nil {
		rq.fail(rsrc, err)
		return nil, nil, false
	}

	payload := value.NewDict()
	if data := rq.r.FormValue("data"); data != "" {
		v, err := value.ParseJSON([]byte(data))
		if err != nil || v.Kind() != value.KindDict {
			rq.addError("", "data", "bad data part")
			rq.writeError(http.StatusBadRequest)
			return nil, nil, false
		}
		payload = v
	} else {
		for k, vs := range rq.r.MultipartForm.Value {
			if len(vs) > 0 {
				payload.Set(k, value.String(vs[0]))
			}
		}
	}

	var files []*resource.Upload
	for field, headers := range rq.r.MultipartForm.File {
		for _, fh := range headers {
			if fh.Size > rsrc.MaxFileSize() {
				rq.addError("", fh.Filename, "upload exceeds size budget")
				rq.writeError(http.StatusRequestEntityTooLarge)
				return nil, nil, false
			}
			f, err := fh.Open()
			if err != nil {
				rq.fail(rsrc, err)
				return nil, nil, false
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				rq.fail(rsrc, err)
				return nil, nil, false
			}
			files = append(files, &resource.Upload{
				Field: field,
				Name:  fh.Filename,
				Type:  fh.Header.Get("Content-Type"),
				Data:  data,
			})
		}
	}
	return payload, files, true
}
