package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trellis-works/trellis/internal/resolve"
	"github.com/trellis-works/trellis/internal/resource"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// serveMulti answers a batch of reads in one round trip. The body is a
// dictionary of path → filter entries; each path resolves against its
// root scheme with the filter pre-seeding the head selection. Results
// compose under one envelope with a per-path delta map, and the
// response Last-Modified is the newest delta among the entries.
func (rq *request) serveMulti() {
	if rq.r.Method != http.MethodPost {
		rq.addError("", rq.r.Method, "multi endpoint allows POST only")
		rq.writeError(http.StatusMethodNotAllowed)
		return
	}
	d := rq.h.d

	rq.r.Body = http.MaxBytesReader(rq.w, rq.r.Body, d.Config.Limits.MaxRequestSize)
	raw, err := io.ReadAll(rq.r.Body)
	if err != nil {
		rq.fail(nil, err)
		return
	}
	batch, err := value.ParseJSON(raw)
	if err != nil || batch.Kind() != value.KindDict {
		rq.addError("", "", "multi request expects a JSON dictionary")
		rq.writeError(http.StatusBadRequest)
		return
	}

	results := value.NewDict()
	deltas := value.NewDict()
	var newest int64

	batch.Dict().Range(func(path string, filter *value.Value) bool {
		out, micros := rq.performOne(path, filter)
		results.Set(path, out)
		if micros > 0 {
			deltas.Set(path, value.Int(micros))
			if micros > newest {
				newest = micros
			}
		}
		return true
	})

	env := value.NewDict()
	env.Set("results", results)
	if deltas.Dict().Len() > 0 {
		env.Set("delta", deltas)
	}
	if newest > 0 {
		rq.w.Header().Set("Last-Modified", time.UnixMicro(newest).UTC().Format(http.TimeFormat))
	}
	rq.writeEnvelope(http.StatusOK, env, nil, 0)
}

// performOne resolves and reads one batch entry. Failures attach to
// the shared errors array and yield a null result for the entry.
func (rq *request) performOne(path string, filter *value.Value) (*value.Value, int64) {
	d := rq.h.d

	segments := splitPath(path)
	if len(segments) == 0 {
		rq.addError("", path, "empty path")
		return value.Null(), 0
	}
	root := d.Registry.Get(segments[0])
	if root == nil {
		rq.addError("", segments[0], "unknown scheme")
		return value.Null(), 0
	}
	if filter.IsNull() {
		filter = nil
	}

	res, rerr := resolve.ResolvePath(d.Registry, root, reverse(segments[1:]), filter)
	if rerr != nil {
		rq.addError(rerr.Kind.String(), rerr.Token, rerr.Message)
		return value.Null(), 0
	}
	rq.applyPageArgs(res)

	rsrc := resource.New(d, res, &storage.Tx{}, rq.user, rq.fieldResolver(res), rq.cross)
	out, _, err := rsrc.Get()
	if err != nil {
		rq.addError("", strings.Join(segments, "/"), err.Error())
		return value.Null(), 0
	}

	var micros int64
	if m, ok, derr := rsrc.Delta(); derr == nil && ok {
		micros = m
	}
	return out, micros
}
