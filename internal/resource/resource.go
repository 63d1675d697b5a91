// Package resource implements the polymorphic resource family: eight
// variants constructed from a resolved path, each mapping HTTP-style
// actions onto adapter operations under the two-tier permission model.
package resource

import (
	"net/http"

	"github.com/trellis-works/trellis/internal/access"
	"github.com/trellis-works/trellis/internal/config"
	"github.com/trellis-works/trellis/internal/hydrate"
	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/resolve"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// Upload is one file received with a write request. Field is the form
// field name it arrived under.
type Upload struct {
	Field string
	Name  string
	Type  string
	Data  []byte
}

// Resource is the per-request action contract. A resource is bound to
// one transaction handle and discarded with the response.
type Resource interface {
	Kind() resolve.ResourceKind

	// Verb gates. A false gate maps to 405 at the facade.
	PrepareCreate() bool
	PrepareUpdate() bool
	PrepareAppend() bool

	Get() (*value.Value, *storage.Cursor, error)
	Create(v *value.Value, files []*Upload) (*value.Value, error)
	Update(v *value.Value, files []*Upload) (*value.Value, error)
	Append(v *value.Value) (*value.Value, error)
	Remove() (bool, error)

	// Mtime returns the modification timestamp of a single-object
	// selection, zero when untracked.
	Mtime() (int64, error)

	// Delta returns the source delta stream value; ok is false when
	// the selection has no applicable stream.
	Delta() (micros int64, ok bool, err error)

	// Status returns the hinted HTTP status set by a failed operation,
	// zero when none.
	Status() int

	List() *query.List

	MaxRequestSize() int64
	MaxVarSize() int64
	MaxFileSize() int64
}

// Deps bundles the process-wide collaborators a resource needs.
type Deps struct {
	Store    storage.Adapter
	Registry *scheme.Registry
	Access   *access.Controller
	Hydrator *hydrate.Hydrator
	Config   *config.Config
}

// New constructs the variant for a resolved path.
func New(d *Deps, res *resolve.Result, tx *storage.Tx, user *scheme.User, fields *resolve.FieldResolver, crossAuthed bool) Resource {
	b := base{
		d:      d,
		tx:     tx,
		user:   user,
		list:   res.List,
		field:  res.Field,
		kind:   res.Kind,
		fields: fields,
		cross:  crossAuthed,
	}
	switch res.Kind {
	case resolve.KindObject:
		return &objectResource{rows: rows{base: b}}
	case resolve.KindSet:
		return &setResource{rows: rows{base: b}}
	case resolve.KindReferenceSet:
		return &refSetResource{base: b}
	case resolve.KindFile:
		return &fileResource{base: b}
	case resolve.KindArray:
		return &arrayResource{base: b}
	case resolve.KindFieldObject:
		return &fieldObjectResource{base: b}
	case resolve.KindView:
		return &viewResource{base: b}
	case resolve.KindSearch:
		return &searchResource{base: b}
	default:
		return &listResource{rows: rows{base: b}}
	}
}

// MapUploadedFiles seeds the payload with negative placeholder ids for
// uploaded files whose field name matches a File or Image field on s.
// Payload keys already present win; files matching no content field
// are dropped. Returns the surviving uploads in placeholder order:
// placeholder -(i+1) refers to the i-th returned upload.
func MapUploadedFiles(s *scheme.Scheme, payload *value.Value, files []*Upload) []*Upload {
	var kept []*Upload
	for _, u := range files {
		f := s.Field(u.Field)
		if f == nil || !f.IsContent() {
			continue
		}
		if payload.Has(u.Field) {
			continue
		}
		kept = append(kept, u)
		payload.Set(u.Field, value.Int(int64(-len(kept))))
	}
	return kept
}

// statusPriority orders concurrent error statuses; higher values win.
// 500 carries no priority, so any status a resource hints outranks the
// facade's internal-error seed.
var statusPriority = map[int]int{
	http.StatusMethodNotAllowed:      8,
	http.StatusConflict:              7,
	http.StatusRequestEntityTooLarge: 6,
	http.StatusUnsupportedMediaType:  5,
	http.StatusBadRequest:            4,
	http.StatusForbidden:             3,
	http.StatusNotFound:              2,
	http.StatusNotImplemented:        1,
}

// PickStatus returns the winner between two hinted statuses.
func PickStatus(a, b int) int {
	if statusPriority[b] > statusPriority[a] {
		return b
	}
	return a
}
