package resource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/resolve"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// base carries the state shared by all variants. Variants embed it and
// override the verb gates and actions they support.
type base struct {
	d      *Deps
	tx     *storage.Tx
	user   *scheme.User
	list   *query.List
	field  *scheme.Field
	kind   resolve.ResourceKind
	fields *resolve.FieldResolver
	cross  bool

	status int
}

func (b *base) Kind() resolve.ResourceKind { return b.kind }
func (b *base) List() *query.List          { return b.list }

// Default gates: read-only. Variants widen them.
func (b *base) PrepareCreate() bool { return false }
func (b *base) PrepareUpdate() bool { return false }
func (b *base) PrepareAppend() bool { return false }

func (b *base) Create(*value.Value, []*Upload) (*value.Value, error) {
	b.hint(http.StatusNotImplemented)
	return nil, errors.New("resource does not support create")
}

func (b *base) Update(*value.Value, []*Upload) (*value.Value, error) {
	b.hint(http.StatusNotImplemented)
	return nil, errors.New("resource does not support update")
}

func (b *base) Append(*value.Value) (*value.Value, error) {
	b.hint(http.StatusNotImplemented)
	return nil, errors.New("resource does not support append")
}

func (b *base) Remove() (bool, error) {
	b.hint(http.StatusNotImplemented)
	return false, errors.New("resource does not support remove")
}

func (b *base) Status() int { return b.status }

// hint records a status suggestion; the highest-priority hint wins.
func (b *base) hint(code int) { b.status = PickStatus(b.status, code) }

func (b *base) scheme() *scheme.Scheme { return b.list.EffectiveScheme() }

// Size budgets fall back to the configured limits when the scheme
// declares none.
func (b *base) MaxRequestSize() int64 {
	if n := b.scheme().MaxRequestSize; n > 0 {
		return n
	}
	return b.d.Config.Limits.MaxRequestSize
}

func (b *base) MaxVarSize() int64 {
	if n := b.scheme().MaxVarSize; n > 0 {
		return n
	}
	return b.d.Config.Limits.MaxVarSize
}

func (b *base) MaxFileSize() int64 {
	if n := b.scheme().MaxFileSize; n > 0 {
		return n
	}
	return b.d.Config.Limits.MaxFileSize
}

// perm resolves the scheme-tier permission for an action on the
// effective scheme.
func (b *base) perm(action scheme.Action) scheme.Permission {
	return b.d.Access.SchemePermission(b.user, b.scheme(), action, b.cross)
}

// allowedOn combines both permission tiers for one object. The patch
// may be rewritten by the object-tier callback.
func (b *base) allowedOn(action scheme.Action, object, patch *value.Value) bool {
	return b.d.Access.Allowed(b.user, b.scheme(), action, object, patch, b.cross)
}

// requireScheme denies the whole action when the scheme tier resolves
// to Restrict.
func (b *base) requireScheme(action scheme.Action) error {
	if b.perm(action) == scheme.Restrict {
		b.hint(http.StatusForbidden)
		return fmt.Errorf("%s on %s denied", action, b.scheme().Name)
	}
	return nil
}

func (b *base) hydrate(v *value.Value) (*value.Value, error) {
	return b.d.Hydrator.Hydrate(b.tx, v, b.fields)
}

// ids resolves the selection to its target oids.
func (b *base) ids() ([]int64, error) {
	return b.d.Store.PerformQueryListForIds(b.tx, b.list)
}

// parentOID resolves the single row the tail item's parent selection
// targets. Used by variants bound through a field on the parent.
func (b *base) parentOID() (int64, error) {
	if b.list.Len() < 2 {
		return b.singleOID()
	}
	oids, err := b.d.Store.PerformQueryListForIds(b.tx, b.list.Prefix(b.list.Len()-1))
	if err != nil {
		return 0, err
	}
	if len(oids) != 1 {
		b.hint(http.StatusNotFound)
		return 0, fmt.Errorf("parent selection matched %d rows", len(oids))
	}
	return oids[0], nil
}

// singleOID resolves the whole selection to exactly one row.
func (b *base) singleOID() (int64, error) {
	oids, err := b.ids()
	if err != nil {
		return 0, err
	}
	if len(oids) != 1 {
		b.hint(http.StatusNotFound)
		return 0, fmt.Errorf("selection matched %d rows", len(oids))
	}
	return oids[0], nil
}

// Mtime reads the auto-mtime field of a single-object selection.
func (b *base) Mtime() (int64, error) {
	mt := b.scheme().MTimeField()
	if mt == nil || !b.list.SingleObject {
		return 0, nil
	}
	oid, err := b.singleOID()
	if err != nil {
		return 0, err
	}
	row, err := b.d.Store.Get(b.tx, b.scheme(), oid)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Get(mt.Name).Int(), nil
}

// Delta returns the source delta stream value when the selection has
// one.
func (b *base) Delta() (int64, bool, error) {
	if !b.list.DeltaApplicable() {
		return 0, false, nil
	}
	if b.field != nil && b.field.Type == scheme.View {
		oid, err := b.parentOID()
		if err != nil {
			return 0, false, err
		}
		// The view lives on the parent item's scheme.
		owner := b.list.Tail().Scheme
		if b.list.Len() >= 2 {
			owner = b.list.Items()[b.list.Len()-2].Scheme
		}
		micros, err := b.d.Store.ViewDeltaValue(owner, b.field, oid)
		return micros, err == nil, err
	}
	micros, err := b.d.Store.DeltaValue(b.scheme())
	return micros, err == nil, err
}

// perform runs fn inside a nested transaction scope; fn failures roll
// the scope back without breaking the caller's view of the error.
func (b *base) perform(fn func() error) error {
	if err := b.d.Store.Begin(b.tx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.d.Store.Cancel(b.tx)
		b.d.Store.End(b.tx)
		return err
	}
	return b.d.Store.End(b.tx)
}

// resolveUploads replaces negative placeholder ids in File and Image
// fields with rows created in the file scheme.
func (b *base) resolveUploads(payload *value.Value, files []*Upload) error {
	var err error
	b.scheme().Fields(func(f *scheme.Field) bool {
		if !f.IsContent() {
			return true
		}
		raw := payload.Get(f.Name)
		if raw.Kind() != value.KindInt || raw.Int() >= 0 {
			return true
		}
		idx := int(-raw.Int()) - 1
		if idx < 0 || idx >= len(files) {
			b.hint(http.StatusBadRequest)
			err = fmt.Errorf("field %s references missing upload", f.Name)
			return false
		}
		var oid int64
		oid, err = b.uploadFile(files[idx])
		if err != nil {
			return false
		}
		payload.Set(f.Name, value.Int(oid))
		return true
	})
	return err
}

// uploadFile stores one upload as a row of the registry's file scheme,
// filling whichever of the conventional fields the scheme declares.
func (b *base) uploadFile(u *Upload) (int64, error) {
	fs := b.d.Registry.Get(b.d.Registry.FileScheme)
	if fs == nil {
		b.hint(http.StatusUnsupportedMediaType)
		return 0, errors.New("no file scheme registered")
	}
	if b.d.Config.Limits.MaxFileSize > 0 && int64(len(u.Data)) > b.MaxFileSize() {
		b.hint(http.StatusRequestEntityTooLarge)
		return 0, fmt.Errorf("upload %s exceeds size budget", u.Name)
	}
	row := value.NewDict()
	if fs.Field("name") != nil {
		row.Set("name", value.String(u.Name))
	}
	if fs.Field("type") != nil {
		row.Set("type", value.String(u.Type))
	}
	if fs.Field("size") != nil {
		row.Set("size", value.Int(int64(len(u.Data))))
	}
	if fs.Field("data") != nil {
		row.Set("data", value.Bytes(u.Data))
	}
	created, err := b.d.Store.Create(b.tx, fs, row)
	if err != nil {
		return 0, fmt.Errorf("store upload %s: %w", u.Name, err)
	}
	return created.OID(), nil
}
