package resource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// rows is the shared engine of the row-selection variants (resource
// list, object, set): query-list reads, mass updates in independent
// nested transactions, and mass deletes.
type rows struct {
	base
}

func (r *rows) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	out, cursor, err := r.d.Store.PerformQueryList(r.tx, r.list, true, false)
	if err != nil {
		r.hint(http.StatusInternalServerError)
		return nil, nil, err
	}
	out = r.filterReadable(out)
	hydrated, err := r.hydrate(out)
	if err != nil {
		r.hint(http.StatusInternalServerError)
		return nil, nil, err
	}
	return hydrated, cursor, nil
}

// filterReadable drops rows the object tier denies under a Partial
// read grant.
func (r *rows) filterReadable(rowsV *value.Value) *value.Value {
	if r.perm(scheme.ActionRead) != scheme.Partial {
		return rowsV
	}
	out := value.List()
	for _, row := range rowsV.List() {
		if r.d.Access.ObjectPermission(r.user, r.scheme(), scheme.ActionRead, row, nil) != scheme.Restrict {
			out.Append(row)
		}
	}
	return out
}

func (r *rows) Create(v *value.Value, files []*Upload) (*value.Value, error) {
	return r.createRow(v, files, nil)
}

// createRow inserts one row; seed pre-populates payload fields (the
// set variant binds the owner reference this way).
func (r *rows) createRow(v *value.Value, files []*Upload, seed func(*value.Value) error) (*value.Value, error) {
	if err := r.requireScheme(scheme.ActionCreate); err != nil {
		return nil, err
	}
	if !r.allowedOn(scheme.ActionCreate, nil, v) {
		r.hint(http.StatusForbidden)
		return nil, fmt.Errorf("create on %s denied", r.scheme().Name)
	}
	kept := MapUploadedFiles(r.scheme(), v, files)

	var created *value.Value
	err := r.perform(func() error {
		if seed != nil {
			if err := seed(v); err != nil {
				return err
			}
		}
		if err := r.resolveUploads(v, kept); err != nil {
			return err
		}
		row, err := r.d.Store.Create(r.tx, r.scheme(), v)
		if err != nil {
			r.hint(http.StatusBadRequest)
			return err
		}
		created = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.broadcast("create", created.OID())
	return r.hydrate(created)
}

func (r *rows) Update(v *value.Value, files []*Upload) (*value.Value, error) {
	return r.mutate(scheme.ActionUpdate, v, files)
}

func (r *rows) Append(v *value.Value) (*value.Value, error) {
	return r.mutate(scheme.ActionAppend, v, nil)
}

// mutate applies the payload to every selected row, one independent
// nested transaction per id. Rows denied by the object tier are
// skipped; the result lists the mutated rows in selection order.
func (r *rows) mutate(action scheme.Action, v *value.Value, files []*Upload) (*value.Value, error) {
	if err := r.requireScheme(action); err != nil {
		return nil, err
	}
	oids, err := r.ids()
	if err != nil {
		return nil, err
	}
	if len(oids) == 0 {
		r.hint(http.StatusConflict)
		return nil, errors.New("selection matched no rows")
	}
	kept := MapUploadedFiles(r.scheme(), v, files)
	partial := r.perm(action) == scheme.Partial

	results := value.List()
	for _, oid := range oids {
		err := r.perform(func() error {
			object, err := r.d.Store.Get(r.tx, r.scheme(), oid)
			if err != nil {
				return err
			}
			patch := v.Clone()
			if partial && r.d.Access.ObjectPermission(r.user, r.scheme(), action, object, patch) == scheme.Restrict {
				return errSkipped
			}
			if err := r.resolveUploads(patch, kept); err != nil {
				return err
			}
			row, err := r.d.Store.Patch(r.tx, r.scheme(), oid, patch)
			if err != nil {
				r.hint(http.StatusBadRequest)
				return err
			}
			hr, err := r.hydrate(row)
			if err != nil {
				return err
			}
			results.Append(hr)
			return nil
		})
		switch {
		case errors.Is(err, errSkipped):
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			r.broadcast("update", oid)
		}
	}
	return results, nil
}

// errSkipped aborts one per-id scope without failing the batch.
var errSkipped = errors.New("resource: row skipped")

// Remove deletes every selected row. A single-id selection reports the
// row's own remove result; multi-id batches report true whenever the
// id list was non-empty, each deletion independent.
func (r *rows) Remove() (bool, error) {
	if err := r.requireScheme(scheme.ActionRemove); err != nil {
		return false, err
	}
	oids, err := r.ids()
	if err != nil {
		return false, err
	}
	partial := r.perm(scheme.ActionRemove) == scheme.Partial

	removeOne := func(oid int64) (bool, error) {
		var removed bool
		err := r.perform(func() error {
			if partial {
				object, err := r.d.Store.Get(r.tx, r.scheme(), oid)
				if err != nil {
					return err
				}
				if r.d.Access.ObjectPermission(r.user, r.scheme(), scheme.ActionRemove, object, nil) == scheme.Restrict {
					return errSkipped
				}
			}
			ok, err := r.d.Store.Remove(r.tx, r.scheme(), oid)
			removed = ok
			return err
		})
		if errors.Is(err, errSkipped) || errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if removed {
			r.broadcast("remove", oid)
		}
		return removed, err
	}

	if len(oids) == 1 {
		return removeOne(oids[0])
	}
	for _, oid := range oids {
		if _, err := removeOne(oid); err != nil {
			return false, err
		}
	}
	return len(oids) > 0, nil
}

// broadcast publishes a mutation notice.
func (b *base) broadcast(action string, oid int64) {
	notice := value.NewDict()
	notice.Set("scheme", value.String(b.scheme().Name))
	notice.Set("action", value.String(action))
	notice.Set("oid", value.Int(oid))
	b.d.Store.Broadcast(notice)
}

// listResource is the multi-row root selection.
type listResource struct {
	rows
}

func (r *listResource) PrepareCreate() bool { return true }
func (r *listResource) PrepareUpdate() bool { return true }
func (r *listResource) PrepareAppend() bool { return true }

// objectResource is a single-object selection (oid, alias, unique eq
// or anchored). Creation happens on lists and sets, never here.
type objectResource struct {
	rows
}

func (r *objectResource) PrepareUpdate() bool { return true }

// Get unwraps the single row; an empty selection is a miss.
func (r *objectResource) Get() (*value.Value, *storage.Cursor, error) {
	out, _, err := r.rows.Get()
	if err != nil {
		return nil, nil, err
	}
	elems := out.List()
	if len(elems) == 0 {
		r.hint(http.StatusNotFound)
		return nil, nil, storage.ErrNotFound
	}
	return elems[0], nil, nil
}

// setResource is a multi-row selection reached through a Set field.
// Created rows are bound to the single parent via the owner field.
type setResource struct {
	rows
}

func (r *setResource) PrepareCreate() bool { return true }
func (r *setResource) PrepareUpdate() bool { return true }
func (r *setResource) PrepareAppend() bool { return true }

func (r *setResource) Create(v *value.Value, files []*Upload) (*value.Value, error) {
	return r.createRow(v, files, func(payload *value.Value) error {
		ref := r.list.Tail().Ref
		if ref == nil || ref.Type != scheme.Set {
			return errors.New("set resource without set binding")
		}
		if payload.Has(ref.OwnerField) {
			return nil
		}
		parent, err := r.parentOID()
		if err != nil {
			return err
		}
		payload.Set(ref.OwnerField, value.Int(parent))
		return nil
	})
}
