package resource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// fileResource serves a terminal File or Image field of one object.
// Create and update are unified: a single upload replaces the content
// reference.
type fileResource struct {
	base
}

func (r *fileResource) PrepareCreate() bool { return true }
func (r *fileResource) PrepareUpdate() bool { return true }

func (r *fileResource) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	oid, err := r.singleOID()
	if err != nil {
		return nil, nil, err
	}
	ref, err := r.d.Store.Field(r.tx, storage.FieldGet, r.scheme(), oid, r.field, nil)
	if err != nil {
		return nil, nil, err
	}
	if ref.IsNull() {
		r.hint(http.StatusNotFound)
		return nil, nil, storage.ErrNotFound
	}
	fs := r.d.Registry.Get(r.field.Foreign)
	row, err := r.d.Store.Get(r.tx, fs, ref.Int())
	if errors.Is(err, storage.ErrNotFound) {
		r.hint(http.StatusNotFound)
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, err
	}
	hydrated, err := r.d.Hydrator.Hydrate(r.tx, row, r.fields.Next(r.field.Name))
	if err != nil {
		return nil, nil, err
	}
	return hydrated, nil, nil
}

func (r *fileResource) Create(v *value.Value, files []*Upload) (*value.Value, error) {
	return r.Update(v, files)
}

func (r *fileResource) Update(_ *value.Value, files []*Upload) (*value.Value, error) {
	if err := r.requireScheme(scheme.ActionUpdate); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		r.hint(http.StatusBadRequest)
		return nil, errors.New("file resource expects one upload")
	}
	oid, err := r.singleOID()
	if err != nil {
		return nil, err
	}
	err = r.perform(func() error {
		fileOID, err := r.uploadFile(files[0])
		if err != nil {
			return err
		}
		_, err = r.d.Store.Field(r.tx, storage.FieldSet, r.scheme(), oid, r.field, value.Int(fileOID))
		return err
	})
	if err != nil {
		return nil, err
	}
	r.broadcast("update", oid)
	out, _, err := r.Get()
	return out, err
}

func (r *fileResource) Remove() (bool, error) {
	if err := r.requireScheme(scheme.ActionUpdate); err != nil {
		return false, err
	}
	oid, err := r.singleOID()
	if err != nil {
		return false, err
	}
	err = r.perform(func() error {
		_, err := r.d.Store.Field(r.tx, storage.FieldSet, r.scheme(), oid, r.field, value.Null())
		return err
	})
	if err != nil {
		return false, err
	}
	r.broadcast("update", oid)
	return true, nil
}

// arrayResource serves a terminal Array field: POST appends, PUT
// replaces, DELETE clears.
type arrayResource struct {
	base
}

func (r *arrayResource) PrepareCreate() bool { return true }
func (r *arrayResource) PrepareUpdate() bool { return true }

func (r *arrayResource) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	oid, err := r.singleOID()
	if err != nil {
		return nil, nil, err
	}
	elems, err := r.d.Store.Field(r.tx, storage.FieldGet, r.scheme(), oid, r.field, nil)
	if err != nil {
		return nil, nil, err
	}
	return elems, nil, nil
}

func (r *arrayResource) Create(v *value.Value, _ []*Upload) (*value.Value, error) {
	return r.write(storage.FieldAppend, v)
}

func (r *arrayResource) Update(v *value.Value, _ []*Upload) (*value.Value, error) {
	return r.write(storage.FieldSet, v)
}

func (r *arrayResource) write(action storage.FieldAction, v *value.Value) (*value.Value, error) {
	if err := r.requireScheme(scheme.ActionUpdate); err != nil {
		return nil, err
	}
	elems, err := r.coerce(v)
	if err != nil {
		return nil, err
	}
	oid, err := r.singleOID()
	if err != nil {
		return nil, err
	}
	var out *value.Value
	err = r.perform(func() error {
		out, err = r.d.Store.Field(r.tx, action, r.scheme(), oid, r.field, elems)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.broadcast("update", oid)
	return out, nil
}

// coerce accepts a scalar, a list, or a dictionary keyed by the field
// name, and yields the element list.
func (r *arrayResource) coerce(v *value.Value) (*value.Value, error) {
	if v.Kind() == value.KindDict {
		v = v.Get(r.field.Name)
	}
	switch v.Kind() {
	case value.KindList:
		return v, nil
	case value.KindNull:
		r.hint(http.StatusBadRequest)
		return nil, fmt.Errorf("array payload missing field %s", r.field.Name)
	default:
		return value.List(v), nil
	}
}

func (r *arrayResource) Remove() (bool, error) {
	if err := r.requireScheme(scheme.ActionUpdate); err != nil {
		return false, err
	}
	oid, err := r.singleOID()
	if err != nil {
		return false, err
	}
	err = r.perform(func() error {
		return r.d.Store.ClearField(r.tx, r.scheme(), oid, r.field, nil)
	})
	if err != nil {
		return false, err
	}
	r.broadcast("update", oid)
	return true, nil
}

// fieldObjectResource implements a one-to-one relation through a
// terminal Object field: create-then-reference on POST, transactional
// remove-and-recreate on PUT.
type fieldObjectResource struct {
	base
}

func (r *fieldObjectResource) PrepareCreate() bool { return true }
func (r *fieldObjectResource) PrepareUpdate() bool { return true }

func (r *fieldObjectResource) objectField() *scheme.Field { return r.list.Tail().Ref }

func (r *fieldObjectResource) parentScheme() *scheme.Scheme {
	items := r.list.Items()
	return items[len(items)-2].Scheme
}

func (r *fieldObjectResource) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	out, _, err := r.d.Store.PerformQueryList(r.tx, r.list, false, false)
	if err != nil {
		return nil, nil, err
	}
	elems := out.List()
	if len(elems) == 0 {
		r.hint(http.StatusNotFound)
		return nil, nil, storage.ErrNotFound
	}
	hydrated, err := r.hydrate(elems[0])
	if err != nil {
		return nil, nil, err
	}
	return hydrated, nil, nil
}

func (r *fieldObjectResource) Create(v *value.Value, files []*Upload) (*value.Value, error) {
	if err := r.requireScheme(scheme.ActionCreate); err != nil {
		return nil, err
	}
	parent, err := r.parentOID()
	if err != nil {
		return nil, err
	}
	kept := MapUploadedFiles(r.scheme(), v, files)

	var created *value.Value
	err = r.perform(func() error {
		if err := r.resolveUploads(v, kept); err != nil {
			return err
		}
		row, err := r.d.Store.Create(r.tx, r.scheme(), v)
		if err != nil {
			r.hint(http.StatusBadRequest)
			return err
		}
		created = row
		_, err = r.d.Store.Field(r.tx, storage.FieldSet, r.parentScheme(), parent, r.objectField(), value.Int(row.OID()))
		return err
	})
	if err != nil {
		return nil, err
	}
	r.broadcast("create", created.OID())
	return r.hydrate(created)
}

// Update replaces the child: the old row is removed and a fresh one
// created and referenced, all inside one transaction scope.
func (r *fieldObjectResource) Update(v *value.Value, files []*Upload) (*value.Value, error) {
	if err := r.requireScheme(scheme.ActionUpdate); err != nil {
		return nil, err
	}
	parent, err := r.parentOID()
	if err != nil {
		return nil, err
	}
	kept := MapUploadedFiles(r.scheme(), v, files)

	var created *value.Value
	err = r.perform(func() error {
		old, err := r.d.Store.Field(r.tx, storage.FieldGet, r.parentScheme(), parent, r.objectField(), nil)
		if err != nil {
			return err
		}
		if !old.IsNull() {
			if _, err := r.d.Store.Remove(r.tx, r.scheme(), old.Int()); err != nil {
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
		_, err = r.d.Store.Field(r.tx, storage.FieldSet, r.parentScheme(), parent, r.objectField(), value.Int(row.OID()))
		return err
	})
	if err != nil {
		return nil, err
	}
	r.broadcast("update", parent)
	return r.hydrate(created)
}

func (r *fieldObjectResource) Remove() (bool, error) {
	if err := r.requireScheme(scheme.ActionRemove); err != nil {
		return false, err
	}
	parent, err := r.parentOID()
	if err != nil {
		return false, err
	}
	var removed bool
	err = r.perform(func() error {
		old, err := r.d.Store.Field(r.tx, storage.FieldGet, r.parentScheme(), parent, r.objectField(), nil)
		if err != nil {
			return err
		}
		if old.IsNull() {
			return nil
		}
		if _, err := r.d.Store.Field(r.tx, storage.FieldSet, r.parentScheme(), parent, r.objectField(), value.Null()); err != nil {
			return err
		}
		removed, err = r.d.Store.Remove(r.tx, r.scheme(), old.Int())
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.broadcast("remove", parent)
	}
	return removed, nil
}
