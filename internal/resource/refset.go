package resource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// refSetResource operates on a terminal Set field of a single parent
// object: assign (PUT), union (PATCH) and cleanup (DELETE) of the
// reference collection.
type refSetResource struct {
	base
}

func (r *refSetResource) PrepareCreate() bool { return true }
func (r *refSetResource) PrepareUpdate() bool { return true }
func (r *refSetResource) PrepareAppend() bool { return true }

func (r *refSetResource) setField() *scheme.Field { return r.list.Tail().Ref }

// parentScheme is the scheme owning the set field.
func (r *refSetResource) parentScheme() *scheme.Scheme {
	items := r.list.Items()
	return items[len(items)-2].Scheme
}

// refPerm is min(Reference on the child scheme, Update on the parent),
// taken over the Restrict < Partial < Full lattice.
func (r *refSetResource) refPerm() scheme.Permission {
	ref := r.d.Access.SchemePermission(r.user, r.scheme(), scheme.ActionReference, r.cross)
	upd := r.d.Access.SchemePermission(r.user, r.parentScheme(), scheme.ActionUpdate, r.cross)
	return scheme.Min(ref, upd)
}

func (r *refSetResource) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	parent, err := r.parentOID()
	if err != nil {
		return nil, nil, err
	}
	members, err := r.d.Store.Field(r.tx, storage.FieldGet, r.parentScheme(), parent, r.setField(), nil)
	if err != nil {
		return nil, nil, err
	}
	hydrated, err := r.hydrate(members)
	if err != nil {
		return nil, nil, err
	}
	return hydrated, nil, nil
}

// Update assigns the reference collection: cleanup plus assign.
func (r *refSetResource) Update(v *value.Value, _ []*Upload) (*value.Value, error) {
	return r.write(storage.FieldSet, v)
}

// Create unions like Append; a POST on the collection never drops
// existing references.
func (r *refSetResource) Create(v *value.Value, _ []*Upload) (*value.Value, error) {
	return r.write(storage.FieldAppend, v)
}

// Append unions the payload's references with the existing collection.
func (r *refSetResource) Append(v *value.Value) (*value.Value, error) {
	return r.write(storage.FieldAppend, v)
}

func (r *refSetResource) write(action storage.FieldAction, v *value.Value) (*value.Value, error) {
	perm := r.refPerm()
	if perm == scheme.Restrict {
		r.hint(http.StatusForbidden)
		return nil, fmt.Errorf("reference %s denied", r.scheme().Name)
	}
	parent, err := r.parentOID()
	if err != nil {
		return nil, err
	}

	var members *value.Value
	err = r.perform(func() error {
		oids, err := r.resolveElements(v, perm)
		if err != nil {
			return err
		}
		list := value.List()
		for _, oid := range oids {
			list.Append(value.Int(oid))
		}
		members, err = r.d.Store.Field(r.tx, action, r.parentScheme(), parent, r.setField(), list)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.broadcast("update", parent)
	return r.hydrate(members)
}

// Remove clears the collection.
func (r *refSetResource) Remove() (bool, error) {
	if r.refPerm() == scheme.Restrict {
		r.hint(http.StatusForbidden)
		return false, fmt.Errorf("reference %s denied", r.scheme().Name)
	}
	parent, err := r.parentOID()
	if err != nil {
		return false, err
	}
	err = r.perform(func() error {
		return r.d.Store.ClearField(r.tx, r.parentScheme(), parent, r.setField(), nil)
	})
	if err != nil {
		return false, err
	}
	r.broadcast("update", parent)
	return true, nil
}

// resolveElements turns the payload into child oids. Accepted shapes:
// a bare id, a list of ids and/or payload dictionaries, a single
// payload dictionary, or any of those nested under the field name.
// Dictionaries resolve create-or-fetch: with an __oid they must name
// an existing row, without one a new child is created.
func (r *refSetResource) resolveElements(v *value.Value, perm scheme.Permission) ([]int64, error) {
	if nested := v.Get(r.setField().Name); !nested.IsNull() {
		v = nested
	}
	var elems []*value.Value
	switch v.Kind() {
	case value.KindList:
		elems = v.List()
	case value.KindInt, value.KindDict:
		elems = []*value.Value{v}
	default:
		r.hint(http.StatusBadRequest)
		return nil, fmt.Errorf("reference payload must be ids or objects, got %s", v.Kind())
	}

	oids := make([]int64, 0, len(elems))
	for _, e := range elems {
		oid, err := r.resolveElement(e, perm)
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

func (r *refSetResource) resolveElement(e *value.Value, perm scheme.Permission) (int64, error) {
	switch e.Kind() {
	case value.KindInt:
		row, err := r.d.Store.Get(r.tx, r.scheme(), e.Int())
		if errors.Is(err, storage.ErrNotFound) {
			r.hint(http.StatusConflict)
			return 0, fmt.Errorf("reference target %d does not exist", e.Int())
		}
		if err != nil {
			return 0, err
		}
		if perm == scheme.Partial &&
			r.d.Access.ObjectPermission(r.user, r.scheme(), scheme.ActionReference, row, nil) == scheme.Restrict {
			r.hint(http.StatusForbidden)
			return 0, fmt.Errorf("reference to %s/%d denied", r.scheme().Name, e.Int())
		}
		return e.Int(), nil

	case value.KindDict:
		if oid := e.OID(); oid != 0 {
			return r.resolveElement(value.Int(oid), perm)
		}
		row, err := r.d.Store.Create(r.tx, r.scheme(), e)
		if err != nil {
			r.hint(http.StatusBadRequest)
			return 0, err
		}
		return row.OID(), nil
	}
	r.hint(http.StatusBadRequest)
	return 0, fmt.Errorf("reference element must be an id or object, got %s", e.Kind())
}
