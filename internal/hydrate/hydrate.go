// Package hydrate turns raw storage rows into the response graph: it
// prunes fields against the include tree, materializes relation
// placeholders through the storage adapter, bounds recursion by depth,
// and collapses already-emitted objects to bare oids.
package hydrate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/trellis-works/trellis/internal/resolve"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// Hydrator walks selection results. One Hydrator serves the whole
// process; per-request state lives in the run.
type Hydrator struct {
	store storage.Adapter
	reg   *scheme.Registry
}

func New(store storage.Adapter, reg *scheme.Registry) *Hydrator {
	return &Hydrator{store: store, reg: reg}
}

// Hydrate resolves v (an object dictionary or a list of them) against
// the include tree fr. The seen set spans the whole call, so an object
// expanded anywhere in the result collapses to its oid everywhere else.
func (h *Hydrator) Hydrate(tx *storage.Tx, v *value.Value, fr *resolve.FieldResolver) (*value.Value, error) {
	r := &run{h: h, tx: tx, seen: map[string]bool{}}
	switch v.Kind() {
	case value.KindList:
		out := value.List()
		for _, e := range v.List() {
			he, err := r.object(e, fr)
			if err != nil {
				return nil, err
			}
			out.Append(he)
		}
		return out, nil
	case value.KindDict:
		return r.object(v, fr)
	}
	return v, nil
}

type run struct {
	h    *Hydrator
	tx   *storage.Tx
	seen map[string]bool
}

func seenKey(sch *scheme.Scheme, oid int64) string {
	return sch.Name + "/" + strconv.FormatInt(oid, 10)
}

// object hydrates one row. Rows already emitted in expanded form
// collapse to their bare oid.
func (r *run) object(row *value.Value, fr *resolve.FieldResolver) (*value.Value, error) {
	sch := fr.Scheme()
	if sch == nil {
		// Free-form node: nothing to prune or materialize.
		return row, nil
	}
	if row.Kind() == value.KindInt {
		return row, nil
	}
	d := row.Dict()
	if d == nil {
		return row, nil
	}

	oid := row.OID()
	if oid != 0 {
		key := seenKey(sch, oid)
		if r.seen[key] {
			return value.Int(oid), nil
		}
		r.seen[key] = true
	}

	out := value.NewDict()
	out.Set(value.KeyOID, value.Int(oid))
	if rank, ok := d.Get(value.KeyTSRank); ok {
		out.Set(value.KeyTSRank, rank)
	}
	if heads, ok := d.Get(value.KeyHeadlines); ok {
		out.Set(value.KeyHeadlines, heads)
	}
	r.emitMeta(out, row, sch, oid, fr)

	var err error
	sch.Fields(func(f *scheme.Field) bool {
		err = r.field(out, row, f, fr)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// emitMeta carries __delta and __views through per the meta flags.
func (r *run) emitMeta(out, row *value.Value, sch *scheme.Scheme, oid int64, fr *resolve.FieldResolver) {
	meta := fr.Meta()
	if meta.Has(resolve.MetaAction) || meta.Has(resolve.MetaTime) {
		if delta := row.Get(value.KeyDelta); !delta.IsNull() {
			pruned := value.NewDict()
			if meta.Has(resolve.MetaAction) {
				if a := delta.Get("action"); !a.IsNull() {
					pruned.Set("action", a)
				}
			}
			if meta.Has(resolve.MetaTime) {
				if ts := delta.Get("time"); !ts.IsNull() {
					pruned.Set("time", ts)
				}
			}
			if pruned.Dict().Len() > 0 {
				out.Set(value.KeyDelta, pruned)
			}
		}
	} else if row.Get(value.KeyDelta).Get("action").String() == "delete" {
		// Tombstones survive even when no delta meta is requested.
		out.Set(value.KeyDelta, value.String("delete"))
	}
	if meta.Has(resolve.MetaView) && sch.HasViews() && oid != 0 {
		views := value.NewDict()
		for _, vf := range sch.ViewFields() {
			if micros, err := r.h.store.ViewDeltaValue(sch, vf, oid); err == nil && micros > 0 {
				views.Set(vf.Name, value.Int(micros))
			}
		}
		if views.Dict().Len() > 0 {
			out.Set(value.KeyViews, views)
		}
	}
}

// included decides whether f is emitted at this node, and whether a
// relation is expanded or reduced to ids.
func included(f *scheme.Field, fr *resolve.FieldResolver) (emit, expand bool) {
	if f.Is(scheme.FlagProtected) {
		return false, false
	}
	if fr.ResolvesData() {
		if !fr.Included(f.Name) {
			return false, false
		}
		return true, true
	}
	opts := fr.Options()
	switch f.Type {
	case scheme.Object:
		if opts.Has(resolve.OptObjects) {
			return true, true
		}
		return opts.Has(resolve.OptIds), false
	case scheme.Set, scheme.View:
		if opts.Has(resolve.OptSets) {
			return true, true
		}
		return opts.Has(resolve.OptIds), false
	case scheme.File, scheme.Image:
		if opts.Has(resolve.OptFiles) {
			return true, true
		}
		return opts.Has(resolve.OptIds), false
	}
	return true, true
}

func (r *run) field(out, row *value.Value, f *scheme.Field, fr *resolve.FieldResolver) error {
	emit, expand := included(f, fr)
	if !emit {
		return nil
	}
	sch := fr.Scheme()
	oid := row.OID()
	atMax := fr.Depth() >= fr.MaxDepth()

	switch f.Type {
	case scheme.Object, scheme.File, scheme.Image:
		raw := row.Get(f.Name)
		if raw.IsNull() {
			return nil
		}
		childOID := raw.Int()
		if !expand || atMax {
			out.Set(f.Name, value.Int(childOID))
			return nil
		}
		foreign := r.h.reg.Get(f.Foreign)
		if r.seen[seenKey(foreign, childOID)] {
			out.Set(f.Name, value.Int(childOID))
			return nil
		}
		child, err := r.h.store.Get(r.tx, foreign, childOID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil // dangling references drop out
		}
		if err != nil {
			return fmt.Errorf("hydrate %s.%s: %w", sch.Name, f.Name, err)
		}
		hc, err := r.object(child, fr.Next(f.Name))
		if err != nil {
			return err
		}
		out.Set(f.Name, hc)
		return nil

	case scheme.Set, scheme.View:
		if atMax && expand {
			expand = false
		}
		members, err := r.h.store.Field(r.tx, storage.FieldGet, sch, oid, f, nil)
		if err != nil {
			return fmt.Errorf("hydrate %s.%s: %w", sch.Name, f.Name, err)
		}
		list := value.List()
		child := fr.Next(f.Name)
		for _, m := range members.List() {
			if !expand {
				list.Append(value.Int(m.OID()))
				continue
			}
			hm, err := r.object(m, child)
			if err != nil {
				return err
			}
			list.Append(hm)
		}
		out.Set(f.Name, list)
		return nil

	case scheme.Array:
		elems, err := r.h.store.Field(r.tx, storage.FieldGet, sch, oid, f, nil)
		if err != nil {
			return fmt.Errorf("hydrate %s.%s: %w", sch.Name, f.Name, err)
		}
		out.Set(f.Name, elems)
		return nil

	case scheme.FullTextView:
		// Index-only field, never emitted.
		return nil
	}

	raw := row.Get(f.Name)
	if raw.IsNull() {
		return nil
	}
	if f.Transform == scheme.TransformUuid && raw.Kind() == value.KindBytes {
		if b := raw.Bytes(); len(b) == 16 {
			id, err := uuid.FromBytes(b)
			if err == nil {
				out.Set(f.Name, value.String(id.String()))
				return nil
			}
		}
	}
	out.Set(f.Name, raw)
	return nil
}
