package resource

import (
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// viewResource is the read-only materialized set behind a View field.
// Membership changes go through the owning object, never through the
// view path.
type viewResource struct {
	base
}

func (r *viewResource) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	out, cursor, err := r.d.Store.PerformQueryList(r.tx, r.list, true, false)
	if err != nil {
		return nil, nil, err
	}
	hydrated, err := r.hydrate(out)
	if err != nil {
		return nil, nil, err
	}
	return hydrated, cursor, nil
}

// searchResource runs the full-text sub-query against the index behind
// the resolved FullTextView field.
type searchResource struct {
	base
}

func (r *searchResource) Get() (*value.Value, *storage.Cursor, error) {
	if err := r.requireScheme(scheme.ActionRead); err != nil {
		return nil, nil, err
	}
	limit := r.list.Tail().Limit
	out, err := r.d.Store.SearchFullText(r.tx, r.list, r.field, limit)
	if err != nil {
		return nil, nil, err
	}
	hydrated, err := r.hydrate(out)
	if err != nil {
		return nil, nil, err
	}
	return hydrated, nil, nil
}
