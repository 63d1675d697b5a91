package storage

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// syncFullText refreshes the FTS rows for one object after a write.
// Each FullTextView field keeps one row per object, rebuilt from the
// current values of its source fields.
func (s *Store) syncFullText(tx *Tx, sch *scheme.Scheme, oid int64, row *value.Value) error {
	var err error
	sch.Fields(func(f *scheme.Field) bool {
		if f.Type != scheme.FullTextView {
			return true
		}
		table := ftsTable(sch, f)
		if _, err = s.runner(tx).Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE oid = ?", table), oid); err != nil {
			err = fmt.Errorf("clear fts row %s/%d: %w", table, oid, err)
			return false
		}
		cols := append([]string{"oid"}, f.SearchFields...)
		args := make([]any, 0, len(cols))
		args = append(args, oid)
		for _, sf := range f.SearchFields {
			args = append(args, row.Get(sf).String())
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		if _, err = s.runner(tx).Exec(fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), marks), args...); err != nil {
			err = fmt.Errorf("write fts row %s/%d: %w", table, oid, err)
			return false
		}
		return true
	})
	return err
}

// dropFullText removes the object's FTS rows on delete.
func (s *Store) dropFullText(tx *Tx, sch *scheme.Scheme, oid int64) error {
	var err error
	sch.Fields(func(f *scheme.Field) bool {
		if f.Type != scheme.FullTextView {
			return true
		}
		if _, err = s.runner(tx).Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE oid = ?", ftsTable(sch, f)), oid); err != nil {
			err = fmt.Errorf("drop fts row of %s/%d: %w", sch.Name, oid, err)
			return false
		}
		return true
	})
	return err
}

// SearchFullText runs the list's full-text sub-query against the index
// behind f and returns matching rows in rank order. Rows carry
// __ts_rank and a __headlines dictionary with one snippet per source
// field.
//
// The match runs against the FTS table alone first; the hits are then
// narrowed by the list's bindings and predicates so that search
// composes with path selection.
func (s *Store) SearchFullText(tx *Tx, l *query.List, f *scheme.Field, limit int) (*value.Value, error) {
	sch := l.EffectiveScheme()
	if limit <= 0 {
		limit = s.cfg.Resolver.DefaultPage
	}

	table := ftsTable(sch, f)
	// "rank" is a reserved hidden column in FTS5 queries, hence "score".
	cols := []string{"oid", fmt.Sprintf("-bm25(%s) AS score", table)}
	for i := range f.SearchFields {
		// Column 0 is the unindexed oid; source fields follow.
		cols = append(cols, fmt.Sprintf("snippet(%s, %d, '%s', '%s', '%s', %d)",
			table, i+1,
			s.cfg.Search.HeadlineStart, s.cfg.Search.HeadlineStop,
			s.cfg.Search.FragmentDelim, s.cfg.Search.FragmentMaxWords))
	}
	matchSQL := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s MATCH ? ORDER BY score DESC LIMIT ?",
		strings.Join(cols, ", "), table, table)

	rows, err := s.runner(tx).Query(matchSQL, l.FullText, limit)
	if err != nil {
		return nil, fmt.Errorf("fulltext match on %s.%s: %w", sch.Name, f.Name, err)
	}

	type hit struct {
		rank      float64
		headlines []string
	}
	var order []int64
	hits := map[int64]*hit{}
	for rows.Next() {
		h := &hit{headlines: make([]string, len(f.SearchFields))}
		var oid int64
		dest := []any{&oid, &h.rank}
		for i := range h.headlines {
			dest = append(dest, &h.headlines[i])
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, err
		}
		order = append(order, oid)
		hits[oid] = h
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return value.List(), nil
	}

	bind, _, err := s.walk(tx, l)
	if err != nil {
		return nil, err
	}
	q := l.Tail()
	b := sq.Select(selectColumns(sch)...).From(tableName(sch)).Where(sq.Eq{"oid": order})
	b = excludeTombstones(b, sch)
	if bind != nil {
		b = b.Where(bind)
	}
	for _, p := range q.Predicates {
		expr, err := predicateExpr(p)
		if err != nil {
			return nil, err
		}
		b = b.Where(expr)
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fulltext select on %s: %w", sch.Name, err)
	}
	matched, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fulltext select on %s: %w", sch.Name, err)
	}
	all, err := collectRows(sch, matched)
	matched.Close()
	if err != nil {
		return nil, err
	}

	byOid := map[int64]*value.Value{}
	for _, r := range all.List() {
		byOid[r.OID()] = r
	}
	out := value.List()
	for _, oid := range order {
		r, ok := byOid[oid]
		if !ok {
			continue
		}
		h := hits[oid]
		r.Set(value.KeyTSRank, value.Float(h.rank))
		heads := value.NewDict()
		for i, sf := range f.SearchFields {
			if h.headlines[i] != "" {
				heads.Set(sf, value.String(h.headlines[i]))
			}
		}
		if heads.Dict().Len() > 0 {
			r.Set(value.KeyHeadlines, heads)
		}
		out.Append(r)
	}
	return out, nil
}
