package storage

import (
	"encoding/base64"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// buildItem renders one query item as a SELECT over the given columns.
// bind carries the constraint derived from the previous item; page
// enables the configured default limit for otherwise unbounded
// selections.
func (s *Store) buildItem(q *query.Query, cols []string, bind sq.Sqlizer, page bool) (sq.SelectBuilder, error) {
	sch := q.Scheme
	b := sq.Select(cols...).From(tableName(sch))
	if !q.IncludeDeleted {
		b = excludeTombstones(b, sch)
	}
	if bind != nil {
		b = b.Where(bind)
	}

	if q.OID != 0 {
		b = b.Where(sq.Eq{"oid": q.OID})
	}
	if q.Alias != "" {
		af := sch.AliasField()
		if af == nil {
			return b, fmt.Errorf("scheme %s has no alias field", sch.Name)
		}
		b = b.Where(sq.Eq{columnName(af): q.Alias})
	}
	for _, p := range q.Predicates {
		expr, err := predicateExpr(p)
		if err != nil {
			return b, err
		}
		b = b.Where(expr)
	}

	if q.Anchor != query.AnchorNone {
		col := "oid"
		if q.AnchorField != nil {
			col = columnName(q.AnchorField)
		}
		dir := " ASC"
		if q.Anchor == query.AnchorLast {
			dir = " DESC"
		}
		b = b.OrderBy(col + dir)
		n := q.AnchorCount
		if n <= 0 {
			n = 1
		}
		b = b.Limit(uint64(n))
	} else {
		for _, o := range q.Orderings {
			dir := " ASC"
			if o.Desc {
				dir = " DESC"
			}
			b = b.OrderBy(columnName(o.Field) + dir)
		}
		switch {
		case q.Limit == query.LimitNone:
		case q.Limit == query.LimitDefault:
			if page {
				b = b.Limit(uint64(s.cfg.Resolver.DefaultPage))
			}
		default:
			b = b.Limit(uint64(q.Limit))
		}
	}
	if q.Offset > 0 {
		b = b.Offset(uint64(q.Offset))
	}
	return b, nil
}

// bindingFor derives the constraint on item q from the oids its parent
// item resolved to. For view bindings the member order is returned so
// an unordered final selection can keep view order.
func (s *Store) bindingFor(tx *Tx, prev *scheme.Scheme, q *query.Query, parents []int64) (sq.Sqlizer, []int64, error) {
	if q.Ref == nil {
		return nil, nil, nil
	}
	switch q.Ref.Type {
	case scheme.Object, scheme.File, scheme.Image:
		b := sq.Select(columnName(q.Ref)).From(tableName(prev)).
			Where(sq.Eq{"oid": parents}).
			Where(sq.NotEq{columnName(q.Ref): nil})
		sqlStr, args, err := b.ToSql()
		if err != nil {
			return nil, nil, fmt.Errorf("build binding %s.%s: %w", prev.Name, q.Ref.Name, err)
		}
		oids, err := s.scanOids(tx, sqlStr, args)
		if err != nil {
			return nil, nil, err
		}
		return sq.Eq{"oid": oids}, nil, nil

	case scheme.Set:
		owner := q.Scheme.Field(q.Ref.OwnerField)
		return sq.Eq{columnName(owner): parents}, nil, nil

	case scheme.View:
		b := sq.Select("member_oid").From(viewsTable).
			Where(sq.Eq{"scheme": prev.Name, "field": q.Ref.Name, "parent_oid": parents}).
			OrderBy("parent_oid ASC", "pos ASC")
		sqlStr, args, err := b.ToSql()
		if err != nil {
			return nil, nil, fmt.Errorf("build view binding %s.%s: %w", prev.Name, q.Ref.Name, err)
		}
		members, err := s.scanOids(tx, sqlStr, args)
		if err != nil {
			return nil, nil, err
		}
		return sq.Eq{"oid": members}, members, nil
	}
	return nil, nil, fmt.Errorf("field %s (%s) cannot bind query items", q.Ref.Name, q.Ref.Type)
}

func (s *Store) scanOids(tx *Tx, sqlStr string, args []any) ([]int64, error) {
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("scan oids: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var oid int64
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		out = append(out, oid)
	}
	return out, rows.Err()
}

// itemOids resolves one intermediate item to the oids it selects.
func (s *Store) itemOids(tx *Tx, q *query.Query, bind sq.Sqlizer) ([]int64, error) {
	b, err := s.buildItem(q, []string{"oid"}, bind, false)
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item on %s: %w", q.Scheme.Name, err)
	}
	return s.scanOids(tx, sqlStr, args)
}

// walk resolves every item but the last to parent oids and returns the
// binding for the final item.
func (s *Store) walk(tx *Tx, l *query.List) (sq.Sqlizer, []int64, error) {
	items := l.Items()
	var bind sq.Sqlizer
	var memberOrder []int64
	var parents []int64
	var err error
	for i, q := range items {
		if i > 0 {
			bind, memberOrder, err = s.bindingFor(tx, items[i-1].Scheme, q, parents)
			if err != nil {
				return nil, nil, err
			}
		}
		if i == len(items)-1 {
			break
		}
		parents, err = s.itemOids(tx, q, bind)
		if err != nil {
			return nil, nil, err
		}
	}
	return bind, memberOrder, nil
}

// PerformQueryList executes the whole list and returns the final rows.
// A cursor is returned for anchored selections and when count is set.
// forUpdate requires an active transaction; SQLite's single writer
// serializes the rest.
func (s *Store) PerformQueryList(tx *Tx, l *query.List, count, forUpdate bool) (*value.Value, *Cursor, error) {
	if forUpdate {
		if err := requireTx(tx, "select for update"); err != nil {
			return nil, nil, err
		}
	}
	bind, memberOrder, err := s.walk(tx, l)
	if err != nil {
		return nil, nil, err
	}
	q := l.Tail()
	if q.Anchor != query.AnchorNone {
		return s.anchoredSelect(tx, l, q, bind, count)
	}

	b, err := s.buildItem(q, selectColumns(q.Scheme), bind, true)
	if err != nil {
		return nil, nil, err
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("build query list on %s: %w", q.Scheme.Name, err)
	}
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query list on %s: %w", q.Scheme.Name, err)
	}
	out, err := collectRows(q.Scheme, rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}
	if len(memberOrder) > 0 && len(q.Orderings) == 0 {
		out = reorderByOids(out, memberOrder)
	}

	var cursor *Cursor
	if count {
		total, err := s.totalFor(tx, q, bind)
		if err != nil {
			return nil, nil, err
		}
		cursor = &Cursor{Total: total, Count: len(out.List())}
	}
	return out, cursor, nil
}

// PerformQueryListForIds resolves the list to the oids of the final
// selection, without the default page limit. Explicit limits and
// anchors still apply.
func (s *Store) PerformQueryListForIds(tx *Tx, l *query.List) ([]int64, error) {
	bind, memberOrder, err := s.walk(tx, l)
	if err != nil {
		return nil, err
	}
	q := l.Tail()
	oids, err := s.itemOids(tx, q, bind)
	if err != nil {
		return nil, err
	}
	if len(memberOrder) > 0 && len(q.Orderings) == 0 && q.Anchor == query.AnchorNone {
		oids = reorderOids(oids, memberOrder)
	}
	return oids, nil
}

// anchoredSelect runs a first/last window with continue-token support.
// Windows are always presented in ascending anchor order.
func (s *Store) anchoredSelect(tx *Tx, l *query.List, q *query.Query, bind sq.Sqlizer, count bool) (*value.Value, *Cursor, error) {
	sch := q.Scheme
	anchorCol := "oid"
	anchorName := value.KeyOID
	if q.AnchorField != nil {
		anchorCol = columnName(q.AnchorField)
		anchorName = q.AnchorField.Name
	}
	n := q.AnchorCount
	if n <= 0 {
		n = 1
	}

	asc := q.Anchor == query.AnchorFirst
	var boundaryExpr sq.Sqlizer
	if l.ContinueToken != "" {
		field, dir, boundary, err := decodePageToken(l.ContinueToken)
		if err != nil {
			return nil, nil, err
		}
		if field != anchorName {
			return nil, nil, fmt.Errorf("continue token targets field %q, selection anchors on %q", field, anchorName)
		}
		arg, err := anchorArg(q.AnchorField, boundary)
		if err != nil {
			return nil, nil, err
		}
		switch dir {
		case "next":
			boundaryExpr = sq.Gt{anchorCol: arg}
			asc = true
		case "prev":
			boundaryExpr = sq.Lt{anchorCol: arg}
			asc = false
		default:
			return nil, nil, fmt.Errorf("bad continue token direction %q", dir)
		}
	}

	b := sq.Select(selectColumns(sch)...).From(tableName(sch))
	if !q.IncludeDeleted {
		b = excludeTombstones(b, sch)
	}
	if bind != nil {
		b = b.Where(bind)
	}
	if q.OID != 0 {
		b = b.Where(sq.Eq{"oid": q.OID})
	}
	if q.Alias != "" {
		if af := sch.AliasField(); af != nil {
			b = b.Where(sq.Eq{columnName(af): q.Alias})
		}
	}
	for _, p := range q.Predicates {
		expr, err := predicateExpr(p)
		if err != nil {
			return nil, nil, err
		}
		b = b.Where(expr)
	}
	if boundaryExpr != nil {
		b = b.Where(boundaryExpr)
	}
	dir := " ASC"
	if !asc {
		dir = " DESC"
	}
	b = b.OrderBy(anchorCol + dir).Limit(uint64(n))

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("build anchored select on %s: %w", sch.Name, err)
	}
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("anchored select on %s: %w", sch.Name, err)
	}
	out, err := collectRows(sch, rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}
	if !asc {
		elems := out.List()
		for i, j := 0, len(elems)-1; i < j; i, j = i+1, j-1 {
			elems[i], elems[j] = elems[j], elems[i]
		}
	}

	cursor := &Cursor{Field: anchorName, Count: len(out.List())}
	total, err := s.totalFor(tx, q, bind)
	if err != nil {
		return nil, nil, err
	}
	cursor.Total = total
	if elems := out.List(); len(elems) > 0 {
		cursor.Start = elems[0].Get(anchorName)
		cursor.End = elems[len(elems)-1].Get(anchorName)
		if anchorName == value.KeyOID {
			cursor.Start = value.Int(elems[0].OID())
			cursor.End = value.Int(elems[len(elems)-1].OID())
		}
		cursor.Next = encodePageToken(anchorName, "next", cursor.End)
		cursor.Prev = encodePageToken(anchorName, "prev", cursor.Start)
	}
	return out, cursor, nil
}

// totalFor counts the rows the final item matches, ignoring the window.
func (s *Store) totalFor(tx *Tx, q *query.Query, bind sq.Sqlizer) (int64, error) {
	sch := q.Scheme
	b := sq.Select("COUNT(*)").From(tableName(sch))
	if !q.IncludeDeleted {
		b = excludeTombstones(b, sch)
	}
	if bind != nil {
		b = b.Where(bind)
	}
	if q.OID != 0 {
		b = b.Where(sq.Eq{"oid": q.OID})
	}
	if q.Alias != "" {
		if af := sch.AliasField(); af != nil {
			b = b.Where(sq.Eq{columnName(af): q.Alias})
		}
	}
	for _, p := range q.Predicates {
		expr, err := predicateExpr(p)
		if err != nil {
			return 0, err
		}
		b = b.Where(expr)
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build total on %s: %w", sch.Name, err)
	}
	var total int64
	if err := s.runner(tx).QueryRow(sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total on %s: %w", sch.Name, err)
	}
	return total, nil
}

// anchorArg converts a token boundary into the SQL argument for the
// anchor column.
func anchorArg(f *scheme.Field, boundary *value.Value) (any, error) {
	if f == nil {
		return boundary.Int(), nil
	}
	return encodeFieldValue(f, boundary)
}

// Continue tokens are URL-safe base64 over a small JSON object naming
// the anchor field, the direction and the boundary value.
func encodePageToken(field, dir string, boundary *value.Value) string {
	d := value.NewDict()
	d.Set("field", value.String(field))
	d.Set("dir", value.String(dir))
	d.Set("value", boundary)
	raw, err := d.MarshalJSON()
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodePageToken(token string) (field, dir string, boundary *value.Value, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", nil, fmt.Errorf("bad continue token: %w", err)
	}
	v, err := value.ParseJSON(raw)
	if err != nil {
		return "", "", nil, fmt.Errorf("bad continue token: %w", err)
	}
	field = v.Get("field").String()
	dir = v.Get("dir").String()
	boundary = v.Get("value")
	if field == "" || boundary.IsNull() {
		return "", "", nil, fmt.Errorf("bad continue token: missing field or value")
	}
	return field, dir, boundary, nil
}

// reorderByOids reorders rows to follow the oid order of members.
func reorderByOids(rows *value.Value, members []int64) *value.Value {
	byOid := map[int64]*value.Value{}
	for _, r := range rows.List() {
		byOid[r.OID()] = r
	}
	out := value.List()
	for _, m := range members {
		if r, ok := byOid[m]; ok {
			out.Append(r)
		}
	}
	return out
}

func reorderOids(oids, members []int64) []int64 {
	present := make(map[int64]bool, len(oids))
	for _, o := range oids {
		present[o] = true
	}
	out := make([]int64, 0, len(oids))
	for _, m := range members {
		if present[m] {
			out = append(out, m)
		}
	}
	return out
}
