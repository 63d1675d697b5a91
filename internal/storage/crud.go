package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// excludeTombstones filters soft-deleted rows from a selection.
func excludeTombstones(b sq.SelectBuilder, sch *scheme.Scheme) sq.SelectBuilder {
	if !sch.DeltaTracked {
		return b
	}
	return b.Where(sq.Or{
		sq.Eq{colDeltaAction: nil},
		sq.NotEq{colDeltaAction: deltaDelete},
	})
}

const (
	deltaCreate = "create"
	deltaUpdate = "update"
	deltaDelete = "delete"
)

// predicateExpr renders one predicate term as a squirrel condition.
func predicateExpr(p query.Predicate) (sq.Sqlizer, error) {
	col := columnName(p.Field)
	v1, err := encodeFieldValue(p.Field, p.V1)
	if err != nil {
		return nil, err
	}
	var v2 any
	if p.Cmp.IsBetween() {
		if v2, err = encodeFieldValue(p.Field, p.V2); err != nil {
			return nil, err
		}
	}
	switch p.Cmp {
	case query.CmpEq:
		return sq.Eq{col: v1}, nil
	case query.CmpNeq:
		return sq.NotEq{col: v1}, nil
	case query.CmpLt:
		return sq.Lt{col: v1}, nil
	case query.CmpLe:
		return sq.LtOrEq{col: v1}, nil
	case query.CmpGt:
		return sq.Gt{col: v1}, nil
	case query.CmpGe:
		return sq.GtOrEq{col: v1}, nil
	case query.CmpBw:
		return sq.And{sq.Gt{col: v1}, sq.Lt{col: v2}}, nil
	case query.CmpBe:
		return sq.And{sq.GtOrEq{col: v1}, sq.LtOrEq{col: v2}}, nil
	case query.CmpNbw:
		return sq.Or{sq.LtOrEq{col: v1}, sq.GtOrEq{col: v2}}, nil
	case query.CmpNbe:
		return sq.Or{sq.Lt{col: v1}, sq.Gt{col: v2}}, nil
	}
	return nil, fmt.Errorf("unsupported comparator %s", p.Cmp)
}

// Get fetches one row by oid. Tombstoned rows count as absent.
func (s *Store) Get(tx *Tx, sch *scheme.Scheme, oid int64) (*value.Value, error) {
	b := sq.Select(selectColumns(sch)...).From(tableName(sch)).Where(sq.Eq{"oid": oid})
	b = excludeTombstones(b, sch)
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get %s/%d: %w", sch.Name, oid, err)
	}
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get %s/%d: %w", sch.Name, oid, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRow(sch, rows)
}

// Select runs one query item and returns the matching rows as a list.
func (s *Store) Select(tx *Tx, q *query.Query) (*value.Value, error) {
	b, err := s.buildItem(q, selectColumns(q.Scheme), nil, true)
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select on %s: %w", q.Scheme.Name, err)
	}
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select on %s: %w", q.Scheme.Name, err)
	}
	defer rows.Close()

	out, err := collectRows(q.Scheme, rows)
	if err != nil {
		return nil, err
	}
	if q.Anchor == query.AnchorLast {
		// Present anchored windows in ascending field order.
		elems := out.List()
		for i, j := 0, len(elems)-1; i < j; i, j = i+1, j-1 {
			elems[i], elems[j] = elems[j], elems[i]
		}
	}
	return out, nil
}

// Count returns the number of rows the item matches, ignoring
// pagination.
func (s *Store) Count(tx *Tx, q *query.Query) (int64, error) {
	sch := q.Scheme
	b := sq.Select("COUNT(*)").From(tableName(sch))
	if !q.IncludeDeleted {
		b = excludeTombstones(b, sch)
	}
	if q.OID != 0 {
		b = b.Where(sq.Eq{"oid": q.OID})
	}
	if q.Alias != "" {
		af := sch.AliasField()
		if af == nil {
			return 0, fmt.Errorf("scheme %s has no alias field", sch.Name)
		}
		b = b.Where(sq.Eq{columnName(af): q.Alias})
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
		return 0, fmt.Errorf("build count on %s: %w", sch.Name, err)
	}
	var n int64
	if err := s.runner(tx).QueryRow(sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count on %s: %w", sch.Name, err)
	}
	return n, nil
}

// checkPayloadKeys rejects payload keys that name no field. Reserved
// __-prefixed keys pass through and are ignored by the writers.
func checkPayloadKeys(sch *scheme.Scheme, d *value.Dict) error {
	var err error
	d.Range(func(key string, _ *value.Value) bool {
		if strings.HasPrefix(key, "__") {
			return true
		}
		if sch.Field(key) == nil {
			err = fmt.Errorf("unknown field %q on scheme %s", key, sch.Name)
			return false
		}
		return true
	})
	return err
}

func requireTx(tx *Tx, op string) error {
	if tx == nil || !tx.Active() {
		return fmt.Errorf("storage: %s outside transaction", op)
	}
	return nil
}

// Create inserts a row from the payload dictionary. Uuid fields are
// generated when absent, the auto-mtime field is stamped, and the
// scheme's delta stream advances.
func (s *Store) Create(tx *Tx, sch *scheme.Scheme, v *value.Value) (*value.Value, error) {
	if err := requireTx(tx, "create"); err != nil {
		return nil, err
	}
	d := v.Dict()
	if d == nil {
		return nil, fmt.Errorf("create on %s: payload must be a dictionary, got %s", sch.Name, v.Kind())
	}
	if err := checkPayloadKeys(sch, d); err != nil {
		return nil, err
	}

	now := nowMicros()
	var cols []string
	var args []any
	arrays := map[*scheme.Field]*value.Value{}

	var encErr error
	sch.Fields(func(f *scheme.Field) bool {
		ev, present := d.Get(f.Name)
		switch {
		case f.Type == scheme.Array:
			if present {
				arrays[f] = ev
			}
		case f.Type == scheme.Set, f.Type == scheme.View, f.Type == scheme.FullTextView:
			// Membership is written through Field and AddToView.
		default:
			if !present || ev.IsNull() {
				if f.Transform == scheme.TransformUuid {
					id := uuid.New()
					cols = append(cols, columnName(f))
					args = append(args, id[:])
				} else if f.Is(scheme.FlagAutoMTime) {
					cols = append(cols, columnName(f))
					args = append(args, now)
				}
				return true
			}
			a, err := encodeFieldValue(f, ev)
			if err != nil {
				encErr = err
				return false
			}
			cols = append(cols, columnName(f))
			args = append(args, a)
		}
		return true
	})
	if encErr != nil {
		return nil, encErr
	}
	if sch.DeltaTracked {
		cols = append(cols, colDeltaAction, colDeltaTime)
		args = append(args, deltaCreate, now)
	}

	var (
		sqlStr string
		sqArgs []any
		err    error
	)
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", tableName(sch))
	} else {
		sqlStr, sqArgs, err = sq.Insert(tableName(sch)).Columns(cols...).Values(args...).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert on %s: %w", sch.Name, err)
		}
	}
	res, err := s.runner(tx).Exec(sqlStr, sqArgs...)
	if err != nil {
		return nil, fmt.Errorf("insert on %s: %w", sch.Name, err)
	}
	oid, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert on %s: %w", sch.Name, err)
	}

	for f, av := range arrays {
		if err := s.replaceArray(tx, sch, f, oid, av); err != nil {
			return nil, err
		}
	}
	if err := s.touchDelta(tx, sch, now); err != nil {
		return nil, err
	}
	row, err := s.Get(tx, sch, oid)
	if err != nil {
		return nil, err
	}
	if err := s.syncFullText(tx, sch, oid, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Save overwrites the named fields of a row (all payload fields when
// fields is nil). The auto-mtime field is restamped unless the payload
// sets it explicitly.
func (s *Store) Save(tx *Tx, sch *scheme.Scheme, oid int64, v *value.Value, fields []string) (*value.Value, error) {
	if err := requireTx(tx, "save"); err != nil {
		return nil, err
	}
	d := v.Dict()
	if d == nil {
		return nil, fmt.Errorf("save on %s: payload must be a dictionary, got %s", sch.Name, v.Kind())
	}
	if err := checkPayloadKeys(sch, d); err != nil {
		return nil, err
	}
	if fields == nil {
		d.Range(func(key string, _ *value.Value) bool {
			if !strings.HasPrefix(key, "__") {
				fields = append(fields, key)
			}
			return true
		})
	}

	now := nowMicros()
	set := map[string]any{}
	arrays := map[*scheme.Field]*value.Value{}

	for _, name := range fields {
		f := sch.Field(name)
		if f == nil {
			return nil, fmt.Errorf("unknown field %q on scheme %s", name, sch.Name)
		}
		ev, _ := d.Get(name)
		switch f.Type {
		case scheme.Array:
			arrays[f] = ev
		case scheme.Set, scheme.View, scheme.FullTextView:
			return nil, fmt.Errorf("field %s on %s cannot be written directly", name, sch.Name)
		default:
			a, err := encodeFieldValue(f, ev)
			if err != nil {
				return nil, err
			}
			set[columnName(f)] = a
		}
	}
	if mt := sch.MTimeField(); mt != nil {
		if _, explicit := set[columnName(mt)]; !explicit {
			set[columnName(mt)] = now
		}
	}
	if sch.DeltaTracked {
		set[colDeltaAction] = deltaUpdate
		set[colDeltaTime] = now
	}

	if len(set) > 0 {
		b := sq.Update(tableName(sch)).Where(sq.Eq{"oid": oid})
		for col, a := range set {
			b = b.Set(col, a)
		}
		sqlStr, args, err := b.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build update on %s: %w", sch.Name, err)
		}
		res, err := s.runner(tx).Exec(sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("update %s/%d: %w", sch.Name, oid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
	}
	for f, av := range arrays {
		if err := s.replaceArray(tx, sch, f, oid, av); err != nil {
			return nil, err
		}
	}
	if err := s.touchDelta(tx, sch, now); err != nil {
		return nil, err
	}
	row, err := s.Get(tx, sch, oid)
	if err != nil {
		return nil, err
	}
	if err := s.syncFullText(tx, sch, oid, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Patch updates only the fields present in the patch dictionary.
func (s *Store) Patch(tx *Tx, sch *scheme.Scheme, oid int64, patch *value.Value) (*value.Value, error) {
	return s.Save(tx, sch, oid, patch, nil)
}

// Remove deletes a row. Delta-tracked schemes keep a tombstone so the
// deletion is visible through the delta stream; others delete for real,
// clearing array rows, view memberships and dangling references.
// Returns false when no live row matched.
func (s *Store) Remove(tx *Tx, sch *scheme.Scheme, oid int64) (bool, error) {
	if err := requireTx(tx, "remove"); err != nil {
		return false, err
	}
	now := nowMicros()

	if sch.DeltaTracked {
		res, err := s.runner(tx).Exec(fmt.Sprintf(
			"UPDATE %s SET %s = ?, %s = ? WHERE oid = ? AND (%s IS NULL OR %s != ?)",
			tableName(sch), colDeltaAction, colDeltaTime, colDeltaAction, colDeltaAction),
			deltaDelete, now, oid, deltaDelete)
		if err != nil {
			return false, fmt.Errorf("tombstone %s/%d: %w", sch.Name, oid, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return false, nil
		}
	} else {
		res, err := s.runner(tx).Exec(
			fmt.Sprintf("DELETE FROM %s WHERE oid = ?", tableName(sch)), oid)
		if err != nil {
			return false, fmt.Errorf("delete %s/%d: %w", sch.Name, oid, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return false, nil
		}
		sch.Fields(func(f *scheme.Field) bool {
			if f.Type == scheme.Array {
				_, err = s.runner(tx).Exec(
					fmt.Sprintf("DELETE FROM %s WHERE oid = ?", arrayTable(sch, f)), oid)
			}
			return err == nil
		})
		if err != nil {
			return false, fmt.Errorf("delete arrays of %s/%d: %w", sch.Name, oid, err)
		}
		if err := s.clearReferencesTo(tx, sch, oid); err != nil {
			return false, err
		}
	}

	if err := s.removeFromAllViews(tx, sch, oid, now); err != nil {
		return false, err
	}
	if err := s.dropFullText(tx, sch, oid); err != nil {
		return false, err
	}
	if err := s.touchDelta(tx, sch, now); err != nil {
		return false, err
	}
	return true, nil
}

// clearReferencesTo nulls Object columns in other schemes that point at
// the removed row.
func (s *Store) clearReferencesTo(tx *Tx, sch *scheme.Scheme, oid int64) error {
	for _, name := range s.reg.Names() {
		other := s.reg.Get(name)
		var err error
		other.Fields(func(f *scheme.Field) bool {
			if f.Type != scheme.Object && !f.IsContent() {
				return true
			}
			if f.Foreign != sch.Name {
				return true
			}
			_, err = s.runner(tx).Exec(fmt.Sprintf(
				"UPDATE %s SET %s = NULL WHERE %s = ?",
				tableName(other), columnName(f), columnName(f)), oid)
			return err == nil
		})
		if err != nil {
			return fmt.Errorf("clear references to %s/%d: %w", sch.Name, oid, err)
		}
	}
	return nil
}

// removeFromAllViews drops the row from every view that holds it and
// advances the delta stream of each affected view.
func (s *Store) removeFromAllViews(tx *Tx, sch *scheme.Scheme, oid int64, now int64) error {
	for _, name := range s.reg.Names() {
		owner := s.reg.Get(name)
		for _, f := range owner.ViewFields() {
			if f.Foreign != sch.Name {
				continue
			}
			rows, err := s.runner(tx).Query(fmt.Sprintf(
				"SELECT parent_oid FROM %s WHERE scheme = ? AND field = ? AND member_oid = ?",
				viewsTable), owner.Name, f.Name, oid)
			if err != nil {
				return fmt.Errorf("find view parents of %s/%d: %w", sch.Name, oid, err)
			}
			var parents []int64
			for rows.Next() {
				var p int64
				if err := rows.Scan(&p); err != nil {
					rows.Close()
					return err
				}
				parents = append(parents, p)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			if len(parents) == 0 {
				continue
			}
			if _, err := s.runner(tx).Exec(fmt.Sprintf(
				"DELETE FROM %s WHERE scheme = ? AND field = ? AND member_oid = ?",
				viewsTable), owner.Name, f.Name, oid); err != nil {
				return fmt.Errorf("remove %s/%d from views: %w", sch.Name, oid, err)
			}
			for _, p := range parents {
				if err := s.touchViewDelta(tx, owner, f, p, now); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// memberOids extracts child oids from a membership payload: a bare
// integer, an object dictionary, or a list of either.
func memberOids(data *value.Value) ([]int64, error) {
	switch data.Kind() {
	case value.KindNull:
		return nil, nil
	case value.KindInt, value.KindDict:
		if oid := data.OID(); oid != 0 {
			return []int64{oid}, nil
		}
		return nil, errors.New("membership entry has no oid")
	case value.KindList:
		var out []int64
		for _, e := range data.List() {
			oid := e.OID()
			if oid == 0 {
				return nil, errors.New("membership entry has no oid")
			}
			out = append(out, oid)
		}
		return out, nil
	}
	return nil, fmt.Errorf("membership payload must be oids, got %s", data.Kind())
}

// Field performs a get, set or append on a property field.
func (s *Store) Field(tx *Tx, action FieldAction, sch *scheme.Scheme, oid int64, f *scheme.Field, data *value.Value) (*value.Value, error) {
	if action != FieldGet {
		if err := requireTx(tx, "field write"); err != nil {
			return nil, err
		}
	}
	switch f.Type {
	case scheme.Array:
		switch action {
		case FieldGet:
			return s.readArray(tx, sch, f, oid)
		case FieldSet:
			if err := s.replaceArray(tx, sch, f, oid, data); err != nil {
				return nil, err
			}
		case FieldAppend:
			if err := s.appendArray(tx, sch, f, oid, data); err != nil {
				return nil, err
			}
		}
		if err := s.markUpdated(tx, sch, oid); err != nil {
			return nil, err
		}
		return s.readArray(tx, sch, f, oid)

	case scheme.File, scheme.Image:
		switch action {
		case FieldGet:
			var ref sql.NullInt64
			err := s.runner(tx).QueryRow(fmt.Sprintf(
				"SELECT %s FROM %s WHERE oid = ?", columnName(f), tableName(sch)), oid).Scan(&ref)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("read %s.%s: %w", sch.Name, f.Name, err)
			}
			if !ref.Valid {
				return value.Null(), nil
			}
			return value.Int(ref.Int64), nil
		case FieldSet:
			var arg any
			if !data.IsNull() {
				arg = data.OID()
			}
			if _, err := s.runner(tx).Exec(fmt.Sprintf(
				"UPDATE %s SET %s = ? WHERE oid = ?", tableName(sch), columnName(f)), arg, oid); err != nil {
				return nil, fmt.Errorf("set %s.%s: %w", sch.Name, f.Name, err)
			}
			if err := s.markUpdated(tx, sch, oid); err != nil {
				return nil, err
			}
			return data, nil
		}
		return nil, fmt.Errorf("cannot append to %s field %s", f.Type, f.Name)

	case scheme.Set:
		foreign := s.reg.Get(f.Foreign)
		owner := foreign.Field(f.OwnerField)
		switch action {
		case FieldGet:
			return s.readSet(tx, foreign, owner, oid)
		case FieldSet:
			keep, err := memberOids(data)
			if err != nil {
				return nil, err
			}
			if err := s.ClearField(tx, sch, oid, f, keep); err != nil {
				return nil, err
			}
			if err := s.adoptSetMembers(tx, foreign, owner, oid, keep); err != nil {
				return nil, err
			}
		case FieldAppend:
			add, err := memberOids(data)
			if err != nil {
				return nil, err
			}
			if err := s.adoptSetMembers(tx, foreign, owner, oid, add); err != nil {
				return nil, err
			}
		}
		if err := s.markUpdated(tx, sch, oid); err != nil {
			return nil, err
		}
		return s.readSet(tx, foreign, owner, oid)

	case scheme.View:
		switch action {
		case FieldGet:
			return s.readView(tx, sch, f, oid)
		case FieldSet:
			members, err := memberOids(data)
			if err != nil {
				return nil, err
			}
			if err := s.ClearField(tx, sch, oid, f, nil); err != nil {
				return nil, err
			}
			for _, m := range members {
				if err := s.AddToView(tx, sch, f, oid, m); err != nil {
					return nil, err
				}
			}
		case FieldAppend:
			members, err := memberOids(data)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if err := s.AddToView(tx, sch, f, oid, m); err != nil {
					return nil, err
				}
			}
		}
		return s.readView(tx, sch, f, oid)
	}
	return nil, fmt.Errorf("field %s (%s) is not a property field", f.Name, f.Type)
}

func (s *Store) readSet(tx *Tx, foreign *scheme.Scheme, owner *scheme.Field, oid int64) (*value.Value, error) {
	b := sq.Select(selectColumns(foreign)...).From(tableName(foreign)).
		Where(sq.Eq{columnName(owner): oid}).OrderBy("oid ASC")
	b = excludeTombstones(b, foreign)
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build set read on %s: %w", foreign.Name, err)
	}
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("read set on %s: %w", foreign.Name, err)
	}
	defer rows.Close()
	return collectRows(foreign, rows)
}

func (s *Store) adoptSetMembers(tx *Tx, foreign *scheme.Scheme, owner *scheme.Field, oid int64, members []int64) error {
	for _, m := range members {
		res, err := s.runner(tx).Exec(fmt.Sprintf(
			"UPDATE %s SET %s = ? WHERE oid = ?",
			tableName(foreign), columnName(owner)), oid, m)
		if err != nil {
			return fmt.Errorf("adopt %s/%d: %w", foreign.Name, m, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *Store) readView(tx *Tx, sch *scheme.Scheme, f *scheme.Field, oid int64) (*value.Value, error) {
	foreign := s.reg.Get(f.Foreign)
	cols := selectColumns(foreign)
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = "m." + c
	}
	sqlStr := fmt.Sprintf(
		"SELECT %s FROM %s v JOIN %s m ON m.oid = v.member_oid "+
			"WHERE v.scheme = ? AND v.field = ? AND v.parent_oid = ? ORDER BY v.pos ASC",
		strings.Join(qualified, ", "), viewsTable, tableName(foreign))
	rows, err := s.runner(tx).Query(sqlStr, sch.Name, f.Name, oid)
	if err != nil {
		return nil, fmt.Errorf("read view %s.%s: %w", sch.Name, f.Name, err)
	}
	defer rows.Close()
	return collectRows(foreign, rows)
}

// ClearField removes a property field's contents, keeping the listed
// children. Arrays ignore the keep list and always clear fully.
func (s *Store) ClearField(tx *Tx, sch *scheme.Scheme, oid int64, f *scheme.Field, keep []int64) error {
	if err := requireTx(tx, "clear field"); err != nil {
		return err
	}
	keepSet := make(map[int64]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}

	switch f.Type {
	case scheme.Array:
		if _, err := s.runner(tx).Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE oid = ?", arrayTable(sch, f)), oid); err != nil {
			return fmt.Errorf("clear array %s.%s: %w", sch.Name, f.Name, err)
		}
		return s.markUpdated(tx, sch, oid)

	case scheme.Set:
		foreign := s.reg.Get(f.Foreign)
		owner := foreign.Field(f.OwnerField)
		b := sq.Update(tableName(foreign)).Set(columnName(owner), nil).
			Where(sq.Eq{columnName(owner): oid})
		if len(keep) > 0 {
			b = b.Where(sq.NotEq{"oid": keep})
		}
		sqlStr, args, err := b.ToSql()
		if err != nil {
			return fmt.Errorf("build clear set %s.%s: %w", sch.Name, f.Name, err)
		}
		if _, err := s.runner(tx).Exec(sqlStr, args...); err != nil {
			return fmt.Errorf("clear set %s.%s: %w", sch.Name, f.Name, err)
		}
		return s.markUpdated(tx, sch, oid)

	case scheme.View:
		b := sq.Delete(viewsTable).Where(sq.Eq{
			"scheme": sch.Name, "field": f.Name, "parent_oid": oid,
		})
		if len(keep) > 0 {
			b = b.Where(sq.NotEq{"member_oid": keep})
		}
		sqlStr, args, err := b.ToSql()
		if err != nil {
			return fmt.Errorf("build clear view %s.%s: %w", sch.Name, f.Name, err)
		}
		if _, err := s.runner(tx).Exec(sqlStr, args...); err != nil {
			return fmt.Errorf("clear view %s.%s: %w", sch.Name, f.Name, err)
		}
		return s.touchViewDelta(tx, sch, f, oid, nowMicros())
	}
	return fmt.Errorf("field %s (%s) cannot be cleared", f.Name, f.Type)
}

// AddToView appends a member at the end of a view. Re-adding an
// existing member is a no-op.
func (s *Store) AddToView(tx *Tx, sch *scheme.Scheme, f *scheme.Field, parentOID, memberOID int64) error {
	if err := requireTx(tx, "view add"); err != nil {
		return err
	}
	_, err := s.runner(tx).Exec(fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (scheme, field, parent_oid, member_oid, pos) "+
			"VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(pos) + 1, 0) FROM %s "+
			"WHERE scheme = ? AND field = ? AND parent_oid = ?))",
		viewsTable, viewsTable),
		sch.Name, f.Name, parentOID, memberOID, sch.Name, f.Name, parentOID)
	if err != nil {
		return fmt.Errorf("add to view %s.%s: %w", sch.Name, f.Name, err)
	}
	return s.touchViewDelta(tx, sch, f, parentOID, nowMicros())
}

// RemoveFromView drops one member from a view.
func (s *Store) RemoveFromView(tx *Tx, sch *scheme.Scheme, f *scheme.Field, parentOID, memberOID int64) error {
	if err := requireTx(tx, "view remove"); err != nil {
		return err
	}
	_, err := s.runner(tx).Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE scheme = ? AND field = ? AND parent_oid = ? AND member_oid = ?",
		viewsTable), sch.Name, f.Name, parentOID, memberOID)
	if err != nil {
		return fmt.Errorf("remove from view %s.%s: %w", sch.Name, f.Name, err)
	}
	return s.touchViewDelta(tx, sch, f, parentOID, nowMicros())
}

// ReferenceParents returns the oids of live foreign rows whose field f
// references oid.
func (s *Store) ReferenceParents(tx *Tx, foreign *scheme.Scheme, f *scheme.Field, oid int64) ([]int64, error) {
	b := sq.Select("oid").From(tableName(foreign)).Where(sq.Eq{columnName(f): oid}).OrderBy("oid ASC")
	b = excludeTombstones(b, foreign)
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reference parents on %s: %w", foreign.Name, err)
	}
	rows, err := s.runner(tx).Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("reference parents on %s: %w", foreign.Name, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Array side-table access.

func (s *Store) readArray(tx *Tx, sch *scheme.Scheme, f *scheme.Field, oid int64) (*value.Value, error) {
	rows, err := s.runner(tx).Query(fmt.Sprintf(
		"SELECT val FROM %s WHERE oid = ? ORDER BY pos ASC", arrayTable(sch, f)), oid)
	if err != nil {
		return nil, fmt.Errorf("read array %s.%s: %w", sch.Name, f.Name, err)
	}
	defer rows.Close()

	out := value.List()
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out.Append(arrayElem(f, raw))
	}
	return out, rows.Err()
}

func arrayElem(f *scheme.Field, raw any) *value.Value {
	switch e := raw.(type) {
	case int64:
		if f.Elem == scheme.Boolean {
			return value.Bool(e != 0)
		}
		return value.Int(e)
	case float64:
		return value.Float(e)
	case string:
		return value.String(e)
	case []byte:
		return value.Bytes(e)
	}
	return value.Null()
}

func (s *Store) replaceArray(tx *Tx, sch *scheme.Scheme, f *scheme.Field, oid int64, v *value.Value) error {
	if _, err := s.runner(tx).Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE oid = ?", arrayTable(sch, f)), oid); err != nil {
		return fmt.Errorf("clear array %s.%s: %w", sch.Name, f.Name, err)
	}
	if v.IsNull() {
		return nil
	}
	elems := v.List()
	if elems == nil {
		return fmt.Errorf("field %s expects a list, got %s", f.Name, v.Kind())
	}
	elemField := &scheme.Field{Name: f.Name, Type: f.Elem}
	for pos, e := range elems {
		a, err := encodeFieldValue(elemField, e)
		if err != nil {
			return err
		}
		if _, err := s.runner(tx).Exec(fmt.Sprintf(
			"INSERT INTO %s (oid, pos, val) VALUES (?, ?, ?)", arrayTable(sch, f)),
			oid, pos, a); err != nil {
			return fmt.Errorf("write array %s.%s: %w", sch.Name, f.Name, err)
		}
	}
	return nil
}

func (s *Store) appendArray(tx *Tx, sch *scheme.Scheme, f *scheme.Field, oid int64, v *value.Value) error {
	elems := v.List()
	if elems == nil {
		elems = []*value.Value{v}
	}
	elemField := &scheme.Field{Name: f.Name, Type: f.Elem}
	for _, e := range elems {
		a, err := encodeFieldValue(elemField, e)
		if err != nil {
			return err
		}
		if _, err := s.runner(tx).Exec(fmt.Sprintf(
			"INSERT INTO %s (oid, pos, val) VALUES (?, ?, "+
				"(SELECT COALESCE(MAX(pos) + 1, 0) FROM %s WHERE oid = ?))",
			arrayTable(sch, f), arrayTable(sch, f)), oid, a, oid); err != nil {
			return fmt.Errorf("append array %s.%s: %w", sch.Name, f.Name, err)
		}
	}
	return nil
}

// Delta bookkeeping.

// markUpdated stamps a row as updated after an indirect mutation (array
// or membership write) and advances the scheme stream.
func (s *Store) markUpdated(tx *Tx, sch *scheme.Scheme, oid int64) error {
	now := nowMicros()
	set := []string{}
	args := []any{}
	if mt := sch.MTimeField(); mt != nil {
		set = append(set, columnName(mt)+" = ?")
		args = append(args, now)
	}
	if sch.DeltaTracked {
		set = append(set, fmt.Sprintf(
			"%s = CASE WHEN %s = '%s' THEN '%s' ELSE '%s' END",
			colDeltaAction, colDeltaAction, deltaCreate, deltaCreate, deltaUpdate))
		set = append(set, colDeltaTime+" = ?")
		args = append(args, now)
	}
	if len(set) > 0 {
		args = append(args, oid)
		if _, err := s.runner(tx).Exec(fmt.Sprintf(
			"UPDATE %s SET %s WHERE oid = ?",
			tableName(sch), strings.Join(set, ", ")), args...); err != nil {
			return fmt.Errorf("mark %s/%d updated: %w", sch.Name, oid, err)
		}
	}
	return s.touchDelta(tx, sch, now)
}

// touchDelta advances the scheme-level delta stream.
func (s *Store) touchDelta(tx *Tx, sch *scheme.Scheme, now int64) error {
	if !sch.DeltaTracked {
		return nil
	}
	_, err := s.runner(tx).Exec(fmt.Sprintf(
		"INSERT INTO %s (scheme, field, parent_oid, micros) VALUES (?, '', 0, ?) "+
			"ON CONFLICT (scheme, field, parent_oid) DO UPDATE SET micros = excluded.micros",
		deltaTable), sch.Name, now)
	if err != nil {
		return fmt.Errorf("touch delta of %s: %w", sch.Name, err)
	}
	return nil
}

// touchViewDelta advances the per-view delta stream.
func (s *Store) touchViewDelta(tx *Tx, sch *scheme.Scheme, f *scheme.Field, parentOID, now int64) error {
	_, err := s.runner(tx).Exec(fmt.Sprintf(
		"INSERT INTO %s (scheme, field, parent_oid, micros) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (scheme, field, parent_oid) DO UPDATE SET micros = excluded.micros",
		deltaTable), sch.Name, f.Name, parentOID, now)
	if err != nil {
		return fmt.Errorf("touch view delta of %s.%s: %w", sch.Name, f.Name, err)
	}
	return nil
}

// DeltaValue returns the scheme's delta timestamp in microseconds, or
// zero when the scheme has never been written.
func (s *Store) DeltaValue(sch *scheme.Scheme) (int64, error) {
	var micros int64
	err := s.db.QueryRow(fmt.Sprintf(
		"SELECT micros FROM %s WHERE scheme = ? AND field = '' AND parent_oid = 0",
		deltaTable), sch.Name).Scan(&micros)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("delta of %s: %w", sch.Name, err)
	}
	return micros, nil
}

// ViewDeltaValue returns the delta timestamp of one view instance.
func (s *Store) ViewDeltaValue(sch *scheme.Scheme, f *scheme.Field, oid int64) (int64, error) {
	var micros int64
	err := s.db.QueryRow(fmt.Sprintf(
		"SELECT micros FROM %s WHERE scheme = ? AND field = ? AND parent_oid = ?",
		deltaTable), sch.Name, f.Name, oid).Scan(&micros)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("view delta of %s.%s: %w", sch.Name, f.Name, err)
	}
	return micros, nil
}

// AuthorizeUser verifies credentials against the auth scheme. Lookup
// and password failures both report ErrNotFound so callers cannot
// distinguish unknown names from wrong passwords.
func (s *Store) AuthorizeUser(sch *scheme.Scheme, name, password string) (*scheme.User, error) {
	nameField := sch.AliasField()
	if nameField == nil {
		nameField = sch.Field("name")
	}
	if nameField == nil {
		return nil, fmt.Errorf("scheme %s has no name field", sch.Name)
	}
	var passField *scheme.Field
	sch.Fields(func(f *scheme.Field) bool {
		if f.Transform == scheme.TransformPassword {
			passField = f
			return false
		}
		return true
	})
	if passField == nil {
		return nil, fmt.Errorf("scheme %s has no password field", sch.Name)
	}

	cols := []string{"oid", columnName(passField)}
	admin := sch.Field("admin")
	if admin != nil {
		cols = append(cols, columnName(admin))
	}
	b := sq.Select(cols...).From(tableName(sch)).Where(sq.Eq{columnName(nameField): name})
	b = excludeTombstones(b, sch)
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build authorize on %s: %w", sch.Name, err)
	}

	var oid int64
	var hash sql.NullString
	var isAdmin sql.NullInt64
	dest := []any{&oid, &hash}
	if admin != nil {
		dest = append(dest, &isAdmin)
	}
	err = s.db.QueryRow(sqlStr, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authorize on %s: %w", sch.Name, err)
	}
	if !hash.Valid || bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)) != nil {
		return nil, ErrNotFound
	}
	return &scheme.User{
		OID:   oid,
		Name:  name,
		Admin: isAdmin.Valid && isAdmin.Int64 != 0,
	}, nil
}
