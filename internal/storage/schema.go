package storage

import (
	"fmt"
	"strings"

	"github.com/trellis-works/trellis/internal/scheme"
)

// Table and column naming. Prefixes keep generated identifiers clear
// of SQLite keywords regardless of scheme declarations.
func tableName(s *scheme.Scheme) string { return "s_" + s.Name }
func columnName(f *scheme.Field) string { return "f_" + f.Name }
func arrayTable(s *scheme.Scheme, f *scheme.Field) string {
	return "a_" + s.Name + "__" + f.Name
}
func ftsTable(s *scheme.Scheme, f *scheme.Field) string {
	return "fts_" + s.Name + "__" + f.Name
}

const (
	viewsTable = "t_views"
	deltaTable = "t_delta"

	colDeltaAction = "_delta_action"
	colDeltaTime   = "_delta_time"
)

// migrate creates all tables, indexes and FTS virtual tables for the
// registered schemes. Regular tables are created inside one
// transaction; FTS5 virtual tables must be created outside it.
func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback() // safe to call after commit

	shared := []string{
		`CREATE TABLE IF NOT EXISTS ` + viewsTable + ` (
			scheme     TEXT NOT NULL,
			field      TEXT NOT NULL,
			parent_oid INTEGER NOT NULL,
			member_oid INTEGER NOT NULL,
			pos        INTEGER NOT NULL,
			PRIMARY KEY (scheme, field, parent_oid, member_oid)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + deltaTable + ` (
			scheme     TEXT NOT NULL,
			field      TEXT NOT NULL DEFAULT '',
			parent_oid INTEGER NOT NULL DEFAULT 0,
			micros     INTEGER NOT NULL,
			PRIMARY KEY (scheme, field, parent_oid)
		)`,
	}
	for _, ddl := range shared {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create shared table: %w", err)
		}
	}

	var ftsDDL []string
	for _, name := range s.reg.Names() {
		sch := s.reg.Get(name)
		ddl, indexes, arrays, fts := schemeDDL(sch)
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create table for scheme %s: %w", name, err)
		}
		for _, idx := range indexes {
			if _, err := tx.Exec(idx); err != nil {
				return fmt.Errorf("create index for scheme %s: %w", name, err)
			}
		}
		for _, a := range arrays {
			if _, err := tx.Exec(a); err != nil {
				return fmt.Errorf("create array table for scheme %s: %w", name, err)
			}
		}
		ftsDDL = append(ftsDDL, fts...)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}

	for _, ddl := range ftsDDL {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create FTS table: %w", err)
		}
	}
	return nil
}

// schemeDDL renders the CREATE statements for one scheme: its row
// table, secondary indexes, array side tables and FTS virtual tables.
func schemeDDL(sch *scheme.Scheme) (table string, indexes, arrays, fts []string) {
	cols := []string{"oid INTEGER PRIMARY KEY AUTOINCREMENT"}

	sch.Fields(func(f *scheme.Field) bool {
		switch f.Type {
		case scheme.Integer, scheme.Boolean, scheme.Object, scheme.File, scheme.Image:
			cols = append(cols, columnName(f)+" INTEGER")
		case scheme.Float:
			cols = append(cols, columnName(f)+" REAL")
		case scheme.Text, scheme.Data, scheme.Extra:
			cols = append(cols, columnName(f)+" TEXT")
		case scheme.Bytes:
			cols = append(cols, columnName(f)+" BLOB")
		case scheme.Array:
			arrays = append(arrays, fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (
					oid INTEGER NOT NULL,
					pos INTEGER NOT NULL,
					val,
					PRIMARY KEY (oid, pos)
				)`, arrayTable(sch, f)))
		case scheme.FullTextView:
			ftsCols := make([]string, 0, len(f.SearchFields)+1)
			ftsCols = append(ftsCols, "oid UNINDEXED")
			ftsCols = append(ftsCols, f.SearchFields...)
			fts = append(fts, fmt.Sprintf(
				"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, tokenize = 'unicode61 remove_diacritics 0')",
				ftsTable(sch, f), strings.Join(ftsCols, ", ")))
		case scheme.Set, scheme.View:
			// No column: sets are reverse lookups, views live in t_views.
		}

		if f.IsScalar() || f.Type == scheme.Object {
			if f.Is(scheme.FlagUnique) {
				indexes = append(indexes, fmt.Sprintf(
					"CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
					sch.Name, f.Name, tableName(sch), columnName(f)))
			} else if f.Is(scheme.FlagIndexed) {
				indexes = append(indexes, fmt.Sprintf(
					"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
					sch.Name, f.Name, tableName(sch), columnName(f)))
			}
		}
		return true
	})

	if sch.DeltaTracked {
		cols = append(cols, colDeltaAction+" TEXT", colDeltaTime+" INTEGER")
	}

	table = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", tableName(sch), strings.Join(cols, ", "))
	return table, indexes, arrays, fts
}
