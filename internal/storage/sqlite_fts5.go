//go:build fts5 || sqlite_fts5

// Full-text search requires FTS5-enabled SQLite. Build with
// -tags="fts5"; mattn/go-sqlite3 compiles FTS5 in when the tag is set.
package storage

import (
	_ "github.com/mattn/go-sqlite3"
)
