package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trellis-works/trellis/internal/config"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

type sqlTx = *sql.Tx

// Store is the SQLite implementation of Adapter. One Store serves the
// whole process; per-request isolation comes from Tx handles.
type Store struct {
	db  *sql.DB
	reg *scheme.Registry
	cfg *config.Config
	kv  *kvCache

	mu   sync.Mutex
	subs []chan *value.Value
}

// compile-time contract check
var _ Adapter = (*Store)(nil)

// Open opens (or creates) the SQLite database at cfg.Database.Path and
// ensures the schema for every registered scheme exists.
//
// SQLite serializes writers internally; the connection pool is capped
// at one writer to avoid SQLITE_BUSY churn under concurrent requests.
func Open(cfg *config.Config, reg *scheme.Registry) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", cfg.Database.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:  db,
		reg: reg,
		cfg: cfg,
		kv:  newKVCache(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store, used by tests and the CLI's
// ephemeral mode.
func OpenMemory(cfg *config.Config, reg *scheme.Registry) (*Store, error) {
	c := *cfg
	c.Database.Path = ":memory:"
	return Open(&c, reg)
}

// Close releases the database and wakes all broadcast subscribers.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	return s.db.Close()
}

// Registry returns the scheme registry the store was opened with.
func (s *Store) Registry() *scheme.Registry { return s.reg }

// Begin starts (or nests into) a transaction on tx.
func (s *Store) Begin(tx *Tx) error {
	if tx.Active() {
		tx.depth++
		return nil
	}
	t, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx.sqlTx = t
	return nil
}

// End leaves the current transaction scope. The outermost End commits,
// unless a nested Cancel marked the transaction rollback-only.
func (s *Store) End(tx *Tx) error {
	if !tx.Active() {
		return nil
	}
	if tx.depth > 0 {
		tx.depth--
		return nil
	}
	t := tx.sqlTx
	tx.sqlTx = nil
	if tx.rollbackOnly {
		tx.rollbackOnly = false
		if err := t.Rollback(); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return ErrBrokenTransaction
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Cancel marks the transaction rollback-only. The current scope still
// ends with End; the rollback happens when the outermost scope exits.
func (s *Store) Cancel(tx *Tx) {
	if !tx.Active() {
		return
	}
	tx.rollbackOnly = true
}

// InTransaction reports whether tx is active.
func (s *Store) InTransaction(tx *Tx) bool { return tx.Active() }

// runner returns the statement runner for tx: the transaction when
// active, the bare connection otherwise (reads outside transactions).
func (s *Store) runner(tx *Tx) runner {
	if tx != nil && tx.Active() {
		return tx.sqlTx
	}
	return s.db
}

// runner is the common subset of *sql.DB and *sql.Tx we use.
type runner interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Subscribe registers a broadcast subscriber. The returned channel is
// buffered; slow consumers drop notices rather than blocking writers.
func (s *Store) Subscribe() <-chan *value.Value {
	ch := make(chan *value.Value, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Broadcast fans v out to all subscribers without blocking.
func (s *Store) Broadcast(v *value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// KVSet stores a short-lived entry.
func (s *Store) KVSet(key string, v *value.Value, ttl time.Duration) {
	s.kv.set(key, v, ttl)
}

// KVGet returns the entry if present and unexpired.
func (s *Store) KVGet(key string) (*value.Value, bool) {
	return s.kv.get(key)
}

// KVClear drops the entry.
func (s *Store) KVClear(key string) {
	s.kv.clear(key)
}

// nowMicros is the delta clock. Overridable in tests.
var nowMicros = func() int64 {
	return time.Now().UnixMicro()
}
