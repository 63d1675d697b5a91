// Package storage implements the adapter contract of the data-access
// core against SQLite. The core never generates SQL itself; every
// selection, mutation, view operation, full-text search and delta
// lookup goes through the Adapter interface defined here.
package storage

import (
	"errors"
	"time"

	"github.com/trellis-works/trellis/internal/query"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// Sentinel errors surfaced to the resource layer.
var (
	// ErrNotFound marks a selection that matched no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrBrokenTransaction marks a transaction that can only roll back.
	ErrBrokenTransaction = errors.New("storage: broken transaction")
)

// FieldAction selects the operation performed by Adapter.Field on a
// property field (Array, File, Image, Set, View).
type FieldAction int

const (
	FieldGet FieldAction = iota
	FieldSet
	FieldAppend
)

// Cursor describes the continue-token pagination state of an anchored
// selection.
type Cursor struct {
	Start *value.Value // anchor field value of the first row
	End   *value.Value // anchor field value of the last row
	Total int64        // total rows matching without the anchor window
	Count int          // rows in this window
	Field string       // anchor field name
	Next  string       // opaque token for the following window
	Prev  string       // opaque token for the preceding window
}

// Adapter is the storage contract consumed by the resource family and
// the hydrator. All mutating calls must run inside a transaction on
// the supplied handle.
type Adapter interface {
	// Transaction primitives. Begin on an active handle nests; Cancel
	// marks the outermost transaction rollback-only; End commits only
	// at the outermost scope and only when not canceled.
	Begin(tx *Tx) error
	End(tx *Tx) error
	Cancel(tx *Tx)
	InTransaction(tx *Tx) bool

	// Row operations.
	Get(tx *Tx, s *scheme.Scheme, oid int64) (*value.Value, error)
	Select(tx *Tx, q *query.Query) (*value.Value, error)
	Create(tx *Tx, s *scheme.Scheme, v *value.Value) (*value.Value, error)
	Save(tx *Tx, s *scheme.Scheme, oid int64, v *value.Value, fields []string) (*value.Value, error)
	Patch(tx *Tx, s *scheme.Scheme, oid int64, patch *value.Value) (*value.Value, error)
	Remove(tx *Tx, s *scheme.Scheme, oid int64) (bool, error)
	Count(tx *Tx, q *query.Query) (int64, error)

	// Property-field operations.
	Field(tx *Tx, action FieldAction, s *scheme.Scheme, oid int64, f *scheme.Field, data *value.Value) (*value.Value, error)
	// ClearField removes references held by a Set field (or all
	// entries of an Array/View field). The keep list names child oids
	// whose references survive; everything else is cleared.
	ClearField(tx *Tx, s *scheme.Scheme, oid int64, f *scheme.Field, keep []int64) error

	// View membership.
	AddToView(tx *Tx, s *scheme.Scheme, f *scheme.Field, parentOID, memberOID int64) error
	RemoveFromView(tx *Tx, s *scheme.Scheme, f *scheme.Field, parentOID, memberOID int64) error

	// ReferenceParents returns the oids of foreign rows whose Object
	// field f references oid.
	ReferenceParents(tx *Tx, foreign *scheme.Scheme, f *scheme.Field, oid int64) ([]int64, error)

	// Query-list execution.
	PerformQueryList(tx *Tx, l *query.List, count, forUpdate bool) (*value.Value, *Cursor, error)
	PerformQueryListForIds(tx *Tx, l *query.List) ([]int64, error)

	// SearchFullText runs the list's full-text sub-query against the
	// FTS index behind f, returning ranked rows tagged with __ts_rank
	// and, when headline fields are selected, __headlines.
	SearchFullText(tx *Tx, l *query.List, f *scheme.Field, limit int) (*value.Value, error)

	// Delta streams, in microseconds.
	DeltaValue(s *scheme.Scheme) (int64, error)
	ViewDeltaValue(s *scheme.Scheme, f *scheme.Field, oid int64) (int64, error)

	// AuthorizeUser verifies name/password against the auth scheme.
	AuthorizeUser(s *scheme.Scheme, name, password string) (*scheme.User, error)

	// Broadcast fans a mutation notice out to subscribers.
	Broadcast(v *value.Value)

	// Short-lived key-value entries (upload tokens).
	KVSet(key string, v *value.Value, ttl time.Duration)
	KVGet(key string) (*value.Value, bool)
	KVClear(key string)
}

// Tx is the per-request transaction handle. The zero value is ready
// for use; it becomes active on the first Begin.
type Tx struct {
	sqlTx        sqlTx
	depth        int
	rollbackOnly bool
}

// Active reports whether a transaction has begun on this handle.
func (t *Tx) Active() bool { return t.sqlTx != nil }

// Broken reports whether the transaction was marked rollback-only.
func (t *Tx) Broken() bool { return t.rollbackOnly }
