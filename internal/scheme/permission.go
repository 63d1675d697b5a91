package scheme

import "github.com/trellis-works/trellis/internal/value"

// Permission forms the three-level access lattice. The ordinal order
// matters: Min is the ordinal minimum.
type Permission int

const (
	Restrict Permission = iota
	Partial
	Full
)

// String returns the lowercase permission name.
func (p Permission) String() string {
	switch p {
	case Restrict:
		return "restrict"
	case Partial:
		return "partial"
	case Full:
		return "full"
	}
	return "unknown"
}

// Min returns the lower of two permissions on the lattice
// Restrict < Partial < Full.
func Min(a, b Permission) Permission {
	if a < b {
		return a
	}
	return b
}

// Action enumerates the operations gated by access control.
type Action int

const (
	ActionCreate Action = iota
	ActionRead
	ActionAppend
	ActionUpdate
	ActionRemove
	ActionReference
	actionCount
)

var actionNames = [actionCount]string{
	"create", "read", "append", "update", "remove", "reference",
}

// String returns the lowercase action name.
func (a Action) String() string {
	if a < 0 || a >= actionCount {
		return "unknown"
	}
	return actionNames[a]
}

// ActionByName resolves a declaration name to an Action.
func ActionByName(name string) (Action, bool) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), true
		}
	}
	return 0, false
}

// User is the request principal handed to access checks.
type User struct {
	OID   int64
	Name  string
	Admin bool
}

// CheckFunc refines a Partial scheme-tier grant into a concrete
// permission for the given user and action.
type CheckFunc func(user *User, s *Scheme, action Action) Permission

// ObjectCheckFunc is the object-tier check, consulted only when the
// scheme tier resolved to Partial. It receives the current object and
// a mutable patch that it may prune before granting.
type ObjectCheckFunc func(user *User, s *Scheme, action Action, object, patch *value.Value) Permission
