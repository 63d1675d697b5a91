// Package resolve turns an opaque URL path vector into a typed query
// list over a registered scheme, and builds the per-scheme field
// include tree that drives hydration.
package resolve

import "fmt"

// ErrorKind classifies resolution failures. All of them abort
// resolution and map to a Not-Found result at the handler.
type ErrorKind int

const (
	ErrBadToken ErrorKind = iota
	ErrUnknownField
	ErrTypeMismatch
	ErrMissingValue
	ErrBadNumber
	ErrNotIndexed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadToken:
		return "bad token"
	case ErrUnknownField:
		return "unknown field"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrMissingValue:
		return "missing value"
	case ErrBadNumber:
		return "bad number"
	case ErrNotIndexed:
		return "not indexed"
	}
	return "error"
}

// Error is the structured resolution error attached to the response's
// errors array. No partial query accompanies it.
type Error struct {
	Kind    ErrorKind
	Token   string
	Message string
}

func (e *Error) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %q: %s", e.Kind, e.Token, e.Message)
}

func errf(kind ErrorKind, token, format string, args ...any) *Error {
	return &Error{Kind: kind, Token: token, Message: fmt.Sprintf(format, args...)}
}
