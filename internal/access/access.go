// Package access evaluates the two-tier permission model. The scheme
// tier grants or denies per action; Partial grants defer to scheme and
// object callbacks which may refine the grant or rewrite the pending
// patch. Admin principals bypass both tiers when admin privileges are
// enabled.
package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/value"
)

// Controller evaluates permissions for a process. It is read-only
// after construction and safe for concurrent use.
type Controller struct {
	// AdminEnabled turns on the administrative bypass for admin users
	// and validated cross-server requests.
	AdminEnabled bool

	// CrossSecret is the shared secret validating the cross-server
	// auth header pair. Empty disables cross-server auth.
	CrossSecret string
}

// SchemePermission resolves the scheme-tier permission for an action.
// crossAuthed marks a request that carried a valid cross-server auth
// header pair (see ValidateCross).
func (c *Controller) SchemePermission(user *scheme.User, s *scheme.Scheme, action scheme.Action, crossAuthed bool) scheme.Permission {
	if c.admin(user, crossAuthed) {
		return scheme.Full
	}

	if s.Access == nil {
		// Default policy: world-readable, otherwise restricted.
		if action == scheme.ActionRead {
			return scheme.Full
		}
		return scheme.Restrict
	}

	p, ok := s.Access[action]
	if !ok {
		return scheme.Restrict
	}
	if p == scheme.Partial && s.Check != nil {
		return s.Check(user, s, action)
	}
	return p
}

// ObjectPermission runs the object-tier check. Only meaningful when
// the scheme tier resolved to Partial; without a callback the Partial
// grant stands. The callback may prune the patch before granting.
func (c *Controller) ObjectPermission(user *scheme.User, s *scheme.Scheme, action scheme.Action, object, patch *value.Value) scheme.Permission {
	if s.ObjectCheck == nil {
		return scheme.Partial
	}
	return s.ObjectCheck(user, s, action, object, patch)
}

// Allowed combines both tiers into a yes/no decision for an action on
// one object.
func (c *Controller) Allowed(user *scheme.User, s *scheme.Scheme, action scheme.Action, object, patch *value.Value, crossAuthed bool) bool {
	switch c.SchemePermission(user, s, action, crossAuthed) {
	case scheme.Full:
		return true
	case scheme.Restrict:
		return false
	default:
		return c.ObjectPermission(user, s, action, object, patch) != scheme.Restrict
	}
}

// ValidateCross checks the cross-server auth header pair: an id and
// its HMAC-SHA256 signature under the shared secret.
func (c *Controller) ValidateCross(id, sig string) bool {
	if !c.AdminEnabled || c.CrossSecret == "" || id == "" || sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.CrossSecret))
	mac.Write([]byte(id))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// SignCross produces the signature counterpart for ValidateCross.
// Exposed for peers issuing cross-server requests.
func (c *Controller) SignCross(id string) string {
	mac := hmac.New(sha256.New, []byte(c.CrossSecret))
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Controller) admin(user *scheme.User, crossAuthed bool) bool {
	if !c.AdminEnabled {
		return false
	}
	if crossAuthed {
		return true
	}
	return user != nil && user.Admin
}
