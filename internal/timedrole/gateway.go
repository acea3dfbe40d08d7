package timedrole

import "errors"

// ErrForbidden marks a role mutation rejected by Discord permissions.
// Retrying is pointless until an admin fixes the role hierarchy, so callers
// log it and move on instead of retrying.
var ErrForbidden = errors.New("missing permissions for role mutation")

// Member is the live view of a guild member the core needs.
type Member struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the member currently holds roleID.
func (m Member) HasRole(roleID string) bool {
	for _, id := range m.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// Gateway is the core's window onto live Discord state. Implementations wrap
// the rate-limited REST/gateway client; every call is a potential blocking
// point, so callers must re-fetch ledger records after calling through it.
type Gateway interface {
	// Member resolves a guild member, cache-first with a remote fallback.
	// A nil member with nil error means the guild or member does not exist.
	Member(guildID, userID string) (*Member, error)
	// AddRoles grants roleIDs to the member with an audit-log reason.
	AddRoles(guildID, userID string, roleIDs []string, reason string) error
	// RemoveRoles revokes roleIDs from the member with an audit-log reason.
	RemoveRoles(guildID, userID string, roleIDs []string, reason string) error
	// MembersWithRole lists members currently holding roleID.
	MembersWithRole(guildID, roleID string) ([]Member, error)
}
