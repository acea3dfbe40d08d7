package store

import "time"

// Record is the timed-role ledger entry for one user in one guild.
// A record is ACTIVE while CurrentTimedRoles is non-empty, in which case
// LastClaimTimestamp marks the start of the current unbroken session.
type Record struct {
	UsedSeconds        float64    `json:"used_seconds"`
	CurrentTimedRoles  []string   `json:"current_timed_roles"`
	LastClaimTimestamp *time.Time `json:"last_claim_timestamp"`
	SessionID          string     `json:"session_id,omitempty"`
}

// Active reports whether the record is currently mid-session.
func (r Record) Active() bool {
	return len(r.CurrentTimedRoles) > 0
}

// clone returns a deep copy so callers never share slices with the live document.
func (r Record) clone() Record {
	c := r
	c.CurrentTimedRoles = append([]string(nil), r.CurrentTimedRoles...)
	if r.LastClaimTimestamp != nil {
		ts := *r.LastClaimTimestamp
		c.LastClaimTimestamp = &ts
	}
	return c
}

// normalize repairs structural drift in loaded data: nil role slices become
// empty lists, and a claim timestamp without roles is stale and gets cleared.
func (r *Record) normalize() {
	if r.CurrentTimedRoles == nil {
		r.CurrentTimedRoles = []string{}
	}
	if len(r.CurrentTimedRoles) == 0 && r.LastClaimTimestamp != nil {
		r.LastClaimTimestamp = nil
		r.SessionID = ""
	}
	if r.UsedSeconds < 0 {
		r.UsedSeconds = 0
	}
}

// Document is the root of the persisted state file.
type Document struct {
	Users     map[string]map[string]*Record `json:"users"`
	LastReset time.Time                     `json:"last_reset"`
}

// ActiveSession identifies one user-guild pair that is currently mid-session.
type ActiveSession struct {
	UserID  string
	GuildID string
	RoleIDs []string
}
