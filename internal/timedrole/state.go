package timedrole

import (
	"time"

	"rolebot/internal/store"

	"github.com/google/uuid"
)

// State is the sole writer of timed-role ledger records. It layers the
// claim/return/expire business rules on top of the persistent store.
type State struct {
	store *store.Store
	now   func() time.Time
}

// NewState wraps st with the timed-role state machine.
func NewState(st *store.Store) *State {
	return &State{
		store: st,
		now:   func() time.Time { return time.Now().In(UTC8) },
	}
}

// Claim checks roleIDs out under the user's time budget, replacing any
// previous selection. A claim from idle starts a new accounting session;
// switching roles mid-session keeps the clock running unbroken. An empty
// selection degenerates to ReturnRoles.
//
// Claim does not enforce the remaining-time precondition; that is a policy
// of the command layer so administrative overrides stay possible.
func (s *State) Claim(userID, guildID string, roleIDs []string) {
	if len(roleIDs) == 0 {
		s.ReturnRoles(userID, guildID)
		return
	}
	now := s.now()
	s.store.Update(userID, guildID, func(r *store.Record) {
		if len(r.CurrentTimedRoles) == 0 {
			ts := now
			r.LastClaimTimestamp = &ts
			r.SessionID = uuid.NewString()
		}
		r.CurrentTimedRoles = append([]string(nil), roleIDs...)
	})
	s.store.Save(false)
}

// ReturnRoles closes the current session, settles its elapsed seconds into
// UsedSeconds and returns them. Returning while idle is a no-op yielding 0,
// so a double return never bills twice.
func (s *State) ReturnRoles(userID, guildID string) float64 {
	var elapsed float64
	var settled bool
	now := s.now()
	s.store.Update(userID, guildID, func(r *store.Record) {
		if len(r.CurrentTimedRoles) == 0 || r.LastClaimTimestamp == nil {
			return
		}
		elapsed = now.Sub(*r.LastClaimTimestamp).Seconds()
		r.UsedSeconds += elapsed
		r.CurrentTimedRoles = []string{}
		r.LastClaimTimestamp = nil
		r.SessionID = ""
		settled = true
	})
	if settled {
		s.store.Save(false)
	}
	return elapsed
}

// ForceClear discards the current session without billing elapsed time.
// Used on error paths where the bot cannot verify the user actually held the
// roles: under-counting beats inventing unverifiable charges.
func (s *State) ForceClear(userID, guildID string) {
	var cleared bool
	s.store.Update(userID, guildID, func(r *store.Record) {
		if len(r.CurrentTimedRoles) == 0 {
			return
		}
		r.CurrentTimedRoles = []string{}
		r.LastClaimTimestamp = nil
		r.SessionID = ""
		cleared = true
	})
	if cleared {
		s.store.Save(false)
	}
}

// RemainingSeconds reports the user's remaining budget in guildID.
func (s *State) RemainingSeconds(userID, guildID string, cfg GuildConfig) int {
	return RemainingSeconds(s.store.Record(userID, guildID), cfg, s.now())
}

// Record returns a copy of the user's ledger record for guildID.
func (s *State) Record(userID, guildID string) store.Record {
	return s.store.Record(userID, guildID)
}

// ActiveSessions returns a snapshot of every user-guild pair mid-session.
func (s *State) ActiveSessions() []store.ActiveSession {
	return s.store.ActiveSessions()
}

// ZeroUsage clears accumulated usage without touching the session fields.
func (s *State) ZeroUsage(userID, guildID string) {
	s.store.Update(userID, guildID, func(r *store.Record) {
		r.UsedSeconds = 0
	})
	s.store.Save(false)
}

// RestartSession gives an active record a fresh budget: usage drops to zero
// and the session clock restarts at the given instant. The held role set is
// untouched. Used by the daily reset for exempted users.
func (s *State) RestartSession(userID, guildID string, at time.Time) {
	s.store.Update(userID, guildID, func(r *store.Record) {
		if len(r.CurrentTimedRoles) == 0 {
			return
		}
		ts := at
		r.UsedSeconds = 0
		r.LastClaimTimestamp = &ts
		r.SessionID = uuid.NewString()
	})
}

// DeleteRecord drops the ledger record for (userID, guildID) entirely.
func (s *State) DeleteRecord(userID, guildID string) {
	s.store.Delete(userID, guildID)
}

// GuildRecords returns copies of every record in guildID, keyed by user ID.
func (s *State) GuildRecords(guildID string) map[string]store.Record {
	return s.store.GuildRecords(guildID)
}

// LastReset returns the timestamp of the most recent daily reset.
func (s *State) LastReset() time.Time {
	return s.store.LastReset()
}

// CommitReset stores the reset timestamp and forces a non-debounced save.
// Resets are rare, high-value writes that should not sit in the debounce
// window.
func (s *State) CommitReset(at time.Time) {
	s.store.SetLastReset(at)
	s.store.Save(true)
}
