package timedrole

import (
	"context"
	"errors"
	"log"
	"time"

	"rolebot/internal/store"

	"golang.org/x/time/rate"
)

// Settlement describes one closed accounting session.
type Settlement struct {
	SessionID      string
	UserID         string
	GuildID        string
	RoleIDs        []string
	StartedAt      time.Time
	EndedAt        time.Time
	ElapsedSeconds float64
	Cause          string
}

// Archiver receives settled sessions and completed resets for long-term
// storage. Implementations must not block for long and must swallow their
// own errors; archival is best-effort.
type Archiver interface {
	ArchiveSession(s Settlement)
	ArchiveReset(guildID string, at time.Time, exempted, stripped int)
}

// DefaultScanInterval bounds worst-case budget overage to roughly one
// interval, trading precision for API call volume.
const DefaultScanInterval = time.Minute

// ExpiryScanner periodically finds sessions whose budget is exhausted and
// settles them: the roles come off via the gateway and the elapsed time lands
// in the ledger.
type ExpiryScanner struct {
	state    *State
	gateway  Gateway
	guildCfg ConfigProvider
	archiver Archiver
	interval time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewExpiryScanner builds a scanner. archiver may be nil. The internal rate
// limiter spaces out role mutations so a large expiry batch does not hammer
// the Discord API.
func NewExpiryScanner(state *State, gw Gateway, guildCfg ConfigProvider, archiver Archiver, interval time.Duration) *ExpiryScanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &ExpiryScanner{
		state:    state,
		gateway:  gw,
		guildCfg: guildCfg,
		archiver: archiver,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		now:      func() time.Time { return time.Now().In(UTC8) },
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (sc *ExpiryScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.Scan(ctx)
		}
	}
}

// Scan walks a snapshot of active sessions and settles every one whose
// remaining budget has hit zero. The snapshot is taken once up front; each
// entry is re-validated against the live ledger before acting, since claims
// and returns may land while the scan blocks on gateway calls.
func (sc *ExpiryScanner) Scan(ctx context.Context) {
	for _, sess := range sc.state.ActiveSessions() {
		if ctx.Err() != nil {
			return
		}
		cfg, ok := sc.guildCfg(sess.GuildID)
		if !ok {
			continue
		}
		if cfg.Permanent {
			// Usage carried over from a non-permanent past is stale here;
			// heal it so the guild stays effectively unmetered.
			if rec := sc.state.Record(sess.UserID, sess.GuildID); rec.UsedSeconds > 0 {
				sc.state.ZeroUsage(sess.UserID, sess.GuildID)
			}
			continue
		}
		if sc.state.RemainingSeconds(sess.UserID, sess.GuildID, cfg) > 0 {
			continue
		}
		sc.expire(ctx, sess)
	}
}

// expire settles one exhausted session.
func (sc *ExpiryScanner) expire(ctx context.Context, sess store.ActiveSession) {
	member, err := sc.gateway.Member(sess.GuildID, sess.UserID)
	if err != nil || member == nil {
		// Cannot verify live role state, so drop the session without
		// billing rather than invent an unverifiable charge.
		log.Printf("timedrole: cannot resolve member %s in guild %s (%v), clearing session unbilled",
			sess.UserID, sess.GuildID, err)
		sc.state.ForceClear(sess.UserID, sess.GuildID)
		return
	}

	// The member may have lost the roles out of band; only remove what they
	// actually still hold.
	var held []string
	for _, roleID := range sess.RoleIDs {
		if member.HasRole(roleID) {
			held = append(held, roleID)
		}
	}
	if len(held) == 0 {
		sc.state.ForceClear(sess.UserID, sess.GuildID)
		return
	}

	if err := sc.limiter.Wait(ctx); err != nil {
		return
	}
	if err := sc.gateway.RemoveRoles(sess.GuildID, sess.UserID, held, "timed role expired"); err != nil {
		// Enforcement failed but the clock must not keep running; settle
		// anyway and leave the role mismatch for admins to sort out.
		if errors.Is(err, ErrForbidden) {
			log.Printf("timedrole: missing permissions removing expired roles from %s in guild %s", sess.UserID, sess.GuildID)
		} else {
			log.Printf("timedrole: error removing expired roles from %s in guild %s: %v", sess.UserID, sess.GuildID, err)
		}
	}

	rec := sc.state.Record(sess.UserID, sess.GuildID)
	elapsed := sc.state.ReturnRoles(sess.UserID, sess.GuildID)
	log.Printf("timedrole: expired session for %s in guild %s, settled %.1fs", sess.UserID, sess.GuildID, elapsed)

	if sc.archiver != nil && rec.LastClaimTimestamp != nil {
		sc.archiver.ArchiveSession(Settlement{
			SessionID:      rec.SessionID,
			UserID:         sess.UserID,
			GuildID:        sess.GuildID,
			RoleIDs:        held,
			StartedAt:      *rec.LastClaimTimestamp,
			EndedAt:        sc.now(),
			ElapsedSeconds: elapsed,
			Cause:          "expired",
		})
	}
}
