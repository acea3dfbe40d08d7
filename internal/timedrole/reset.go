package timedrole

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// ResetTickInterval is how often the coordinator checks whether any guild's
// reset instant has passed. Minute granularity matches the precision of the
// configured reset hour.
const ResetTickInterval = time.Minute

// ResetCoordinator fires each guild's daily reset: usage returns to zero,
// users mid-session keep their roles on a fresh clock, and everyone else
// holding a timed role gets stripped.
type ResetCoordinator struct {
	state    *State
	gateway  Gateway
	guildCfg ConfigProvider
	guildIDs []string
	archiver Archiver
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewResetCoordinator builds a coordinator over the configured guilds.
// archiver may be nil.
func NewResetCoordinator(state *State, gw Gateway, guildCfg ConfigProvider, guildIDs []string, archiver Archiver) *ResetCoordinator {
	return &ResetCoordinator{
		state:    state,
		gateway:  gw,
		guildCfg: guildCfg,
		guildIDs: guildIDs,
		archiver: archiver,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		now:      func() time.Time { return time.Now().In(UTC8) },
	}
}

// Run polls for due resets until ctx is cancelled.
func (c *ResetCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(ResetTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick resets every guild whose reset instant has passed since the last
// recorded reset. The "instant > last reset" comparison is what keeps a
// minute-granularity poll from firing twice in the same day.
func (c *ResetCoordinator) Tick(ctx context.Context) {
	now := c.now()
	lastReset := c.state.LastReset()

	var due []string
	for _, guildID := range c.guildIDs {
		cfg, ok := c.guildCfg(guildID)
		if !ok || cfg.Permanent {
			continue
		}
		instant := resetInstant(now, cfg.ResetHour)
		if !now.Before(instant) && instant.After(lastReset) {
			due = append(due, guildID)
		}
	}
	if len(due) == 0 {
		return
	}

	log.Printf("timedrole: daily reset due for %d guild(s)", len(due))
	c.ResetGuilds(ctx, now, due)
}

// ResetGuilds runs the reset for the given guilds right now. The admin
// force-reset command comes through here as well, so a forced reset and a
// scheduled one behave identically.
func (c *ResetCoordinator) ResetGuilds(ctx context.Context, now time.Time, guildIDs []string) {
	for _, guildID := range guildIDs {
		c.resetGuild(ctx, now, guildID)
	}
	c.state.CommitReset(now)
}

func (c *ResetCoordinator) resetGuild(ctx context.Context, now time.Time, guildID string) {
	cfg, ok := c.guildCfg(guildID)
	if !ok {
		return
	}

	// Exemption pass over the ledger. Active sessions survive the reset with
	// a fresh budget and a clock restarted at the reset boundary; idle
	// records are now pure zeroes and get dropped.
	exempt := make(map[string][]string)
	for userID, rec := range c.state.GuildRecords(guildID) {
		if rec.Active() {
			exempt[userID] = rec.CurrentTimedRoles
			c.state.RestartSession(userID, guildID, now)
		} else {
			c.state.DeleteRecord(userID, guildID)
		}
	}

	// Live role inventory. The ledger and Discord drift (manual admin role
	// edits), so who actually holds what comes from the gateway, not from
	// the ledger.
	holders := make(map[string][]string)
	for _, roleID := range cfg.TimedRoleIDs {
		members, err := c.gateway.MembersWithRole(guildID, roleID)
		if err != nil {
			log.Printf("timedrole: reset cannot list holders of role %s in guild %s: %v", roleID, guildID, err)
			continue
		}
		for _, m := range members {
			holders[m.UserID] = append(holders[m.UserID], roleID)
		}
	}

	// Reconciliation, exempt side: re-assert the ledger's role set so live
	// state matches what the ledger says the user holds.
	for userID, want := range exempt {
		missing := difference(want, holders[userID])
		if len(missing) == 0 {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.gateway.AddRoles(guildID, userID, missing, "timed role daily reset resync"); err != nil {
			log.Printf("timedrole: reset resync failed for %s in guild %s: %v", userID, guildID, err)
		}
	}

	// Reconciliation, everyone else: strip held timed roles and drop the
	// record. One member's failure never aborts the rest of the batch.
	stripped := 0
	for userID, held := range holders {
		if _, ok := exempt[userID]; ok {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.gateway.RemoveRoles(guildID, userID, held, "timed role daily reset"); err != nil {
			log.Printf("timedrole: reset strip failed for %s in guild %s: %v", userID, guildID, err)
		} else {
			stripped++
		}
		c.state.DeleteRecord(userID, guildID)
	}

	log.Printf("timedrole: reset guild %s: %d session(s) exempted, %d member(s) stripped", guildID, len(exempt), stripped)
	if c.archiver != nil {
		c.archiver.ArchiveReset(guildID, now, len(exempt), stripped)
	}
}

// resetInstant returns today's reset time for the given hour, in the ledger
// timezone of now.
func resetInstant(now time.Time, hour int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
}

// difference returns the elements of want that are absent from have.
func difference(want, have []string) []string {
	var missing []string
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, w)
		}
	}
	return missing
}
