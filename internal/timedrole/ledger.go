package timedrole

import (
	"time"

	"rolebot/internal/store"
)

// UTC8 is the guild-local timezone all ledger timestamps live in.
var UTC8 = time.FixedZone("UTC+8", 8*60*60)

// RemainingSeconds computes how many whole seconds of today's budget are left
// for a record. While a session is active the elapsed portion counts against
// the budget even though it has not been settled into UsedSeconds yet.
// Accumulation stays in float seconds; the result is floored and clamped at
// zero for display. Pure function, safe to call on every panel render.
func RemainingSeconds(rec store.Record, cfg GuildConfig, now time.Time) int {
	used := rec.UsedSeconds
	if rec.Active() && rec.LastClaimTimestamp != nil {
		used += now.Sub(*rec.LastClaimTimestamp).Seconds()
	}
	remaining := float64(cfg.DailyLimitSeconds) - used
	if remaining <= 0 {
		return 0
	}
	return int(remaining)
}

// UsedSeconds reports the total seconds consumed today, including the
// unsettled portion of an active session, clamped to the daily limit.
func UsedSeconds(rec store.Record, cfg GuildConfig, now time.Time) int {
	used := rec.UsedSeconds
	if rec.Active() && rec.LastClaimTimestamp != nil {
		used += now.Sub(*rec.LastClaimTimestamp).Seconds()
	}
	if limit := float64(cfg.DailyLimitSeconds); used > limit {
		used = limit
	}
	if used < 0 {
		return 0
	}
	return int(used)
}
