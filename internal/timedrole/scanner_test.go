package timedrole

import (
	"context"
	"testing"
	"time"
)

type roleCall struct {
	GuildID string
	UserID  string
	RoleIDs []string
	Reason  string
}

// fakeGateway is an in-memory stand-in for the Discord client.
type fakeGateway struct {
	members   map[string]*Member  // "guild:user"
	holders   map[string][]Member // "guild:role"
	adds      []roleCall
	removes   []roleCall
	addErr    map[string]error // "guild:user"
	removeErr map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members:   make(map[string]*Member),
		holders:   make(map[string][]Member),
		addErr:    make(map[string]error),
		removeErr: make(map[string]error),
	}
}

func (g *fakeGateway) putMember(guildID string, m Member) {
	g.members[guildID+":"+m.UserID] = &m
	for _, roleID := range m.Roles {
		key := guildID + ":" + roleID
		g.holders[key] = append(g.holders[key], m)
	}
}

func (g *fakeGateway) Member(guildID, userID string) (*Member, error) {
	m, ok := g.members[guildID+":"+userID]
	if !ok {
		return nil, nil
	}
	cp := Member{UserID: m.UserID, Roles: append([]string(nil), m.Roles...)}
	return &cp, nil
}

func (g *fakeGateway) AddRoles(guildID, userID string, roleIDs []string, reason string) error {
	if err := g.addErr[guildID+":"+userID]; err != nil {
		return err
	}
	g.adds = append(g.adds, roleCall{guildID, userID, roleIDs, reason})
	return nil
}

func (g *fakeGateway) RemoveRoles(guildID, userID string, roleIDs []string, reason string) error {
	if err := g.removeErr[guildID+":"+userID]; err != nil {
		return err
	}
	g.removes = append(g.removes, roleCall{guildID, userID, roleIDs, reason})
	return nil
}

func (g *fakeGateway) MembersWithRole(guildID, roleID string) ([]Member, error) {
	return g.holders[guildID+":"+roleID], nil
}

// fakeArchiver records what would have gone to the archive database.
type fakeArchiver struct {
	sessions []Settlement
	resets   []string
}

func (a *fakeArchiver) ArchiveSession(s Settlement) { a.sessions = append(a.sessions, s) }
func (a *fakeArchiver) ArchiveReset(guildID string, at time.Time, exempted, stripped int) {
	a.resets = append(a.resets, guildID)
}

func staticConfig(guilds map[string]GuildConfig) ConfigProvider {
	return func(guildID string) (GuildConfig, bool) {
		cfg, ok := guilds[guildID]
		return cfg, ok
	}
}

func newTestScanner(t *testing.T, cfg GuildConfig) (*ExpiryScanner, *State, *fakeClock, *fakeGateway, *fakeArchiver) {
	t.Helper()
	state, clock := newTestState(t)
	gw := newFakeGateway()
	arch := &fakeArchiver{}
	sc := NewExpiryScanner(state, gw, staticConfig(map[string]GuildConfig{"g1": cfg}), arch, time.Minute)
	sc.now = clock.Now
	return sc, state, clock, gw, arch
}

func TestScan_ExpiresExhaustedSession(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 900, TimedRoleIDs: []string{"111", "222"}}
	sc, state, clock, gw, arch := newTestScanner(t, cfg)

	gw.putMember("g1", Member{UserID: "u1", Roles: []string{"111", "999"}})
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(16 * time.Minute) // 960s elapsed >= 900s budget

	sc.Scan(context.Background())

	if len(gw.removes) != 1 {
		t.Fatalf("removes = %d calls, want 1", len(gw.removes))
	}
	call := gw.removes[0]
	if call.UserID != "u1" || len(call.RoleIDs) != 1 || call.RoleIDs[0] != "111" {
		t.Errorf("removed %v from %s, want [111] from u1", call.RoleIDs, call.UserID)
	}
	if call.Reason != "timed role expired" {
		t.Errorf("reason = %q", call.Reason)
	}

	rec := state.Record("u1", "g1")
	if rec.Active() {
		t.Error("session should be settled after expiry")
	}
	if rec.UsedSeconds != 960 {
		t.Errorf("UsedSeconds = %v, want 960", rec.UsedSeconds)
	}

	if len(arch.sessions) != 1 || arch.sessions[0].Cause != "expired" {
		t.Errorf("archived sessions = %+v, want one with cause expired", arch.sessions)
	}
}

func TestScan_LeavesSessionsWithBudget(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 3600, TimedRoleIDs: []string{"111"}}
	sc, state, clock, gw, _ := newTestScanner(t, cfg)

	gw.putMember("g1", Member{UserID: "u1", Roles: []string{"111"}})
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(10 * time.Minute)

	sc.Scan(context.Background())

	if len(gw.removes) != 0 {
		t.Errorf("removes = %d calls, want 0", len(gw.removes))
	}
	if !state.Record("u1", "g1").Active() {
		t.Error("session with remaining budget must stay active")
	}
}

func TestScan_UnresolvableMemberClearsUnbilled(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 60, TimedRoleIDs: []string{"111"}}
	sc, state, clock, gw, arch := newTestScanner(t, cfg)

	// No member registered in the gateway
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(5 * time.Minute)

	sc.Scan(context.Background())

	rec := state.Record("u1", "g1")
	if rec.Active() {
		t.Error("unverifiable session should be cleared")
	}
	if rec.UsedSeconds != 0 {
		t.Errorf("UsedSeconds = %v, want 0 (never bill unverifiable time)", rec.UsedSeconds)
	}
	if len(gw.removes) != 0 {
		t.Error("no role mutation expected for unresolvable member")
	}
	if len(arch.sessions) != 0 {
		t.Error("unbilled sessions must not be archived")
	}
}

func TestScan_MemberAlreadyLostRoles(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 60, TimedRoleIDs: []string{"111"}}
	sc, state, clock, gw, _ := newTestScanner(t, cfg)

	gw.putMember("g1", Member{UserID: "u1", Roles: []string{"999"}}) // timed role gone out of band
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(5 * time.Minute)

	sc.Scan(context.Background())

	rec := state.Record("u1", "g1")
	if rec.Active() || rec.UsedSeconds != 0 {
		t.Errorf("record = %+v, want idle and unbilled", rec)
	}
	if len(gw.removes) != 0 {
		t.Error("nothing to remove when the member already lacks the roles")
	}
}

func TestScan_RemoveFailureStillSettles(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 60, TimedRoleIDs: []string{"111"}}
	sc, state, clock, gw, _ := newTestScanner(t, cfg)

	gw.putMember("g1", Member{UserID: "u1", Roles: []string{"111"}})
	gw.removeErr["g1:u1"] = ErrForbidden
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(2 * time.Minute)

	sc.Scan(context.Background())

	rec := state.Record("u1", "g1")
	if rec.Active() {
		t.Error("ledger must settle even when the role removal fails")
	}
	if rec.UsedSeconds != 120 {
		t.Errorf("UsedSeconds = %v, want 120", rec.UsedSeconds)
	}
}

func TestScan_RemovesOnlyHeldRoles(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 60, TimedRoleIDs: []string{"111", "222"}}
	sc, state, clock, gw, _ := newTestScanner(t, cfg)

	gw.putMember("g1", Member{UserID: "u1", Roles: []string{"222"}})
	state.Claim("u1", "g1", []string{"111", "222"})
	clock.Advance(2 * time.Minute)

	sc.Scan(context.Background())

	if len(gw.removes) != 1 {
		t.Fatalf("removes = %d calls, want 1", len(gw.removes))
	}
	if got := gw.removes[0].RoleIDs; len(got) != 1 || got[0] != "222" {
		t.Errorf("removed %v, want only the held role [222]", got)
	}
}

func TestScan_PermanentGuildHealsUsage(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 60, TimedRoleIDs: []string{"111"}, Permanent: true}
	sc, state, clock, gw, _ := newTestScanner(t, cfg)

	gw.putMember("g1", Member{UserID: "u1", Roles: []string{"111"}})

	// Accumulate usage from a previous session, then hold again
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(5 * time.Minute)
	state.ReturnRoles("u1", "g1")
	state.Claim("u1", "g1", []string{"111"})
	clock.Advance(time.Hour)

	sc.Scan(context.Background())

	rec := state.Record("u1", "g1")
	if !rec.Active() {
		t.Error("permanent guild sessions never expire")
	}
	if rec.UsedSeconds != 0 {
		t.Errorf("UsedSeconds = %v, want 0 (healed)", rec.UsedSeconds)
	}
	if len(gw.removes) != 0 {
		t.Error("no roles removed in a permanent guild")
	}
}

func TestScan_UnconfiguredGuildSkipped(t *testing.T) {
	cfg := GuildConfig{DailyLimitSeconds: 60, TimedRoleIDs: []string{"111"}}
	sc, state, clock, gw, _ := newTestScanner(t, cfg)

	state.Claim("u1", "g-unknown", []string{"111"})
	clock.Advance(time.Hour)

	sc.Scan(context.Background())

	if !state.Record("u1", "g-unknown").Active() {
		t.Error("sessions in unconfigured guilds are left alone")
	}
	if len(gw.removes) != 0 {
		t.Error("no mutations for unconfigured guilds")
	}
}
