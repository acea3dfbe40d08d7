package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user_data.json")
	return New(path, 10*time.Millisecond), path
}

func waitForFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
	return nil
}

func TestNew_MissingFile(t *testing.T) {
	s, _ := newTestStore(t)

	rec := s.Record("1", "2")
	if rec.UsedSeconds != 0 {
		t.Errorf("UsedSeconds = %v, want 0", rec.UsedSeconds)
	}
	if rec.Active() {
		t.Error("fresh record should not be active")
	}
	if !s.LastReset().IsZero() {
		t.Errorf("LastReset = %v, want zero", s.LastReset())
	}
}

func TestNew_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_data.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(path, 10*time.Millisecond)
	if got := len(s.ActiveSessions()); got != 0 {
		t.Errorf("ActiveSessions() on corrupt file = %d entries, want 0", got)
	}
}

func TestNew_ClearsStaleTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_data.json")
	content := `{"users":{"1":{"2":{"used_seconds":10,"current_timed_roles":[],"last_claim_timestamp":"2024-05-01T08:00:00+08:00"}}}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(path, 10*time.Millisecond)
	rec := s.Record("1", "2")
	if rec.LastClaimTimestamp != nil {
		t.Error("stale claim timestamp without roles should have been cleared on load")
	}
	if rec.UsedSeconds != 10 {
		t.Errorf("UsedSeconds = %v, want 10", rec.UsedSeconds)
	}
}

func TestUpdateAndRecordRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	now := time.Now()
	s.Update("1", "2", func(r *Record) {
		r.UsedSeconds = 42.5
		r.CurrentTimedRoles = []string{"111", "222"}
		r.LastClaimTimestamp = &now
	})

	rec := s.Record("1", "2")
	if rec.UsedSeconds != 42.5 {
		t.Errorf("UsedSeconds = %v, want 42.5", rec.UsedSeconds)
	}
	if len(rec.CurrentTimedRoles) != 2 {
		t.Fatalf("CurrentTimedRoles = %v, want 2 roles", rec.CurrentTimedRoles)
	}

	// The returned copy must not alias the live document
	rec.CurrentTimedRoles[0] = "mutated"
	if got := s.Record("1", "2").CurrentTimedRoles[0]; got != "111" {
		t.Errorf("live document mutated through a returned copy: %s", got)
	}
}

func TestSave_DebouncedWrite(t *testing.T) {
	s, path := newTestStore(t)

	s.Update("1", "2", func(r *Record) { r.UsedSeconds = 7 })
	s.Save(false)
	s.Save(false)
	s.Save(false)

	data := waitForFile(t, path)
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("written file is not valid JSON: %v", err)
	}
	if doc.Users["1"]["2"].UsedSeconds != 7 {
		t.Errorf("persisted UsedSeconds = %v, want 7", doc.Users["1"]["2"].UsedSeconds)
	}
}

func TestSave_EmptyRolesMarshalAsList(t *testing.T) {
	s, path := newTestStore(t)

	s.Update("1", "2", func(r *Record) { r.UsedSeconds = 1 })
	s.Save(true)

	data := waitForFile(t, path)
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	rec := raw["users"].(map[string]any)["1"].(map[string]any)["2"].(map[string]any)
	if _, ok := rec["current_timed_roles"].([]any); !ok {
		t.Errorf("current_timed_roles = %v, want a JSON list", rec["current_timed_roles"])
	}
}

func TestClose_FlushesPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_data.json")
	s := New(path, time.Hour) // debounce far in the future

	s.Update("1", "2", func(r *Record) { r.UsedSeconds = 99 })
	s.Save(false)
	s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Close did not flush: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Users["1"]["2"].UsedSeconds != 99 {
		t.Errorf("persisted UsedSeconds = %v, want 99", doc.Users["1"]["2"].UsedSeconds)
	}
}

func TestDelete_PrunesEmptyUser(t *testing.T) {
	s, _ := newTestStore(t)

	s.Update("1", "2", func(r *Record) { r.CurrentTimedRoles = []string{"111"} })
	s.Update("1", "3", func(r *Record) { r.UsedSeconds = 5 })

	s.Delete("1", "2")
	if len(s.GuildRecords("2")) != 0 {
		t.Error("record for guild 2 should be gone")
	}
	if len(s.GuildRecords("3")) != 1 {
		t.Error("record for guild 3 should survive")
	}

	s.Delete("1", "3")
	if got := len(s.ActiveSessions()); got != 0 {
		t.Errorf("ActiveSessions() = %d entries after full delete, want 0", got)
	}
}

func TestActiveSessions_SnapshotIsIndependent(t *testing.T) {
	s, _ := newTestStore(t)

	now := time.Now()
	s.Update("1", "2", func(r *Record) {
		r.CurrentTimedRoles = []string{"111"}
		r.LastClaimTimestamp = &now
	})
	s.Update("9", "2", func(r *Record) { r.UsedSeconds = 3 }) // idle, excluded

	sessions := s.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("ActiveSessions() = %d entries, want 1", len(sessions))
	}

	// Mutating the store must not affect the snapshot already taken
	s.Update("1", "2", func(r *Record) { r.CurrentTimedRoles = []string{} })
	if got := sessions[0].RoleIDs[0]; got != "111" {
		t.Errorf("snapshot changed under us: %s", got)
	}
}

func TestLastReset_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_data.json")
	s := New(path, 10*time.Millisecond)

	reset := time.Date(2024, 5, 1, 16, 0, 0, 0, time.FixedZone("UTC+8", 8*3600))
	s.SetLastReset(reset)
	s.Save(true)
	s.Close()

	reloaded := New(path, 10*time.Millisecond)
	if !reloaded.LastReset().Equal(reset) {
		t.Errorf("LastReset after reload = %v, want %v", reloaded.LastReset(), reset)
	}
}
