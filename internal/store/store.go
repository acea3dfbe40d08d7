package store

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDebounce is the delay during which successive Save calls coalesce
// into a single disk write.
const DefaultDebounce = time.Second

// Store owns the persisted timed-role document. All reads hand out copies and
// all writes go through Update, so no caller ever holds a reference into the
// live document across a blocking call.
type Store struct {
	path     string
	debounce time.Duration

	mu    sync.Mutex
	doc   *Document
	dirty bool
	timer *time.Timer
}

// New loads the document at path, or starts fresh if the file is missing or
// unreadable. A missing file is not an error: state can be rebuilt from live
// Discord data, so availability wins over strict durability here.
func New(path string, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &Store{path: path, debounce: debounce}
	s.load()
	return s
}

func (s *Store) load() {
	doc := &Document{Users: make(map[string]map[string]*Record)}

	data, err := os.ReadFile(s.path)
	if err == nil {
		if err := json.Unmarshal(data, doc); err != nil {
			log.Printf("store: cannot parse %s, starting with empty state: %v", s.path, err)
			doc = &Document{Users: make(map[string]map[string]*Record)}
		}
	} else if !os.IsNotExist(err) {
		log.Printf("store: cannot read %s, starting with empty state: %v", s.path, err)
	}

	if doc.Users == nil {
		doc.Users = make(map[string]map[string]*Record)
	}
	for _, guilds := range doc.Users {
		for _, rec := range guilds {
			rec.normalize()
		}
	}
	s.doc = doc
}

// Record returns a copy of the record for (userID, guildID), or a zero record
// if none exists yet. Absence of data is never an error.
func (s *Store) Record(userID, guildID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if guilds, ok := s.doc.Users[userID]; ok {
		if rec, ok := guilds[guildID]; ok {
			return rec.clone()
		}
	}
	return Record{CurrentTimedRoles: []string{}}
}

// Update applies fn to the record for (userID, guildID), creating a zero
// record first if needed. The caller is expected to follow up with Save.
func (s *Store) Update(userID, guildID string, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guilds, ok := s.doc.Users[userID]
	if !ok {
		guilds = make(map[string]*Record)
		s.doc.Users[userID] = guilds
	}
	rec, ok := guilds[guildID]
	if !ok {
		rec = &Record{CurrentTimedRoles: []string{}}
		guilds[guildID] = rec
	}
	fn(rec)
	rec.normalize()
}

// Delete removes the record for (userID, guildID) and prunes the user entry
// once it has no guild records left.
func (s *Store) Delete(userID, guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guilds, ok := s.doc.Users[userID]
	if !ok {
		return
	}
	delete(guilds, guildID)
	if len(guilds) == 0 {
		delete(s.doc.Users, userID)
	}
}

// ActiveSessions returns a point-in-time snapshot of every user-guild pair
// currently mid-session. Callers may block between entries without racing
// the live document; each entry must be re-validated before acting on it.
func (s *Store) ActiveSessions() []ActiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []ActiveSession
	for userID, guilds := range s.doc.Users {
		for guildID, rec := range guilds {
			if rec.Active() {
				sessions = append(sessions, ActiveSession{
					UserID:  userID,
					GuildID: guildID,
					RoleIDs: append([]string(nil), rec.CurrentTimedRoles...),
				})
			}
		}
	}
	return sessions
}

// GuildRecords returns copies of every record belonging to guildID, keyed by
// user ID.
func (s *Store) GuildRecords(guildID string) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]Record)
	for userID, guilds := range s.doc.Users {
		if rec, ok := guilds[guildID]; ok {
			records[userID] = rec.clone()
		}
	}
	return records
}

// LastReset returns the timestamp of the most recent daily reset. The zero
// time means no reset has ever run.
func (s *Store) LastReset() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastReset
}

// SetLastReset records the reset timestamp. It does not save; reset callers
// issue a forced Save once the whole batch is adjusted.
func (s *Store) SetLastReset(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastReset = t
}

// Save marks the document dirty and schedules a debounced write. Repeated
// calls within the debounce window coalesce into one write. force guarantees
// a write is scheduled, cancelling and rescheduling any pending one.
func (s *Store) Save(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty = true
	if force || s.timer == nil {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timer = time.AfterFunc(s.debounce, s.flush)
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	s.writeLocked()
}

// writeLocked serializes the document to disk. On failure the document stays
// dirty so the next Save retries. Callers must hold s.mu.
func (s *Store) writeLocked() {
	if !s.dirty {
		return
	}
	if err := s.write(); err != nil {
		log.Printf("store: error writing %s: %v", s.path, err)
		return
	}
	s.dirty = false
}

// write performs an atomic tmp-and-rename write of the current document.
func (s *Store) write() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Close cancels any pending debounced write and performs one final
// synchronous flush so a graceful shutdown loses nothing.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.writeLocked()
}
