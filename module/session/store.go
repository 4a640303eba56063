package session

import (
	"encoding/json"
	"sync"

	"WProject/global"
	"WProject/logger"
	"WProject/tools/decode"
)

// Store is the single authoritative record of one role's identity, room
// binding and message log. All mutation goes through it; the UI layer only
// reads. Every mutation re-persists the snapshot; storage failures degrade
// to in-memory state and are never fatal.
type Store struct {
	role   Role
	tab    Storage // per-instance area
	shared Storage // cross-instance durable identity copy

	mu          sync.RWMutex
	identity    Identity
	binding     Binding
	log         *MessageLog
	resumeToken string

	// ephemeral presence, keyed by roomID (client) or clientID (operator);
	// never persisted, cleared on disconnect
	typing map[string]bool

	// operator roster caches
	active  map[string]Counterpart
	pending []RoomEntry
}

func NewStore(role Role, tab, shared Storage) *Store {
	return &Store{
		role:    role,
		tab:     tab,
		shared:  shared,
		binding: Binding{Status: StatusUnbound},
		log:     NewMessageLog(),
		typing:  make(map[string]bool),
		active:  make(map[string]Counterpart),
	}
}

func (s *Store) Role() Role { return s.role }

// Load populates in-memory state from storage. It prefers the instance
// snapshot and falls back to the shared identity record. Returns whether a
// usable identity was found.
func (s *Store) Load() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok, err := s.tab.Get(global.SnapshotKey(string(s.role))); err != nil {
		logger.Warnf("[store] %s snapshot read: %v", s.role, err)
	} else if ok {
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			logger.Warnf("[store] %s snapshot corrupt, starting empty: %v", s.role, err)
		} else {
			s.identity = snap.Identity
			s.binding = snap.Binding
			if s.binding.Status == "" {
				s.binding.Status = StatusUnbound
			}
			s.resumeToken = snap.ResumeToken
			s.log.restore(snap.Messages)
			s.active = make(map[string]Counterpart, len(snap.Active))
			for _, e := range snap.Active {
				s.active[e.RoomID] = e.Client
			}
			s.pending = append([]RoomEntry(nil), snap.Pending...)
			return s.identity.Usable()
		}
	}

	if raw, ok, err := s.shared.Get(global.IdentityKey(string(s.role))); err != nil {
		logger.Warnf("[store] %s shared identity read: %v", s.role, err)
	} else if ok {
		var rec sharedIdentity
		if err := json.Unmarshal(raw, &rec); err == nil && rec.Role == s.role {
			s.identity = Identity{ID: rec.ID, Name: rec.Name, Number: rec.Number}
		}
	}
	return s.identity.Usable()
}

// SetLocalIdentity records login-form input. A backend-confirmed ID is kept.
func (s *Store) SetLocalIdentity(name, number string, meta map[string]string) {
	s.mu.Lock()
	s.identity.Name = name
	s.identity.Number = number
	if len(meta) > 0 {
		s.identity.Meta = meta
	}
	s.persistLocked()
	s.mu.Unlock()
}

func (s *Store) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Store) Binding() Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.binding
	if b.Counterpart != nil {
		cp := *b.Counterpart
		b.Counterpart = &cp
	}
	return b
}

func (s *Store) Status() BindingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.binding.Status
}

func (s *Store) ResumeToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeToken
}

// ClearResumeToken drops a token the backend has rejected.
func (s *Store) ClearResumeToken() {
	s.mu.Lock()
	s.resumeToken = ""
	s.persistLocked()
	s.mu.Unlock()
}

// UpdateFromServerEvent merges a partial session update. A key absent from
// the event leaves the stored value untouched; a key explicitly null clears
// it. Returns whether anything changed.
func (s *Store) UpdateFromServerEvent(ev map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	identityChanged := false

	if v, err := decode.ReadString(ev, "id"); err == nil && v != "" && v != s.identity.ID {
		s.identity.ID = v
		changed, identityChanged = true, true
	}
	if v, err := decode.ReadString(ev, "name"); err == nil && v != "" && v != s.identity.Name {
		s.identity.Name = v
		changed, identityChanged = true, true
	}
	if v, err := decode.ReadString(ev, "number"); err == nil && v != "" && v != s.identity.Number {
		s.identity.Number = v
		changed, identityChanged = true, true
	}

	if raw, ok := ev["room_id"]; ok {
		room, _ := raw.(string) // null or non-string clears
		if room != s.binding.RoomID {
			s.binding.RoomID = room
			changed = true
		}
	}
	if raw, ok := ev["counterpart"]; ok {
		if raw == nil {
			if s.binding.Counterpart != nil {
				s.binding.Counterpart = nil
				changed = true
			}
		} else if m, isMap := raw.(map[string]any); isMap {
			cp, err := decode.Decode[Counterpart](m)
			if err != nil {
				logger.Warnf("[store] %s counterpart payload: %v", s.role, err)
			} else if s.binding.Counterpart == nil || *s.binding.Counterpart != *cp {
				s.binding.Counterpart = cp
				changed = true
			}
		}
	}
	if v, err := decode.ReadString(ev, "status"); err == nil {
		if st, ok := parseStatus(v); ok && st != s.binding.Status {
			s.binding.Status = st
			changed = true
		}
	}
	if v, err := decode.ReadInt64(ev, "queue_position"); err == nil && int(v) != s.binding.QueuePosition {
		s.binding.QueuePosition = int(v)
		changed = true
	}
	if v, err := decode.ReadString(ev, "resume_token"); err == nil && v != "" && v != s.resumeToken {
		s.resumeToken = v
		changed = true
	}

	if changed {
		s.persistLocked()
	}
	if identityChanged {
		s.persistSharedLocked()
	}
	return changed
}

func parseStatus(v string) (BindingStatus, bool) {
	switch BindingStatus(v) {
	case StatusUnbound, StatusQueued, StatusActive, StatusPaused, StatusClosed:
		return BindingStatus(v), true
	}
	return "", false
}

// RecordMessage merges one message into the log. Returns whether the log
// changed (duplicates are a no-op).
func (s *Store) RecordMessage(m Message) bool {
	return s.RecordMessages([]Message{m})
}

// RecordMessages merges an ordered batch into the log.
func (s *Store) RecordMessages(batch []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.log.RecordBatch(batch)
	if changed {
		s.persistLocked()
	}
	return changed
}

func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Messages()
}

func (s *Store) MessagesInRoom(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.InRoom(roomID)
}

// SetTyping updates ephemeral presence state. Last write wins.
func (s *Store) SetTyping(key string, v bool) {
	s.mu.Lock()
	if v {
		s.typing[key] = true
	} else {
		delete(s.typing, key)
	}
	s.mu.Unlock()
}

func (s *Store) Typing(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[key]
}

// ClearTyping drops all presence state (transport disconnect).
func (s *Store) ClearTyping() {
	s.mu.Lock()
	s.typing = make(map[string]bool)
	s.mu.Unlock()
}

// ApplyRoster replaces the operator's pending and active roster caches.
func (s *Store) ApplyRoster(pending, active []RoomEntry) {
	s.mu.Lock()
	s.pending = append([]RoomEntry(nil), pending...)
	s.active = make(map[string]Counterpart, len(active))
	for _, e := range active {
		s.active[e.RoomID] = e.Client
	}
	s.persistLocked()
	s.mu.Unlock()
}

// AddActiveRoom binds a client to the operator (room assignment).
func (s *Store) AddActiveRoom(e RoomEntry) {
	s.mu.Lock()
	s.active[e.RoomID] = e.Client
	for i, p := range s.pending {
		if p.RoomID == e.RoomID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.persistLocked()
	s.mu.Unlock()
}

// RemoveRoom drops a room from the active roster.
func (s *Store) RemoveRoom(roomID string) {
	s.mu.Lock()
	delete(s.active, roomID)
	s.persistLocked()
	s.mu.Unlock()
}

// RoomClient returns the client bound to a room, if any.
func (s *Store) RoomClient(roomID string) (Counterpart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.active[roomID]
	return c, ok
}

func (s *Store) ActiveRooms() []RoomEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomEntry, 0, len(s.active))
	for id, c := range s.active {
		out = append(out, RoomEntry{RoomID: id, Client: c})
	}
	return out
}

func (s *Store) PendingRooms() []RoomEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RoomEntry(nil), s.pending...)
}

// Persist serializes current state to the instance area.
func (s *Store) Persist() {
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
}

func (s *Store) persistLocked() {
	snap := snapshot{
		Identity:    s.identity,
		Binding:     s.binding,
		Messages:    s.log.Messages(),
		ResumeToken: s.resumeToken,
		Pending:     append([]RoomEntry(nil), s.pending...),
	}
	for id, c := range s.active {
		snap.Active = append(snap.Active, RoomEntry{RoomID: id, Client: c})
	}
	raw, err := json.Marshal(&snap)
	if err != nil {
		logger.Warnf("[store] %s snapshot marshal: %v", s.role, err)
		return
	}
	if err := s.tab.Put(global.SnapshotKey(string(s.role)), raw); err != nil {
		logger.Warnf("[store] %s snapshot write: %v", s.role, err)
	}
}

func (s *Store) persistSharedLocked() {
	rec := sharedIdentity{
		ID:     s.identity.ID,
		Name:   s.identity.Name,
		Number: s.identity.Number,
		Role:   s.role,
	}
	raw, err := json.Marshal(&rec)
	if err != nil {
		logger.Warnf("[store] %s shared identity marshal: %v", s.role, err)
		return
	}
	if err := s.shared.Put(global.IdentityKey(string(s.role)), raw); err != nil {
		logger.Warnf("[store] %s shared identity write: %v", s.role, err)
	}
}

// Clear resets to empty state and removes the persisted keys (logout).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = Identity{}
	s.binding = Binding{Status: StatusUnbound}
	s.log = NewMessageLog()
	s.resumeToken = ""
	s.typing = make(map[string]bool)
	s.active = make(map[string]Counterpart)
	s.pending = nil

	if err := s.tab.Delete(global.SnapshotKey(string(s.role))); err != nil {
		logger.Warnf("[store] %s snapshot delete: %v", s.role, err)
	}
	if err := s.shared.Delete(global.IdentityKey(string(s.role))); err != nil {
		logger.Warnf("[store] %s shared identity delete: %v", s.role, err)
	}
}
