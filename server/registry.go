package main

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// Session is a logged-in client's server-side state (C1). It is created on
// successful login and destroyed on TCP disconnect.
type Session struct {
	UID      uint32
	Nick     string
	Room     string
	Muted    bool
	Deafened bool
	Avatar   string

	Streaming bool
	Presence  Presence

	conn net.Conn // TCP control connection, owned by this session's handler

	// mu guards the mutable fields above that are touched from both the
	// session's own control-reader goroutine and the control processor's
	// cross-session broadcasts (rename, status updates).
	mu sync.Mutex
}

// Presence is the user-settable status shown to other room members.
type Presence struct {
	Icon string
	Text string
}

// Registry is the server's client registry (C1): uid -> *Session. A uid
// belongs to at most one room; Registry.RoomOf(uid) reads that session's
// Room field directly, so the two never disagree.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session)}
}

// NewUID allocates a fresh 32-bit uid, retrying on collision against the
// live registry. Spec leaves uid collision handling to the implementer
// (§9 Open Questions); the source itself does not dedupe.
func (r *Registry) NewUID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		uid := uuid.New().ID()
		if uid == 0 {
			continue
		}
		if _, exists := r.sessions[uid]; !exists {
			return uid
		}
	}
}

// Add registers a new session under its uid.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.UID] = s
	r.mu.Unlock()
}

// Remove deletes a session by uid.
func (r *Registry) Remove(uid uint32) {
	r.mu.Lock()
	delete(r.sessions, uid)
	r.mu.Unlock()
}

// Get returns the session for uid, if present.
func (r *Registry) Get(uid uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uid]
	return s, ok
}

// RoomOf returns the room name for uid, or "" if unknown.
func (r *Registry) RoomOf(uid uint32) string {
	r.mu.RLock()
	s, ok := r.sessions[uid]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Room
}

// RoomMembers returns the uids currently in room, excluding except (0 to
// exclude nobody).
func (r *Registry) RoomMembers(room string, except uint32) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint32
	for uid, s := range r.sessions {
		if uid == except {
			continue
		}
		s.mu.Lock()
		inRoom := s.Room == room
		s.mu.Unlock()
		if inRoom {
			out = append(out, uid)
		}
	}
	return out
}

// RoomSize returns the number of sessions currently in room.
func (r *Registry) RoomSize(room string) int {
	return len(r.RoomMembers(room, 0))
}

// SetRoom moves uid's session into room, updating both the session and the
// registry's view atomically with respect to other RoomOf/RoomMembers calls.
func (r *Registry) SetRoom(uid uint32, room string) {
	r.mu.RLock()
	s, ok := r.sessions[uid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.Room = room
	s.mu.Unlock()
}

// Snapshot returns a shallow copy of all sessions, for broadcast fan-out.
// Callers must release the registry lock (this does so) before performing
// any I/O with the returned sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
