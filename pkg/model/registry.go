package model

import (
	"sort"
	"sync"
)

// Registry is the per-session arena of canonical users and rooms.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		users: map[string]*User{},
		rooms: map[string]*Room{},
	}
}

// UpsertUser merges u into the canonical record. Presence is owned by the
// presence tracker and is never overwritten here; new users start offline.
func (r *Registry) UpsertUser(u User) User {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.users[u.ID]
	if !ok {
		u.Presence = PresenceOffline
		r.users[u.ID] = &u
		return u
	}
	presence := existing.Presence
	*existing = u
	existing.Presence = presence
	return *existing
}

// EnsureUser registers a placeholder for an ID that has not been seen yet.
func (r *Registry) EnsureUser(id string) User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return *u
	}
	u := &User{ID: id, Presence: PresenceOffline}
	r.users[id] = u
	return *u
}

func (r *Registry) User(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Users returns every known user, sorted by ID.
func (r *Registry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]User, 0, len(r.users))
	for _, u := range r.users {
		ret = append(ret, *u)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// SetPresence stores p and returns the previous value. Unknown users are
// created on the fly and reported as previously offline.
func (r *Registry) SetPresence(userID string, p Presence) Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		u = &User{ID: userID, Presence: PresenceOffline}
		r.users[userID] = u
	}
	prev := u.Presence
	if prev == "" {
		prev = PresenceOffline
	}
	u.Presence = p
	return prev
}

// UpsertRoom replaces the room metadata. A nil UserIDs keeps the current
// membership, which lets room-updated events leave members alone.
func (r *Registry) UpsertRoom(room Room) Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room.UserIDs == nil {
		if existing, ok := r.rooms[room.ID]; ok {
			room.UserIDs = existing.UserIDs
		}
	}
	room = room.clone()
	sort.Strings(room.UserIDs)
	room.UserIDs = compactStrings(room.UserIDs)
	r.rooms[room.ID] = &room
	return room.clone()
}

func (r *Registry) RemoveRoom(id string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	delete(r.rooms, id)
	return room.clone(), true
}

func (r *Registry) Room(id string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	return room.clone(), true
}

// Rooms returns every known room, sorted by ID.
func (r *Registry) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		ret = append(ret, room.clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// AddMember reports whether the membership changed.
func (r *Registry) AddMember(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	i := sort.SearchStrings(room.UserIDs, userID)
	if i < len(room.UserIDs) && room.UserIDs[i] == userID {
		return false
	}
	room.UserIDs = append(room.UserIDs, "")
	copy(room.UserIDs[i+1:], room.UserIDs[i:])
	room.UserIDs[i] = userID
	return true
}

// RemoveMember reports whether the membership changed.
func (r *Registry) RemoveMember(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	i := sort.SearchStrings(room.UserIDs, userID)
	if i >= len(room.UserIDs) || room.UserIDs[i] != userID {
		return false
	}
	room.UserIDs = append(room.UserIDs[:i], room.UserIDs[i+1:]...)
	return true
}

// RoomsOf returns the IDs of the rooms userID is a member of, sorted.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, room := range r.rooms {
		if room.HasMember(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TouchRoom moves LastMessageAt forward when the message is newer.
func (r *Registry) TouchRoom(roomID string, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if m.CreatedAt.After(room.LastMessageAt) {
		room.LastMessageAt = m.CreatedAt
	}
}

func compactStrings(s []string) []string {
	if len(s) < 2 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
