// Package model holds the client-side view of a chat session: rooms, users,
// presence, read cursors and messages.
//
// Users and rooms are canonical per session and live in a Registry keyed by ID.
// Every structural reference between them (room membership, message sender,
// cursor owner) is an ID, never a pointer, and readers receive value copies.
package model

import (
	"sort"
	"time"

	"github.com/go-go-golems/chatsync/pkg/parts"
)

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// ParsePresence maps anything that is not "online" to offline.
func ParsePresence(s string) Presence {
	if Presence(s) == PresenceOnline {
		return PresenceOnline
	}
	return PresenceOffline
}

type PresenceChange struct {
	Previous Presence
	Current  Presence
}

type User struct {
	ID         string
	Name       string
	AvatarURL  string
	Presence   Presence
	CustomData map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Room struct {
	ID              string
	Name            string
	IsPrivate       bool
	CustomData      map[string]any
	CreatedByUserID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	UnreadCount     int
	LastMessageAt   time.Time
	// UserIDs is the membership set, sorted.
	UserIDs []string
}

func (r Room) HasMember(userID string) bool {
	i := sort.SearchStrings(r.UserIDs, userID)
	return i < len(r.UserIDs) && r.UserIDs[i] == userID
}

// CursorTypeRead is the only cursor type the service defines today.
const CursorTypeRead = 0

type Cursor struct {
	RoomID    string
	UserID    string
	Position  int64
	UpdatedAt time.Time
	Type      int
}

type Message struct {
	ID        int64
	SenderID  string
	RoomID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Parts     []parts.Part
}

func (r Room) clone() Room {
	r.UserIDs = append([]string(nil), r.UserIDs...)
	return r
}
