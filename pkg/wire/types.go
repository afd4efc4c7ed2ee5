// Package wire defines the JSON shapes exchanged with the chat service: the
// request/response payloads and the server-pushed events.
package wire

import (
	"io"
	"time"
)

type User struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	AvatarURL  string         `json:"avatar_url,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type Room struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	CreatedByID   string         `json:"created_by_id,omitempty"`
	Private       bool           `json:"private"`
	CustomData    map[string]any `json:"custom_data,omitempty"`
	MemberUserIDs []string       `json:"member_user_ids,omitempty"`
	UnreadCount   int            `json:"unread_count,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
}

type Cursor struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	Position   int64     `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
	CursorType int       `json:"cursor_type"`
}

type PresenceState struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

// Part is a message part as sent by the server. Exactly one of Content, URL
// and Attachment is set.
type Part struct {
	Type       string      `json:"type"`
	Content    *string     `json:"content,omitempty"`
	URL        *string     `json:"url,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type Attachment struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	CustomData  map[string]any `json:"custom_data,omitempty"`
	DownloadURL string         `json:"download_url,omitempty"`
	Expiration  *time.Time     `json:"expiration,omitempty"`
}

type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InitialState is what the service returns when a session starts.
type InitialState struct {
	CurrentUser User     `json:"current_user"`
	Rooms       []Room   `json:"rooms"`
	Cursors     []Cursor `json:"cursors"`
}

// RoomState is the authoritative state of one room, fetched on subscribe and
// on resync.
type RoomState struct {
	Room     Room            `json:"room"`
	Users    []User          `json:"users"`
	Presence []PresenceState `json:"presence"`
	Cursors  []Cursor        `json:"cursors"`
}

type Direction string

const (
	DirectionOlder Direction = "older"
	DirectionNewer Direction = "newer"
)

// FetchMessagesRequest asks for a page of messages. InitialID 0 means "start
// from the newest message".
type FetchMessagesRequest struct {
	RoomID    string    `json:"room_id"`
	InitialID int64     `json:"initial_id,omitempty"`
	Limit     int       `json:"limit"`
	Direction Direction `json:"direction"`
}

type AttachmentRef struct {
	ID string `json:"id"`
}

type OutgoingPart struct {
	Type       string         `json:"type"`
	Content    *string        `json:"content,omitempty"`
	URL        *string        `json:"url,omitempty"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
}

// Upload carries the bytes of an attachment to the storage service.
type Upload struct {
	Type       string
	Name       string
	Size       int64
	CustomData map[string]any
	Body       io.Reader
}

type ResolvedAttachment struct {
	URL    string    `json:"resource_link"`
	Expiry time.Time `json:"expiration"`
}
