package wire

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type EventName string

const (
	EventNewMessage      EventName = "new_message"
	EventMessageDeleted  EventName = "message_deleted"
	EventIsTyping        EventName = "is_typing"
	EventTypingStopped   EventName = "typing_stopped"
	EventUserJoined      EventName = "user_joined"
	EventUserLeft        EventName = "user_left"
	EventPresenceState   EventName = "presence_state"
	EventNewCursor       EventName = "new_cursor"
	EventAddedToRoom     EventName = "added_to_room"
	EventRemovedFromRoom EventName = "removed_from_room"
	EventRoomUpdated     EventName = "room_updated"
	EventRoomDeleted     EventName = "room_deleted"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event is one server-pushed event. The set of implementations is closed.
type Event interface {
	Name() EventName
	isEvent()
}

// RoomScoped is implemented by events that belong to one room's ordered stream.
type RoomScoped interface {
	Event
	Room() string
}

type NewMessage struct {
	Message Message `json:"message"`
	// Sender is optional; when present it refreshes the sender's record.
	Sender *User `json:"sender,omitempty"`
}

type MessageDeleted struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

type IsTyping struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type TypingStopped struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type UserJoined struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	User   *User  `json:"user,omitempty"`
}

type UserLeft struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type PresenceChanged struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

type NewCursor struct {
	Cursor Cursor `json:"cursor"`
}

type AddedToRoom struct {
	Room  Room   `json:"room"`
	Users []User `json:"users,omitempty"`
}

type RemovedFromRoom struct {
	RoomID string `json:"room_id"`
}

type RoomUpdated struct {
	Room Room `json:"room"`
}

type RoomDeleted struct {
	RoomID string `json:"room_id"`
}

func (NewMessage) Name() EventName      { return EventNewMessage }
func (MessageDeleted) Name() EventName  { return EventMessageDeleted }
func (IsTyping) Name() EventName        { return EventIsTyping }
func (TypingStopped) Name() EventName   { return EventTypingStopped }
func (UserJoined) Name() EventName      { return EventUserJoined }
func (UserLeft) Name() EventName        { return EventUserLeft }
func (PresenceChanged) Name() EventName { return EventPresenceState }
func (NewCursor) Name() EventName       { return EventNewCursor }
func (AddedToRoom) Name() EventName     { return EventAddedToRoom }
func (RemovedFromRoom) Name() EventName { return EventRemovedFromRoom }
func (RoomUpdated) Name() EventName     { return EventRoomUpdated }
func (RoomDeleted) Name() EventName     { return EventRoomDeleted }

func (NewMessage) isEvent()      {}
func (MessageDeleted) isEvent()  {}
func (IsTyping) isEvent()        {}
func (TypingStopped) isEvent()   {}
func (UserJoined) isEvent()      {}
func (UserLeft) isEvent()        {}
func (PresenceChanged) isEvent() {}
func (NewCursor) isEvent()       {}
func (AddedToRoom) isEvent()     {}
func (RemovedFromRoom) isEvent() {}
func (RoomUpdated) isEvent()     {}
func (RoomDeleted) isEvent()     {}

func (e NewMessage) Room() string     { return e.Message.RoomID }
func (e MessageDeleted) Room() string { return e.RoomID }
func (e IsTyping) Room() string       { return e.RoomID }
func (e TypingStopped) Room() string  { return e.RoomID }
func (e UserJoined) Room() string     { return e.RoomID }
func (e UserLeft) Room() string       { return e.RoomID }
func (e NewCursor) Room() string      { return e.Cursor.RoomID }

type envelope struct {
	EventName EventName       `json:"event_name"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode wraps ev in the event envelope.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("wire: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "wire: marshal %s", ev.Name())
	}
	return json.Marshal(envelope{EventName: ev.Name(), Timestamp: time.Now().UTC(), Data: data})
}

// Decode parses an event envelope. Unknown event names return an error
// wrapping ErrUnknownEvent so that callers can skip them.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "wire: decode envelope")
	}
	var ev Event
	var err error
	switch env.EventName {
	case EventNewMessage:
		ev, err = decodeAs[NewMessage](env.Data)
	case EventMessageDeleted:
		ev, err = decodeAs[MessageDeleted](env.Data)
	case EventIsTyping:
		ev, err = decodeAs[IsTyping](env.Data)
	case EventTypingStopped:
		ev, err = decodeAs[TypingStopped](env.Data)
	case EventUserJoined:
		ev, err = decodeAs[UserJoined](env.Data)
	case EventUserLeft:
		ev, err = decodeAs[UserLeft](env.Data)
	case EventPresenceState:
		ev, err = decodeAs[PresenceChanged](env.Data)
	case EventNewCursor:
		ev, err = decodeAs[NewCursor](env.Data)
	case EventAddedToRoom:
		ev, err = decodeAs[AddedToRoom](env.Data)
	case EventRemovedFromRoom:
		ev, err = decodeAs[RemovedFromRoom](env.Data)
	case EventRoomUpdated:
		ev, err = decodeAs[RoomUpdated](env.Data)
	case EventRoomDeleted:
		ev, err = decodeAs[RoomDeleted](env.Data)
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "wire: %q", env.EventName)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "wire: decode %s", env.EventName)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
