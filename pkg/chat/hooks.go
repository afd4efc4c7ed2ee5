package chat

import (
	"github.com/go-go-golems/chatsync/pkg/model"
)

// ConnectionHooks receive events that no room subscription claims. Room
// lifecycle hooks are always global. Typing, membership and cursor hooks fire
// here only for rooms without a live subscription, and OnPresenceChanged only
// for users who share no live-subscribed room with the current user.
//
// Every hook runs on the session's event loop. A hook must not block on
// another operation of the same session that waits for the loop.
type ConnectionHooks struct {
	OnAddedToRoom       func(room model.Room)
	OnRemovedFromRoom   func(room model.Room)
	OnRoomUpdated       func(room model.Room)
	OnRoomDeleted       func(roomID string)
	OnUserStartedTyping func(room model.Room, user model.User)
	OnUserStoppedTyping func(room model.Room, user model.User)
	OnUserJoinedRoom    func(room model.Room, user model.User)
	OnUserLeftRoom      func(room model.Room, user model.User)
	OnPresenceChanged   func(change model.PresenceChange, user model.User)
	OnNewReadCursor     func(cursor model.Cursor)
}

// RoomHooks receive the events of one subscribed room, in server order.
type RoomHooks struct {
	OnMessage           func(message model.Message)
	OnMessageDeleted    func(messageID int64)
	OnUserStartedTyping func(user model.User)
	OnUserStoppedTyping func(user model.User)
	OnUserJoined        func(user model.User)
	OnUserLeft          func(user model.User)
	OnPresenceChanged   func(change model.PresenceChange, user model.User)
	OnNewReadCursor     func(cursor model.Cursor)
}
