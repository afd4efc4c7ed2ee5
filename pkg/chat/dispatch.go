package chat

import (
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// dispatch runs on the loop. Events of a room whose subscription is still
// pending are parked on the subscription and replayed when it goes live.
func (s *session) dispatch(ev wire.Event) {
	if rs, ok := ev.(wire.RoomScoped); ok {
		s.flushReleased(rs.Room())
		if s.park(rs.Room(), ev) {
			return
		}
	}
	s.apply(ev)
}

func (s *session) park(roomID string, ev wire.Event) bool {
	sub := s.subscription(roomID)
	if sub == nil || sub.active.Load() || sub.Cancelled() {
		return false
	}
	sub.buffer = append(sub.buffer, parkedEvent{epoch: s.loop.current, ev: ev})
	return true
}

// flushReleased applies the events parked on subscriptions of roomID that were
// cancelled or failed before going live. Events from an earlier epoch are
// skipped; the resync after the reconnect covered them. A newer pending
// subscription of the room parks them again.
func (s *session) flushReleased(roomID string) {
	s.mu.Lock()
	subs := s.released[roomID]
	delete(s.released, roomID)
	s.mu.Unlock()
	for _, sub := range subs {
		buffered := sub.buffer
		sub.buffer = nil
		for _, p := range buffered {
			if p.epoch != s.loop.current {
				continue
			}
			if !s.park(roomID, p.ev) {
				s.apply(p.ev)
			}
		}
		if len(buffered) > 0 {
			s.log.Debug().Str("room_id", roomID).Str("subscription_id", sub.id).Int("released", len(buffered)).Msg("applied events of dropped subscription")
		}
	}
}

func (s *session) apply(ev wire.Event) {
	switch e := ev.(type) {
	case wire.NewMessage:
		s.onNewMessage(e)
	case wire.MessageDeleted:
		s.onMessageDeleted(e)
	case wire.IsTyping:
		s.typing.Start(e.RoomID, e.UserID)
	case wire.TypingStopped:
		s.typing.Stop(e.RoomID, e.UserID)
	case wire.UserJoined:
		s.onUserJoined(e)
	case wire.UserLeft:
		s.onUserLeft(e)
	case wire.PresenceChanged:
		if change, changed := s.presence.Apply(e.UserID, model.ParsePresence(e.State)); changed {
			s.deliverPresence(e.UserID, change)
		}
	case wire.NewCursor:
		s.onNewCursor(e)
	case wire.AddedToRoom:
		s.onAddedToRoom(e)
	case wire.RemovedFromRoom:
		s.removeRoom(e.RoomID, false)
	case wire.RoomUpdated:
		room := s.reg.UpsertRoom(toRoom(e.Room))
		if h := s.hooks.OnRoomUpdated; h != nil {
			s.callGlobal(func() { h(room) })
		}
	case wire.RoomDeleted:
		s.removeRoom(e.RoomID, true)
	default:
		s.log.Debug().Str("event", string(ev.Name())).Msg("ignoring event")
	}
}

func (s *session) onNewMessage(e wire.NewMessage) {
	if e.Sender != nil {
		s.reg.UpsertUser(toUser(*e.Sender))
	} else if e.Message.UserID != "" {
		s.reg.EnsureUser(e.Message.UserID)
	}
	msg, err := s.toMessage(e.Message)
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", e.Message.RoomID).Msg("dropping malformed message")
		return
	}
	s.reg.TouchRoom(msg.RoomID, msg)

	sub := s.liveSubscription(msg.RoomID)
	if sub == nil {
		return
	}
	if !s.timelines.Append(msg.RoomID, msg) {
		s.log.Debug().Int64("message_id", msg.ID).Str("room_id", msg.RoomID).Msg("duplicate message")
		return
	}
	if h := sub.hooks.OnMessage; h != nil {
		s.callRoom(sub, func() { h(msg) })
	}
}

func (s *session) onMessageDeleted(e wire.MessageDeleted) {
	sub := s.liveSubscription(e.RoomID)
	if sub == nil {
		return
	}
	s.timelines.Delete(e.RoomID, e.MessageID)
	if h := sub.hooks.OnMessageDeleted; h != nil {
		s.callRoom(sub, func() { h(e.MessageID) })
	}
}

func (s *session) onUserJoined(e wire.UserJoined) {
	var user model.User
	if e.User != nil {
		user = s.reg.UpsertUser(toUser(*e.User))
	} else {
		user = s.reg.EnsureUser(e.UserID)
	}
	if !s.reg.AddMember(e.RoomID, e.UserID) {
		return
	}
	if sub := s.liveSubscription(e.RoomID); sub != nil {
		if h := sub.hooks.OnUserJoined; h != nil {
			s.callRoom(sub, func() { h(user) })
		}
		return
	}
	if h := s.hooks.OnUserJoinedRoom; h != nil {
		room, _ := s.reg.Room(e.RoomID)
		s.callGlobal(func() { h(room, user) })
	}
}

func (s *session) onUserLeft(e wire.UserLeft) {
	if !s.reg.RemoveMember(e.RoomID, e.UserID) {
		return
	}
	// the leave notification supersedes a pending typing stop
	s.typing.Clear(e.RoomID, e.UserID)
	user := s.reg.EnsureUser(e.UserID)
	if sub := s.liveSubscription(e.RoomID); sub != nil {
		if h := sub.hooks.OnUserLeft; h != nil {
			s.callRoom(sub, func() { h(user) })
		}
		return
	}
	if h := s.hooks.OnUserLeftRoom; h != nil {
		room, _ := s.reg.Room(e.RoomID)
		s.callGlobal(func() { h(room, user) })
	}
}

func (s *session) onNewCursor(e wire.NewCursor) {
	c := toCursor(e.Cursor)
	s.cursors.Observe(c)
	if sub := s.liveSubscription(c.RoomID); sub != nil {
		if h := sub.hooks.OnNewReadCursor; h != nil {
			s.callRoom(sub, func() { h(c) })
		}
		return
	}
	if h := s.hooks.OnNewReadCursor; h != nil {
		s.callGlobal(func() { h(c) })
	}
}

func (s *session) onAddedToRoom(e wire.AddedToRoom) {
	for _, u := range e.Users {
		s.reg.UpsertUser(toUser(u))
	}
	room := s.reg.UpsertRoom(toRoomWithMembers(e.Room))
	if h := s.hooks.OnAddedToRoom; h != nil {
		s.callGlobal(func() { h(room) })
	}
}

// removeRoom forgets the room, cancels its subscription and reports it as
// removed or deleted.
func (s *session) removeRoom(roomID string, deleted bool) {
	room, known := s.reg.RemoveRoom(roomID)
	if sub := s.subscription(roomID); sub != nil {
		sub.Cancel()
	}
	s.typing.ClearRoom(roomID)
	if deleted {
		if h := s.hooks.OnRoomDeleted; h != nil {
			s.callGlobal(func() { h(roomID) })
		}
		return
	}
	if !known {
		return
	}
	if h := s.hooks.OnRemovedFromRoom; h != nil {
		s.callGlobal(func() { h(room) })
	}
}

// deliverPresence sends a transition to every live subscription whose room
// the user belongs to, or to the global hook when there is none.
func (s *session) deliverPresence(userID string, change model.PresenceChange) {
	user, _ := s.reg.User(userID)
	var targets []*RoomSubscription
	for _, roomID := range s.reg.RoomsOf(userID) {
		if sub := s.liveSubscription(roomID); sub != nil {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		if h := s.hooks.OnPresenceChanged; h != nil {
			s.callGlobal(func() { h(change, user) })
		}
		return
	}
	for _, sub := range targets {
		if h := sub.hooks.OnPresenceChanged; h != nil {
			s.callRoom(sub, func() { h(change, user) })
		}
	}
}

func (s *session) typingStarted(roomID, userID string) {
	user := s.reg.EnsureUser(userID)
	if sub := s.liveSubscription(roomID); sub != nil {
		if h := sub.hooks.OnUserStartedTyping; h != nil {
			s.callRoom(sub, func() { h(user) })
		}
		return
	}
	if h := s.hooks.OnUserStartedTyping; h != nil {
		if room, ok := s.reg.Room(roomID); ok {
			s.callGlobal(func() { h(room, user) })
		}
	}
}

func (s *session) typingStopped(roomID, userID string) {
	user := s.reg.EnsureUser(userID)
	if sub := s.liveSubscription(roomID); sub != nil {
		if h := sub.hooks.OnUserStoppedTyping; h != nil {
			s.callRoom(sub, func() { h(user) })
		}
		return
	}
	if h := s.hooks.OnUserStoppedTyping; h != nil {
		if room, ok := s.reg.Room(roomID); ok {
			s.callGlobal(func() { h(room, user) })
		}
	}
}

// activate flips a pending subscription to live on the loop: the room's
// presence snapshot is applied, then the parked events replay in arrival order.
func (s *session) activate(sub *RoomSubscription, st wire.RoomState) {
	if sub.Cancelled() {
		return
	}
	sub.active.Store(true)
	buffered := sub.buffer
	sub.buffer = nil

	states := make(map[string]model.Presence, len(st.Presence))
	for _, p := range st.Presence {
		states[p.UserID] = model.ParsePresence(p.State)
	}
	for _, t := range s.presence.ApplySnapshot(st.Room.MemberUserIDs, states) {
		s.deliverPresence(t.UserID, t.Change)
	}
	for _, p := range buffered {
		if p.epoch == s.loop.current {
			s.apply(p.ev)
		}
	}
	s.log.Debug().Str("room_id", sub.roomID).Int("replayed", len(buffered)).Msg("subscription live")
}

func toUser(w wire.User) model.User {
	return model.User{
		ID:         w.ID,
		Name:       w.Name,
		AvatarURL:  w.AvatarURL,
		CustomData: w.CustomData,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}

// toRoom leaves UserIDs nil when the payload carries no membership, which
// keeps the stored members.
func toRoom(w wire.Room) model.Room {
	r := model.Room{
		ID:              w.ID,
		Name:            w.Name,
		IsPrivate:       w.Private,
		CustomData:      w.CustomData,
		CreatedByUserID: w.CreatedByID,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
		UnreadCount:     w.UnreadCount,
		UserIDs:         w.MemberUserIDs,
	}
	if w.LastMessageAt != nil {
		r.LastMessageAt = *w.LastMessageAt
	}
	return r
}

// toRoomWithMembers treats the payload's membership as authoritative.
func toRoomWithMembers(w wire.Room) model.Room {
	r := toRoom(w)
	if r.UserIDs == nil {
		r.UserIDs = []string{}
	}
	return r
}

func toCursor(w wire.Cursor) model.Cursor {
	return model.Cursor{
		RoomID:    w.RoomID,
		UserID:    w.UserID,
		Position:  w.Position,
		UpdatedAt: w.UpdatedAt,
		Type:      w.CursorType,
	}
}

func toCursors(ws []wire.Cursor) []model.Cursor {
	ret := make([]model.Cursor, 0, len(ws))
	for _, w := range ws {
		ret = append(ret, toCursor(w))
	}
	return ret
}
