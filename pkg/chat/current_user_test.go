package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/cursors"
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/parts"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/transport/memtransport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

func TestSetReadCursorIsReadableImmediately(t *testing.T) {
	f := newFixture(t)
	global := &journal{}
	me := f.connect(t, ConnectionHooks{
		OnNewReadCursor: func(c model.Cursor) { global.add("cursor %s %s %d", c.RoomID, c.UserID, c.Position) },
	})

	cur, err := me.SetReadCursor(context.Background(), "R1", 50)
	require.NoError(t, err)
	require.Equal(t, int64(50), cur.Position)

	got, ok := me.ReadCursor("R1", "U1")
	require.True(t, ok)
	require.Equal(t, int64(50), got.Position)
	got, ok = me.ReadCursor("R1", "")
	require.True(t, ok)
	require.Equal(t, int64(50), got.Position)

	// the service echoes the write as an event
	require.Eventually(t, func() bool { return global.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"cursor R1 U1 50"}, global.all())
}

func TestSetReadCursorRejected(t *testing.T) {
	f := newFixture(t)
	f.srv.RejectCursor = func(_, _ string, position int64) bool { return position < 10 }
	me := f.connect(t, ConnectionHooks{})

	_, err := me.SetReadCursor(context.Background(), "R1", 5)
	var pe *cursors.PositionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, int64(5), pe.Position)
	require.ErrorIs(t, err, transport.ErrRejected)

	_, ok := me.ReadCursor("R1", "U1")
	require.False(t, ok)
}

func TestSetReadCursorCompletingAfterDisconnectIsNotCached(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})

	release := f.srv.Block(memtransport.OpCursor)
	done := make(chan error, 1)
	go func() {
		_, err := me.SetReadCursor(context.Background(), "R1", 50)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Calls(memtransport.OpCursor) == 1 }, time.Second, 5*time.Millisecond)

	f.mgr.Disconnect()
	release()
	var ce *ConnectionError
	require.ErrorAs(t, <-done, &ce)

	_, ok := me.ReadCursor("R1", "U1")
	require.False(t, ok)
}

func TestCursorEventRouting(t *testing.T) {
	f := newFixture(t)
	global := &journal{}
	me := f.connect(t, ConnectionHooks{
		OnNewReadCursor: func(c model.Cursor) { global.add("cursor %s %s", c.RoomID, c.UserID) },
	})
	room := &journal{}
	f.subscribe(t, me, "R1", 10, RoomHooks{
		OnNewReadCursor: func(c model.Cursor) { room.add("cursor %s %s", c.RoomID, c.UserID) },
	})

	f.srv.Push(wire.NewCursor{Cursor: wire.Cursor{RoomID: "R1", UserID: "U2", Position: 3}})
	f.srv.Push(wire.NewCursor{Cursor: wire.Cursor{RoomID: "R2", UserID: "U3", Position: 4}})

	require.Eventually(t, func() bool { return room.len() == 1 && global.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"cursor R1 U2"}, room.all())
	require.Equal(t, []string{"cursor R2 U3"}, global.all())

	c, ok := me.ReadCursor("R1", "U2")
	require.True(t, ok)
	require.Equal(t, int64(3), c.Position)
}

func TestPresenceHooksFireOnlyOnTransitions(t *testing.T) {
	f := newFixture(t)
	global := &journal{}
	me := f.connect(t, ConnectionHooks{
		OnPresenceChanged: func(c model.PresenceChange, u model.User) {
			global.add("%s %s->%s", u.ID, c.Previous, c.Current)
		},
	})

	f.srv.SetPresence("U3", "offline")
	f.srv.SetPresence("U3", "online")
	require.Eventually(t, func() bool { return global.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"U3 offline->online"}, global.all())

	room := &journal{}
	f.subscribe(t, me, "R2", 10, RoomHooks{
		OnPresenceChanged: func(c model.PresenceChange, u model.User) {
			room.add("%s %s->%s", u.ID, c.Previous, c.Current)
		},
	})
	f.srv.SetPresence("U3", "away")
	require.Eventually(t, func() bool { return room.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"U3 online->offline"}, room.all())
	require.Equal(t, 1, global.len())

	u3, ok := me.User("U3")
	require.True(t, ok)
	require.Equal(t, model.PresenceOffline, u3.Presence)
}

func TestTypingStartsAndStopsOnce(t *testing.T) {
	f := newFixture(t)
	global := &journal{}
	f.connect(t, ConnectionHooks{
		OnUserStartedTyping: func(r model.Room, u model.User) { global.add("start %s %s", r.ID, u.ID) },
		OnUserStoppedTyping: func(r model.Room, u model.User) { global.add("stop %s %s", r.ID, u.ID) },
	})

	for i := 0; i < 5; i++ {
		f.srv.Push(wire.IsTyping{RoomID: "R2", UserID: "U3"})
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return global.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, []string{"start R2 U3", "stop R2 U3"}, global.all())

	f.srv.Push(wire.IsTyping{RoomID: "R2", UserID: "U3"})
	f.srv.Push(wire.TypingStopped{RoomID: "R2", UserID: "U3"})
	require.Eventually(t, func() bool { return global.len() == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, []string{"start R2 U3", "stop R2 U3", "start R2 U3", "stop R2 U3"}, global.all())
}

func TestUserLeftSilencesTyping(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})
	room := &journal{}
	f.subscribe(t, me, "R1", 10, RoomHooks{
		OnUserStartedTyping: func(u model.User) { room.add("typing %s", u.ID) },
		OnUserStoppedTyping: func(u model.User) { room.add("stopped %s", u.ID) },
		OnUserLeft:          func(u model.User) { room.add("left %s", u.ID) },
	})

	f.srv.Push(wire.IsTyping{RoomID: "R1", UserID: "U2"})
	f.srv.Leave("R1", "U2")
	require.Eventually(t, func() bool { return room.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, []string{"typing U2", "left U2"}, room.all())

	r, ok := me.Room("R1")
	require.True(t, ok)
	require.Equal(t, []string{"U1"}, r.UserIDs)
}

func TestMembershipEventsForUnsubscribedRooms(t *testing.T) {
	f := newFixture(t)
	global := &journal{}
	me := f.connect(t, ConnectionHooks{
		OnUserJoinedRoom: func(r model.Room, u model.User) { global.add("joined %s %s", r.ID, u.ID) },
		OnAddedToRoom:    func(r model.Room) { global.add("added %s", r.ID) },
		OnRoomUpdated:    func(r model.Room) { global.add("updated %s %s", r.ID, r.Name) },
	})

	f.srv.Join("R2", "U2")
	f.srv.Join("R3", "U1")
	f.srv.Push(wire.RoomUpdated{Room: wire.Room{ID: "R1", Name: "renamed"}})

	require.Eventually(t, func() bool { return global.len() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"joined R2 U2", "added R3", "updated R1 renamed"}, global.all())

	r2, _ := me.Room("R2")
	require.Equal(t, []string{"U1", "U2", "U3"}, r2.UserIDs)
	r3, ok := me.Room("R3")
	require.True(t, ok)
	require.Equal(t, []string{"U1", "U2", "U3"}, r3.UserIDs)
	r1, _ := me.Room("R1")
	require.Equal(t, "renamed", r1.Name)
	require.Equal(t, []string{"U1", "U2"}, r1.UserIDs)
}

func TestIsTypingInIsThrottled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TypingThrottle = time.Hour })
	me := f.connect(t, ConnectionHooks{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, me.IsTypingIn(ctx, "R1"))
	}
	require.NoError(t, me.IsTypingIn(ctx, "R2"))
	require.Equal(t, 2, f.srv.Calls(memtransport.OpTyping))
}

func TestSendMultipartMessage(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})
	got := make(chan model.Message, 1)
	f.subscribe(t, me, "R1", 10, RoomHooks{
		OnMessage: func(m model.Message) { got <- m },
	})

	ctx := context.Background()
	id, err := me.SendMultipartMessage(ctx, MultipartMessageRequest{
		RoomID: "R1",
		Parts: []parts.SendPart{
			parts.SendInline{Content: "see attached"},
			parts.SendURL{URL: "https://example.com/notes"},
			parts.SendAttachment{Upload: wire.Upload{Name: "notes.txt", Type: "text/plain", Body: strings.NewReader("hello")}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	var msg model.Message
	select {
	case msg = <-got:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	require.Equal(t, id, msg.ID)
	require.Equal(t, "U1", msg.SenderID)
	require.Len(t, msg.Parts, 3)

	inline, ok := msg.Parts[0].(parts.Inline)
	require.True(t, ok)
	require.Equal(t, "text/plain", inline.Type)
	require.Equal(t, "see attached", inline.Content)

	link, ok := msg.Parts[1].(parts.URL)
	require.True(t, ok)
	require.Equal(t, "text/uri-list", link.Type)

	att, ok := msg.Parts[2].(*parts.Attachment)
	require.True(t, ok)
	require.Equal(t, "notes.txt", att.Name)
	require.Equal(t, parts.StatePending, att.State())

	u1, err := att.URL(ctx)
	require.NoError(t, err)
	u2, err := att.URL(ctx)
	require.NoError(t, err)
	require.Equal(t, u1, u2)
	require.Equal(t, 1, f.srv.Calls(memtransport.OpResolve))
	require.Equal(t, parts.StateResolved, att.State())

	data, ok := f.srv.Attachment(att.ID)
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
}

func TestSendMessageUsesTextPart(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})

	id, err := me.SendMessage(context.Background(), SendMessageRequest{RoomID: "R2", Text: "hi"})
	require.NoError(t, err)

	stored := f.srv.Messages("R2")
	require.Len(t, stored, 1)
	require.Equal(t, id, stored[0].ID)
	require.Len(t, stored[0].Parts, 1)
	require.Equal(t, "hi", *stored[0].Parts[0].Content)
}

func TestSendMultipartMessageErrors(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})
	ctx := context.Background()

	_, err := me.SendMultipartMessage(ctx, MultipartMessageRequest{RoomID: "R1"})
	require.Error(t, err)

	_, err = me.SendMultipartMessage(ctx, MultipartMessageRequest{
		RoomID: "R3",
		Parts:  []parts.SendPart{parts.SendInline{Content: "hi"}},
	})
	require.ErrorIs(t, err, transport.ErrRejected)

	f.srv.FailNext(memtransport.OpUpload, errors.New("disk full"))
	_, err = me.SendMultipartMessage(ctx, MultipartMessageRequest{
		RoomID: "R1",
		Parts: []parts.SendPart{
			parts.SendInline{Content: "hi"},
			parts.SendAttachment{Upload: wire.Upload{Name: "a.bin", Body: strings.NewReader("x")}},
		},
	})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 1, f.srv.Calls(memtransport.OpSend))
	require.Empty(t, f.srv.Messages("R1"))
}
