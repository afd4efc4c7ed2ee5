package wire

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvents(t *testing.T) {
	text := "hello"
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []Event{
		NewMessage{Message: Message{ID: 7, UserID: "u1", RoomID: "r1", Parts: []Part{{Type: "text/plain", Content: &text}}, CreatedAt: now, UpdatedAt: now}},
		MessageDeleted{RoomID: "r1", MessageID: 7},
		IsTyping{RoomID: "r1", UserID: "u2"},
		TypingStopped{RoomID: "r1", UserID: "u2"},
		UserJoined{RoomID: "r1", UserID: "u3", User: &User{ID: "u3", Name: "Cy"}},
		UserLeft{RoomID: "r1", UserID: "u3"},
		PresenceChanged{UserID: "u2", State: "online"},
		NewCursor{Cursor: Cursor{RoomID: "r1", UserID: "u1", Position: 7, UpdatedAt: now}},
		AddedToRoom{Room: Room{ID: "r2", Name: "new", MemberUserIDs: []string{"u1"}}},
		RemovedFromRoom{RoomID: "r2"},
		RoomUpdated{Room: Room{ID: "r1", Name: "renamed"}},
		RoomDeleted{RoomID: "r1"},
	}

	for _, ev := range cases {
		t.Run(string(ev.Name()), func(t *testing.T) {
			b, err := Encode(ev)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, ev, got)
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event_name":"something_else","data":{}}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnknownEvent))
}

func TestRoomScopedEvents(t *testing.T) {
	var ev Event = NewMessage{Message: Message{RoomID: "r9"}}
	scoped, ok := ev.(RoomScoped)
	require.True(t, ok)
	require.Equal(t, "r9", scoped.Room())

	_, ok = Event(PresenceChanged{UserID: "u1"}).(RoomScoped)
	require.False(t, ok)
}
