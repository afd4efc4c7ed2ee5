package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryUpsertUserKeepsPresence(t *testing.T) {
	r := NewRegistry()
	u := r.UpsertUser(User{ID: "u1", Name: "Ada"})
	require.Equal(t, PresenceOffline, u.Presence)

	prev := r.SetPresence("u1", PresenceOnline)
	require.Equal(t, PresenceOffline, prev)

	u = r.UpsertUser(User{ID: "u1", Name: "Ada L."})
	require.Equal(t, "Ada L.", u.Name)
	require.Equal(t, PresenceOnline, u.Presence)
}

func TestRegistryMembership(t *testing.T) {
	r := NewRegistry()
	r.UpsertRoom(Room{ID: "r1", Name: "general", UserIDs: []string{"u2", "u1", "u2"}})

	room, ok := r.Room("r1")
	require.True(t, ok)
	require.Equal(t, []string{"u1", "u2"}, room.UserIDs)

	require.True(t, r.AddMember("r1", "u0"))
	require.False(t, r.AddMember("r1", "u0"))
	require.False(t, r.AddMember("missing", "u0"))

	room, _ = r.Room("r1")
	require.Equal(t, []string{"u0", "u1", "u2"}, room.UserIDs)
	require.True(t, room.HasMember("u1"))

	require.True(t, r.RemoveMember("r1", "u1"))
	require.False(t, r.RemoveMember("r1", "u1"))
	room, _ = r.Room("r1")
	require.Equal(t, []string{"u0", "u2"}, room.UserIDs)
	require.Equal(t, []string{"r1"}, r.RoomsOf("u2"))
	require.Empty(t, r.RoomsOf("u1"))
}

func TestRegistryRoomUpdateKeepsMembersWhenUnset(t *testing.T) {
	r := NewRegistry()
	r.UpsertRoom(Room{ID: "r1", Name: "a", UserIDs: []string{"u1"}})
	r.UpsertRoom(Room{ID: "r1", Name: "b"})

	room, ok := r.Room("r1")
	require.True(t, ok)
	require.Equal(t, "b", room.Name)
	require.Equal(t, []string{"u1"}, room.UserIDs)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	r := NewRegistry()
	r.UpsertRoom(Room{ID: "r1", UserIDs: []string{"u1"}})
	room, _ := r.Room("r1")
	room.UserIDs[0] = "mutated"

	again, _ := r.Room("r1")
	require.Equal(t, []string{"u1"}, again.UserIDs)
}

func TestRegistryTouchRoom(t *testing.T) {
	r := NewRegistry()
	r.UpsertRoom(Room{ID: "r1"})
	t1 := time.Unix(100, 0)
	r.TouchRoom("r1", Message{ID: 1, CreatedAt: t1})
	r.TouchRoom("r1", Message{ID: 0, CreatedAt: time.Unix(50, 0)})

	room, _ := r.Room("r1")
	require.True(t, room.LastMessageAt.Equal(t1))
}
