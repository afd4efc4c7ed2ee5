package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/model"
)

func TestTrackerNoOpWhenUnchanged(t *testing.T) {
	tr := NewTracker(model.NewRegistry())

	change, changed := tr.Apply("u1", model.PresenceOffline)
	require.False(t, changed)
	require.Equal(t, model.PresenceOffline, change.Previous)

	change, changed = tr.Apply("u1", model.PresenceOnline)
	require.True(t, changed)
	require.Equal(t, model.PresenceChange{Previous: model.PresenceOffline, Current: model.PresenceOnline}, change)

	_, changed = tr.Apply("u1", model.PresenceOnline)
	require.False(t, changed)
	require.Equal(t, model.PresenceOnline, tr.State("u1"))
}

func TestTrackerSnapshotDefaultsToOffline(t *testing.T) {
	reg := model.NewRegistry()
	tr := NewTracker(reg)
	tr.Apply("u1", model.PresenceOnline)
	tr.Apply("u2", model.PresenceOnline)

	transitions := tr.ApplySnapshot([]string{"u1", "u2", "u3"}, map[string]model.Presence{
		"u1": model.PresenceOnline,
	})
	require.Equal(t, []Transition{
		{UserID: "u2", Change: model.PresenceChange{Previous: model.PresenceOnline, Current: model.PresenceOffline}},
	}, transitions)
	require.Equal(t, model.PresenceOffline, tr.State("u3"))
	require.Equal(t, model.PresenceOffline, tr.State("never-seen"))
}

func TestTrackerUnknownStateIsOffline(t *testing.T) {
	tr := NewTracker(model.NewRegistry())
	tr.Apply("u1", model.PresenceOnline)
	change, changed := tr.Apply("u1", model.Presence("away"))
	require.True(t, changed)
	require.Equal(t, model.PresenceOffline, change.Current)
}
