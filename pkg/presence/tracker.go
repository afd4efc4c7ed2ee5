// Package presence computes online/offline transitions for users in the
// session arena.
package presence

import (
	"github.com/go-go-golems/chatsync/pkg/model"
)

// Transition is a presence change that actually happened.
type Transition struct {
	UserID string
	Change model.PresenceChange
}

type Tracker struct {
	reg *model.Registry
}

func NewTracker(reg *model.Registry) *Tracker {
	return &Tracker{reg: reg}
}

// Apply records a raw presence signal. changed is false when the state did not
// move, in which case no hook must fire.
func (t *Tracker) Apply(userID string, state model.Presence) (model.PresenceChange, bool) {
	if state != model.PresenceOnline {
		state = model.PresenceOffline
	}
	prev := t.reg.SetPresence(userID, state)
	change := model.PresenceChange{Previous: prev, Current: state}
	return change, prev != state
}

// ApplySnapshot applies states for every user in userIDs. Users without an
// entry in states are treated as offline. Only real transitions are returned,
// in userIDs order.
func (t *Tracker) ApplySnapshot(userIDs []string, states map[string]model.Presence) []Transition {
	var ret []Transition
	for _, id := range userIDs {
		state, ok := states[id]
		if !ok {
			state = model.PresenceOffline
		}
		if change, changed := t.Apply(id, state); changed {
			ret = append(ret, Transition{UserID: id, Change: change})
		}
	}
	return ret
}

// State returns the last known presence; unknown users are offline.
func (t *Tracker) State(userID string) model.Presence {
	u, ok := t.reg.User(userID)
	if !ok || u.Presence == "" {
		return model.PresenceOffline
	}
	return u.Presence
}
