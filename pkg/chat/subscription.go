package chat

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/timeline"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// RoomSubscription binds one room's event stream to a set of RoomHooks. A
// session holds at most one pending or live subscription per room.
type RoomSubscription struct {
	id     string
	roomID string
	limit  int
	hooks  RoomHooks
	epoch  uint64
	s      *session

	cancelled atomic.Bool
	active    atomic.Bool

	// events parked while pending; loop only
	buffer []parkedEvent
}

type parkedEvent struct {
	epoch uint64
	ev    wire.Event
}

type SubscribeOptions struct {
	RoomID string
	// MessageLimit is both the size of the initial window and the number of
	// messages kept while live messages arrive. Defaults to 20.
	MessageLimit int
	Hooks        RoomHooks
}

// FetchOptions selects a page of history. InitialID 0 with DirectionOlder
// selects the newest messages.
type FetchOptions struct {
	InitialID int64
	Limit     int
	Direction wire.Direction
}

func (r *RoomSubscription) ID() string     { return r.id }
func (r *RoomSubscription) RoomID() string { return r.roomID }

func (r *RoomSubscription) Cancelled() bool {
	return r.cancelled.Load()
}

// Cancel is idempotent. No hook of the subscription starts after it returns;
// events already queued for the room are dropped. Called outside a hook it
// may wait for a hook that is already running. The room's typing timers are
// cleared without notification and its timeline is discarded.
func (r *RoomSubscription) Cancel() {
	if r.cancelled.Swap(true) {
		return
	}
	s := r.s
	s.mu.Lock()
	owned := s.subs[r.roomID] == r
	if owned {
		delete(s.subs, r.roomID)
		s.timelines.Drop(r.roomID)
		if !r.active.Load() {
			s.releaseLocked(r)
		}
	}
	s.mu.Unlock()
	if owned {
		s.typing.ClearRoom(r.roomID)
		s.cursors.DropRoom(r.roomID)
	}
	s.hookBarrier()
	s.log.Debug().Str("room_id", r.roomID).Str("subscription_id", r.id).Msg("subscription cancelled")
}

// Messages returns the cached window of the room, ascending by id.
func (r *RoomSubscription) Messages() ([]model.Message, error) {
	if r.Cancelled() {
		return nil, ErrSubscriptionCancelled
	}
	return r.s.timelines.Messages(r.roomID), nil
}

// Gaps reports id ranges missing between cached segments, for example after
// a reconnect that skipped more messages than the window holds.
func (r *RoomSubscription) Gaps() ([]timeline.Gap, error) {
	if r.Cancelled() {
		return nil, ErrSubscriptionCancelled
	}
	return r.s.timelines.Gaps(r.roomID), nil
}

// FetchMultipartMessages pages through the room's history. Results are
// ascending by id and merge into the cached window unless the subscription
// was cancelled or the session changed while the request was in flight.
func (r *RoomSubscription) FetchMultipartMessages(ctx context.Context, opts FetchOptions) ([]model.Message, error) {
	if r.Cancelled() {
		return nil, ErrSubscriptionCancelled
	}
	if opts.Limit <= 0 {
		opts.Limit = r.limit
	}
	msgs, err := r.s.fetchMessages(ctx, r.roomID, opts, r)
	if err != nil {
		return nil, err
	}
	if r.Cancelled() {
		return nil, ErrSubscriptionCancelled
	}
	return msgs, nil
}

func (s *session) register(roomID string, limit int, hooks RoomHooks) (*RoomSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[roomID]; ok {
		return nil, &AlreadySubscribedError{RoomID: roomID, Existing: existing}
	}
	sub := &RoomSubscription{
		id:     uuid.NewString(),
		roomID: roomID,
		limit:  limit,
		hooks:  hooks,
		epoch:  s.epoch.Load(),
		s:      s,
	}
	s.subs[roomID] = sub
	return sub, nil
}

func (s *session) unregister(sub *RoomSubscription) {
	s.mu.Lock()
	if s.subs[sub.roomID] == sub {
		delete(s.subs, sub.roomID)
		s.releaseLocked(sub)
	}
	s.mu.Unlock()
}

// releaseLocked hands the events parked on a subscription that never went live
// back to the session. They are applied as if the room had no subscription,
// before any later event of the room.
func (s *session) releaseLocked(sub *RoomSubscription) {
	if s.closed.Load() {
		return
	}
	s.released[sub.roomID] = append(s.released[sub.roomID], sub)
	roomID := sub.roomID
	s.submitLatest(func() { s.flushReleased(roomID) })
}

func (s *session) subscribe(ctx context.Context, opts SubscribeOptions) (model.Room, *RoomSubscription, error) {
	if opts.RoomID == "" {
		return model.Room{}, nil, errors.New("chat: room id is empty")
	}
	limit := opts.MessageLimit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	sub, err := s.register(opts.RoomID, limit, opts.Hooks)
	if err != nil {
		return model.Room{}, nil, err
	}
	log := s.log.With().Str("room_id", sub.roomID).Str("subscription_id", sub.id).Logger()
	log.Debug().Int("limit", limit).Msg("subscribing")

	w, err := s.fetchRoomWindow(ctx, sub.roomID, limit)
	if err != nil {
		s.unregister(sub)
		switch {
		case s.closed.Load() || s.epoch.Load() != sub.epoch:
			return model.Room{}, nil, &ConnectionError{Op: "subscribe", Err: err}
		case sub.Cancelled():
			return model.Room{}, nil, ErrSubscriptionCancelled
		}
		return model.Room{}, nil, errors.Wrapf(err, "chat: subscribe to room %s", sub.roomID)
	}

	s.mu.Lock()
	switch {
	case s.closed.Load() || s.epoch.Load() != sub.epoch:
		if s.subs[sub.roomID] == sub {
			delete(s.subs, sub.roomID)
			s.releaseLocked(sub)
		}
		sub.cancelled.Store(true)
		s.mu.Unlock()
		log.Debug().Msg("session changed during subscribe")
		return model.Room{}, nil, &ConnectionError{Op: "subscribe", Err: errStaleSession}
	case sub.Cancelled() || s.subs[sub.roomID] != sub:
		s.mu.Unlock()
		return model.Room{}, nil, ErrSubscriptionCancelled
	}
	s.timelines.Open(sub.roomID, limit)
	s.timelines.Seed(sub.roomID, w.messages, limit)
	s.mu.Unlock()

	room := s.applyRoomState(w.state)
	s.submitLatest(func() { s.activate(sub, w.state) })
	return room, sub, nil
}

// fetchMessages fetches one page. The page merges into the timeline only when
// sub is still the room's subscription and the epoch did not move.
func (s *session) fetchMessages(ctx context.Context, roomID string, opts FetchOptions, sub *RoomSubscription) ([]model.Message, error) {
	epoch := s.epoch.Load()
	if opts.Limit <= 0 {
		opts.Limit = DefaultMessageLimit
	}
	if opts.Direction == "" {
		opts.Direction = wire.DirectionOlder
	}
	req := wire.FetchMessagesRequest{
		RoomID:    roomID,
		InitialID: opts.InitialID,
		Limit:     opts.Limit,
		Direction: opts.Direction,
	}
	raw, err := authed(ctx, s.tokens, func(ctx context.Context) ([]wire.Message, error) {
		return s.client.FetchMessages(ctx, req)
	})
	if s.closed.Load() {
		if err == nil {
			err = errSessionClosed
		}
		return nil, &ConnectionError{Op: "fetch messages", Err: err}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "chat: fetch messages of room %s", roomID)
	}
	msgs, err := s.toMessages(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sub == nil || sub.Cancelled() || s.subs[roomID] != sub || s.epoch.Load() != epoch {
		return timeline.Normalize(msgs), nil
	}
	return s.timelines.Merge(roomID, timeline.Page{
		InitialID: req.InitialID,
		Limit:     req.Limit,
		Direction: req.Direction,
		Messages:  msgs,
	}), nil
}
