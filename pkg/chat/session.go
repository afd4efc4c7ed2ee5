package chat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/chatsync/pkg/auth"
	"github.com/go-go-golems/chatsync/pkg/cursors"
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/parts"
	"github.com/go-go-golems/chatsync/pkg/presence"
	"github.com/go-go-golems/chatsync/pkg/timeline"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/typing"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// session is one connected lifetime. Event-driven mutations and every hook
// call happen on its event loop; the component stores carry their own locks
// so that CurrentUser reads work from any goroutine.
type session struct {
	m      *Manager
	userID string
	log    zerolog.Logger
	hooks  ConnectionHooks
	tokens auth.TokenProvider
	client transport.Client
	events transport.EventSource

	ctx    context.Context
	cancel context.CancelFunc
	epoch  atomic.Uint64
	closed atomic.Bool

	// hookMu is held by the loop from the delivery check until the hook
	// returns.
	hookMu sync.Mutex

	loop      *eventLoop
	reg       *model.Registry
	presence  *presence.Tracker
	cursors   *cursors.Store
	typing    *typing.Debouncer
	timelines *timeline.Cache
	assembler *parts.Assembler

	mu       sync.Mutex
	subs     map[string]*RoomSubscription
	released map[string][]*RoomSubscription
	stream   transport.Stream
	limiters map[string]*rate.Limiter
}

type roomWindow struct {
	state    wire.RoomState
	messages []model.Message
}

// snapshot is the authoritative state fetched on connect and on reconnect.
type snapshot struct {
	initial   wire.InitialState
	users     []wire.User
	presence  []wire.PresenceState
	memberIDs []string
	rooms     map[string]roomWindow
}

func newSession(m *Manager, hooks ConnectionHooks) *session {
	cfg := m.cfg
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		m:        m,
		userID:   cfg.UserID,
		log:      m.log,
		hooks:    hooks,
		tokens:   cfg.TokenProvider,
		client:   cfg.Client,
		events:   cfg.Events,
		ctx:      ctx,
		cancel:   cancel,
		loop:     newEventLoop(),
		reg:      model.NewRegistry(),
		subs:     map[string]*RoomSubscription{},
		released: map[string][]*RoomSubscription{},
		limiters: map[string]*rate.Limiter{},
	}
	s.epoch.Store(1)
	s.presence = presence.NewTracker(s.reg)
	s.cursors = cursors.NewStore(cfg.UserID, cursors.WriterFunc(func(ctx context.Context, roomID string, position int64) error {
		_, err := authed(ctx, s.tokens, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.client.SetCursor(ctx, roomID, position)
		})
		return err
	}))
	s.typing = typing.NewDebouncer(cfg.TypingTimeout, s.typingStarted, s.typingStopped,
		typing.WithExecutor(s.submitLatest))
	s.timelines = timeline.NewCache(cfg.MaxMessagesPerRoom)
	var resolver parts.Resolver
	if cfg.Resolver != nil {
		resolver = &authedResolver{r: cfg.Resolver, tokens: cfg.TokenProvider}
	}
	s.assembler = parts.NewAssembler(resolver)
	return s
}

// establish opens the event stream first so that nothing sent while the
// state is fetched is lost, then fetches the snapshot.
func (s *session) establish(ctx context.Context, subs []*RoomSubscription) (transport.Stream, snapshot, error) {
	stream, err := authed(ctx, s.tokens, func(ctx context.Context) (transport.Stream, error) {
		return s.events.Open(ctx, s.userID)
	})
	if err != nil {
		return nil, snapshot{}, errors.Wrap(err, "open event stream")
	}
	snap, err := s.fetchSnapshot(ctx, subs)
	if err != nil {
		_ = stream.Close()
		return nil, snapshot{}, err
	}
	return stream, snap, nil
}

func (s *session) fetchSnapshot(ctx context.Context, subs []*RoomSubscription) (snapshot, error) {
	initial, err := authed(ctx, s.tokens, func(ctx context.Context) (wire.InitialState, error) {
		return s.client.FetchInitialState(ctx, s.userID)
	})
	if err != nil {
		return snapshot{}, errors.Wrap(err, "fetch initial state")
	}
	snap := snapshot{initial: initial, rooms: map[string]roomWindow{}}

	ids := map[string]struct{}{s.userID: {}}
	for _, r := range initial.Rooms {
		for _, id := range r.MemberUserIDs {
			ids[id] = struct{}{}
		}
	}
	for id := range ids {
		snap.memberIDs = append(snap.memberIDs, id)
	}
	sort.Strings(snap.memberIDs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := authed(gctx, s.tokens, func(ctx context.Context) ([]wire.User, error) {
			return s.client.FetchUsers(ctx, snap.memberIDs)
		})
		if err != nil {
			return errors.Wrap(err, "fetch users")
		}
		snap.users = users
		return nil
	})
	g.Go(func() error {
		states, err := authed(gctx, s.tokens, func(ctx context.Context) ([]wire.PresenceState, error) {
			return s.client.FetchPresence(ctx, snap.memberIDs)
		})
		if err != nil {
			return errors.Wrap(err, "fetch presence")
		}
		snap.presence = states
		return nil
	})
	for _, sub := range subs {
		g.Go(func() error {
			w, err := s.fetchRoomWindow(gctx, sub.roomID, sub.limit)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.rooms[sub.roomID] = w
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

// fetchRoomWindow fetches a room's state and its newest limit messages.
func (s *session) fetchRoomWindow(ctx context.Context, roomID string, limit int) (roomWindow, error) {
	var w roomWindow
	var raw []wire.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := authed(gctx, s.tokens, func(ctx context.Context) (wire.RoomState, error) {
			return s.client.FetchRoom(ctx, roomID)
		})
		if err != nil {
			return errors.Wrapf(err, "fetch room %s", roomID)
		}
		w.state = st
		return nil
	})
	g.Go(func() error {
		msgs, err := authed(gctx, s.tokens, func(ctx context.Context) ([]wire.Message, error) {
			return s.client.FetchMessages(ctx, wire.FetchMessagesRequest{
				RoomID:    roomID,
				Limit:     limit,
				Direction: wire.DirectionOlder,
			})
		})
		if err != nil {
			return errors.Wrapf(err, "fetch messages of room %s", roomID)
		}
		raw = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return roomWindow{}, err
	}
	msgs, err := s.toMessages(raw)
	if err != nil {
		return roomWindow{}, err
	}
	w.messages = msgs
	return w, nil
}

// applySnapshot writes a snapshot into the arena. With notify set, as on
// resync, presence transitions, room set changes and new messages of
// subscribed rooms reach the hooks; membership is replaced silently.
func (s *session) applySnapshot(snap snapshot, notify bool) {
	s.reg.UpsertUser(toUser(snap.initial.CurrentUser))
	for _, u := range snap.users {
		s.reg.UpsertUser(toUser(u))
	}

	seen := map[string]bool{}
	for _, wr := range snap.initial.Rooms {
		if wr.DeletedAt != nil {
			continue
		}
		seen[wr.ID] = true
		_, existed := s.reg.Room(wr.ID)
		room := s.reg.UpsertRoom(toRoomWithMembers(wr))
		if notify && !existed {
			if h := s.hooks.OnAddedToRoom; h != nil {
				s.callGlobal(func() { h(room) })
			}
		}
	}
	if notify {
		for _, room := range s.reg.Rooms() {
			if !seen[room.ID] {
				s.removeRoom(room.ID, false)
			}
		}
	}

	s.cursors.Load(toCursors(snap.initial.Cursors))

	states := make(map[string]model.Presence, len(snap.presence))
	for _, p := range snap.presence {
		states[p.UserID] = model.ParsePresence(p.State)
	}
	transitions := s.presence.ApplySnapshot(snap.memberIDs, states)
	if notify {
		for _, t := range transitions {
			s.deliverPresence(t.UserID, t.Change)
		}
	}

	ids := make([]string, 0, len(snap.rooms))
	for id := range snap.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.resyncRoom(id, snap.rooms[id])
	}
}

func (s *session) resyncRoom(roomID string, w roomWindow) {
	sub := s.subscription(roomID)
	if sub == nil || sub.Cancelled() {
		return
	}
	s.applyRoomState(w.state)
	fresh := s.timelines.Seed(roomID, w.messages, sub.limit)
	if !sub.active.Load() {
		return
	}
	if h := sub.hooks.OnMessage; h != nil {
		for _, m := range fresh {
			s.callRoom(sub, func() { h(m) })
		}
	}
}

// applyRoomState stores an authoritative room state without firing hooks.
func (s *session) applyRoomState(st wire.RoomState) model.Room {
	for _, u := range st.Users {
		s.reg.UpsertUser(toUser(u))
	}
	room := s.reg.UpsertRoom(toRoomWithMembers(st.Room))
	s.cursors.Load(toCursors(st.Cursors))
	return room
}

func (s *session) start(stream transport.Stream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	go s.loop.run(s.epoch.Load)
	go s.receive(stream)
}

// receive pumps the stream into the loop and reconnects when it breaks.
func (s *session) receive(stream transport.Stream) {
	for {
		epoch := s.epoch.Load()
		err := s.pump(stream, epoch)
		if s.closed.Load() {
			return
		}
		s.log.Warn().Err(err).Msg("event stream broke")
		s.epoch.CompareAndSwap(epoch, epoch+1)
		s.m.transition(s, StateReconnecting)
		_ = stream.Close()

		next, err := s.reconnect()
		if err != nil {
			if !s.closed.Load() {
				s.m.fail(s, err)
			}
			return
		}
		stream = next
	}
}

func (s *session) pump(stream transport.Stream, epoch uint64) error {
	for {
		ev, err := stream.Recv(s.ctx)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownEvent) {
				s.log.Debug().Err(err).Msg("skipping unknown event")
				continue
			}
			return err
		}
		name := ev.Name()
		s.loop.submit(task{
			epoch: epoch,
			run:   func() { s.dispatch(ev) },
			drop: func() {
				s.log.Debug().Str("event", string(name)).Uint64("epoch", epoch).Msg("dropping stale event")
			},
		})
	}
}

// reconnect retries until a new stream and a fresh snapshot are in hand, then
// queues the resync ahead of any event read from the new stream.
func (s *session) reconnect() (transport.Stream, error) {
	var stream transport.Stream
	var snap snapshot
	attempt := 0
	op := func() error {
		if s.closed.Load() {
			return backoff.Permanent(errSessionClosed)
		}
		attempt++
		s.tokens.Invalidate()
		st, sn, err := s.establish(s.ctx, s.subscriptions())
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			return err
		}
		stream, snap = st, sn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.m.newBackOff(), s.ctx)); err != nil {
		return nil, &ConnectionError{Op: "reconnect", Err: err}
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = stream.Close()
		return nil, &ConnectionError{Op: "reconnect", Err: errSessionClosed}
	}
	s.stream = stream
	s.mu.Unlock()

	s.loop.submit(task{epoch: s.epoch.Load(), run: func() { s.applySnapshot(snap, true) }})
	s.m.transition(s, StateConnected)
	s.log.Info().Int("attempts", attempt).Int("rooms", len(snap.rooms)).Msg("reconnected")
	return stream, nil
}

func (s *session) close() {
	if s.closed.Swap(true) {
		return
	}
	s.epoch.Add(1)
	s.cancel()

	s.mu.Lock()
	subs := s.subs
	s.subs = map[string]*RoomSubscription{}
	s.released = map[string][]*RoomSubscription{}
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancelled.Store(true)
	}
	s.typing.Reset()
	s.timelines.Reset()
	if stream != nil {
		_ = stream.Close()
	}
	s.loop.stop()
	s.hookBarrier()
}

// deliverable is checked immediately before every hook call, on the loop.
func (s *session) deliverable() bool {
	return !s.closed.Load() && s.epoch.Load() == s.loop.current
}

func (s *session) callGlobal(fn func()) {
	s.invoke(s.deliverable, fn)
}

func (s *session) callRoom(sub *RoomSubscription, fn func()) {
	s.invoke(func() bool { return s.deliverable() && !sub.Cancelled() }, fn)
}

func (s *session) invoke(ok func() bool, fn func()) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if !ok() {
		return
	}
	fn()
}

// hookBarrier returns once a hook that passed its delivery check before the
// caller flipped a flag has finished. On the loop goroutine it returns at
// once: no other hook can be running there, and a hook calling in would wait
// for itself.
func (s *session) hookBarrier() {
	if s.loop.onLoop() {
		return
	}
	s.hookMu.Lock()
	s.hookMu.Unlock() //nolint:staticcheck
}

// submitLatest queues fn for the current epoch. If an epoch change discards
// it, it is queued again for the new epoch, unless the session is closed.
func (s *session) submitLatest(fn func()) {
	var t task
	t = task{
		epoch: s.epoch.Load(),
		run:   fn,
		drop: func() {
			if s.closed.Load() {
				return
			}
			t.epoch = s.epoch.Load()
			s.loop.submit(t)
		},
	}
	s.loop.submit(t)
}

func (s *session) subscription(roomID string) *RoomSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[roomID]
}

func (s *session) liveSubscription(roomID string) *RoomSubscription {
	sub := s.subscription(roomID)
	if sub == nil || !sub.active.Load() || sub.Cancelled() {
		return nil
	}
	return sub
}

// subscriptions returns pending and live subscriptions, sorted by room.
func (s *session) subscriptions() []*RoomSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*RoomSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		ret = append(ret, sub)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].roomID < ret[j].roomID })
	return ret
}

func (s *session) limiter(roomID string, every rate.Limit) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[roomID]
	if !ok {
		l = rate.NewLimiter(every, 1)
		s.limiters[roomID] = l
	}
	return l
}

func (s *session) toMessages(ws []wire.Message) ([]model.Message, error) {
	ret := make([]model.Message, 0, len(ws))
	for _, w := range ws {
		m, err := s.toMessage(w)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, nil
}

func (s *session) toMessage(w wire.Message) (model.Message, error) {
	ps, err := s.assembler.Assemble(w.Parts)
	if err != nil {
		return model.Message{}, errors.Wrapf(err, "message %d", w.ID)
	}
	return model.Message{
		ID:        w.ID,
		SenderID:  w.UserID,
		RoomID:    w.RoomID,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
		Parts:     ps,
	}, nil
}

type authedResolver struct {
	r      parts.Resolver
	tokens auth.TokenProvider
}

func (a *authedResolver) ResolveAttachment(ctx context.Context, attachmentID string) (wire.ResolvedAttachment, error) {
	return authed(ctx, a.tokens, func(ctx context.Context) (wire.ResolvedAttachment, error) {
		return a.r.ResolveAttachment(ctx, attachmentID)
	})
}
