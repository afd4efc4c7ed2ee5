package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/auth"
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/transport/memtransport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

type fixture struct {
	srv *memtransport.Server
	mgr *Manager
}

// newFixture seeds three users and three rooms. U1 is the connecting user
// and belongs to R1 (with U2) and R2 (with U3); R3 holds U2 and U3.
func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	srv := memtransport.NewServer()
	srv.AddUser(wire.User{ID: "U1", Name: "Ada"})
	srv.AddUser(wire.User{ID: "U2", Name: "Grace"})
	srv.AddUser(wire.User{ID: "U3", Name: "Linus"})
	srv.AddRoom(wire.Room{ID: "R1", Name: "general"}, "U1", "U2")
	srv.AddRoom(wire.Room{ID: "R2", Name: "random"}, "U1", "U3")
	srv.AddRoom(wire.Room{ID: "R3", Name: "private"}, "U2", "U3")

	client := srv.Client("U1")
	logger := zerolog.Nop()
	cfg := Config{
		UserID:        "U1",
		TokenProvider: auth.NewStatic("token"),
		Client:        client,
		Events:        client,
		TypingTimeout: 100 * time.Millisecond,
		Logger:        &logger,
		ReconnectBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 10)
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(mgr.Disconnect)
	return &fixture{srv: srv, mgr: mgr}
}

func (f *fixture) connect(t *testing.T, hooks ConnectionHooks) *CurrentUser {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	me, err := f.mgr.Connect(ctx, hooks)
	require.NoError(t, err)
	return me
}

func (f *fixture) subscribe(t *testing.T, me *CurrentUser, roomID string, limit int, hooks RoomHooks) *RoomSubscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, sub, err := me.SubscribeToRoomMultipart(ctx, SubscribeOptions{RoomID: roomID, MessageLimit: limit, Hooks: hooks})
	require.NoError(t, err)
	// wait for activation so that events posted afterwards take the live path
	require.Eventually(t, func() bool {
		_, ok := me.RoomSubscriptions()[roomID]
		return ok
	}, time.Second, 5*time.Millisecond)
	return sub
}

// journal records hook calls from the loop for assertions on the test goroutine.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func ids(msgs []model.Message) []int64 {
	ret := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, m.ID)
	}
	return ret
}

func idRange(from, to int64) []int64 {
	var ret []int64
	for i := from; i <= to; i++ {
		ret = append(ret, i)
	}
	return ret
}

func TestConnectLoadsInitialState(t *testing.T) {
	f := newFixture(t)
	f.srv.SetPresence("U2", "online")
	require.NoError(t, f.srv.Client("U1").SetCursor(context.Background(), "R1", 7))

	me := f.connect(t, ConnectionHooks{})

	require.Equal(t, StateConnected, f.mgr.State())
	require.Equal(t, "U1", me.ID)
	require.Equal(t, "Ada", me.Name)

	rooms := me.Rooms()
	require.Len(t, rooms, 2)
	require.Equal(t, "R1", rooms[0].ID)
	require.Equal(t, []string{"U1", "U2"}, rooms[0].UserIDs)
	require.Equal(t, "R2", rooms[1].ID)
	_, ok := me.Room("R3")
	require.False(t, ok)

	u2, ok := me.User("U2")
	require.True(t, ok)
	require.Equal(t, model.PresenceOnline, u2.Presence)
	u3, ok := me.User("U3")
	require.True(t, ok)
	require.Equal(t, model.PresenceOffline, u3.Presence)

	cur, ok := me.ReadCursor("R1", "")
	require.True(t, ok)
	require.Equal(t, int64(7), cur.Position)
	require.Equal(t, 1, f.srv.OpenStreams())
}

func TestConnectWhileConnectedFails(t *testing.T) {
	f := newFixture(t)
	f.connect(t, ConnectionHooks{})

	_, err := f.mgr.Connect(context.Background(), ConnectionHooks{})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, StateConnected, f.mgr.State())
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ConnectionTimeout = 50 * time.Millisecond })
	release := f.srv.Block(memtransport.OpInitialState)

	_, err := f.mgr.Connect(context.Background(), ConnectionHooks{})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "connection timeout")
	require.Equal(t, StateDisconnected, f.mgr.State())
	require.Equal(t, 0, f.srv.OpenStreams())

	release()
	f.connect(t, ConnectionHooks{})
	require.Equal(t, StateConnected, f.mgr.State())
}

func TestConnectTokenFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TokenProvider = auth.NewStatic("") })

	_, err := f.mgr.Connect(context.Background(), ConnectionHooks{})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, StateDisconnected, f.mgr.State())
	require.Equal(t, 0, f.srv.Calls(memtransport.OpOpen))
}

func TestNewManagerValidatesConfig(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)

	srv := memtransport.NewServer()
	c := srv.Client("U1")
	_, err = NewManager(Config{UserID: "U1", Client: c, Events: c})
	require.Error(t, err)
}

type rotatingTokens struct {
	mu          sync.Mutex
	generation  int
	invalidated int
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("t%d", r.generation+1), nil
}

func (r *rotatingTokens) Invalidate() {
	r.mu.Lock()
	r.generation++
	r.invalidated++
	r.mu.Unlock()
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	tokens := &rotatingTokens{}
	f := newFixture(t, func(c *Config) { c.TokenProvider = tokens })
	f.srv.ValidToken = func(tok string) bool { return tok != "t1" }

	me := f.connect(t, ConnectionHooks{})
	require.Len(t, me.Rooms(), 2)

	tokens.mu.Lock()
	require.Equal(t, 1, tokens.invalidated)
	tokens.mu.Unlock()
	// the rejected open plus the retried one
	require.Equal(t, 2, f.srv.Calls(memtransport.OpOpen))
}

func TestDisconnectIsIdempotentAndSilencesHooks(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	me := f.connect(t, ConnectionHooks{
		OnPresenceChanged: func(_ model.PresenceChange, u model.User) { j.add("presence %s", u.ID) },
	})
	sub := f.subscribe(t, me, "R1", 10, RoomHooks{
		OnMessage: func(m model.Message) { j.add("message %d", m.ID) },
	})

	f.mgr.Disconnect()
	f.mgr.Disconnect()
	require.Equal(t, StateDisconnected, f.mgr.State())
	require.True(t, sub.Cancelled())
	require.Equal(t, 0, f.srv.OpenStreams())

	f.srv.Post(memtransport.TextMessage("R1", "U2", "hello"))
	f.srv.SetPresence("U3", "online")
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, j.all())

	_, _, err := me.SubscribeToRoomMultipart(context.Background(), SubscribeOptions{RoomID: "R2"})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	_, err = me.SetReadCursor(context.Background(), "R1", 3)
	require.ErrorAs(t, err, &ce)
	require.Len(t, me.Rooms(), 2)

	_, err = sub.Messages()
	require.ErrorIs(t, err, ErrSubscriptionCancelled)
}

func TestDisconnectFromHook(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})
	j := &journal{}
	f.subscribe(t, me, "R1", 10, RoomHooks{
		OnMessage: func(m model.Message) {
			j.add("message %d", m.ID)
			f.mgr.Disconnect()
		},
	})

	f.srv.Post(memtransport.TextMessage("R1", "U2", "first"))
	require.Eventually(t, func() bool { return f.mgr.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	f.srv.Post(memtransport.TextMessage("R1", "U2", "second"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"message 1"}, j.all())
}

func TestDisconnectWaitsForRunningHook(t *testing.T) {
	f := newFixture(t)
	me := f.connect(t, ConnectionHooks{})
	started := make(chan struct{})
	var finished atomic.Bool
	f.subscribe(t, me, "R1", 10, RoomHooks{
		OnMessage: func(model.Message) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
		},
	})

	f.srv.Post(memtransport.TextMessage("R1", "U2", "slow"))
	<-started
	f.mgr.Disconnect()
	require.True(t, finished.Load())
	require.Equal(t, StateDisconnected, f.mgr.State())
}

func TestReconnectResyncsState(t *testing.T) {
	f := newFixture(t)
	f.srv.SeedText("R1", "U2", 5)

	global := &journal{}
	me := f.connect(t, ConnectionHooks{
		OnAddedToRoom: func(r model.Room) { global.add("added %s", r.ID) },
	})
	room := &journal{}
	sub := f.subscribe(t, me, "R1", 10, RoomHooks{
		OnMessage: func(m model.Message) { room.add("message %d", m.ID) },
		OnPresenceChanged: func(c model.PresenceChange, u model.User) {
			room.add("presence %s %s->%s", u.ID, c.Previous, c.Current)
		},
	})

	release := f.srv.Block(memtransport.OpOpen)
	f.srv.BreakStreams(nil)
	require.Eventually(t, func() bool { return f.mgr.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	// changes made while the stream is down reach the client only via resync
	f.srv.Seed("R1",
		memtransport.TextMessage("R1", "U2", "missed 1"),
		memtransport.TextMessage("R1", "U2", "missed 2"))
	f.srv.SetPresence("U2", "online")
	f.srv.AddRoom(wire.Room{ID: "R4", Name: "new"}, "U1", "U2")
	release()

	require.Eventually(t, func() bool {
		return f.mgr.State() == StateConnected && room.len() == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []string{
		"presence U2 offline->online",
		"message 6",
		"message 7",
	}, room.all())
	require.Equal(t, []string{"added R4"}, global.all())
	require.Equal(t, 2, f.srv.Calls(memtransport.OpOpen))

	msgs, err := sub.Messages()
	require.NoError(t, err)
	require.Equal(t, idRange(1, 7), ids(msgs))

	f.srv.Post(memtransport.TextMessage("R1", "U2", "live"))
	require.Eventually(t, func() bool { return room.len() == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "message 8", room.all()[3])
}

func TestReconnectGivesUp(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ReconnectBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 2)
		}
	})
	me := f.connect(t, ConnectionHooks{})
	sub := f.subscribe(t, me, "R1", 10, RoomHooks{})

	for i := 0; i < 3; i++ {
		f.srv.FailNext(memtransport.OpOpen, errors.New("service unavailable"))
	}
	f.srv.BreakStreams(nil)

	require.Eventually(t, func() bool {
		return f.mgr.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, sub.Cancelled())
	require.Equal(t, 4, f.srv.Calls(memtransport.OpOpen))

	_, err := me.SetReadCursor(context.Background(), "R1", 1)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)

	f.connect(t, ConnectionHooks{})
	require.Equal(t, StateConnected, f.mgr.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "reconnecting", StateReconnecting.String())
	require.Equal(t, "unknown", State(42).String())
}
