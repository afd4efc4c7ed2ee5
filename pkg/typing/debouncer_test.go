package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (r *recorder) start(roomID, userID string) {
	r.mu.Lock()
	r.starts = append(r.starts, roomID+"/"+userID)
	r.mu.Unlock()
}

func (r *recorder) stop(roomID, userID string) {
	r.mu.Lock()
	r.stops = append(r.stops, roomID+"/"+userID)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.stops)
}

func TestDebouncerManyStartsOneStartOneStop(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(80*time.Millisecond, rec.start, rec.stop)

	require.True(t, d.Start("r1", "u1"))
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		require.False(t, d.Start("r1", "u1"))
	}

	starts, stops := rec.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 0, stops)

	require.Eventually(t, func() bool {
		_, stops := rec.counts()
		return stops == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	starts, stops = rec.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
	require.False(t, d.IsTyping("r1", "u1"))
}

func TestDebouncerExplicitStopFiresOnce(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(50*time.Millisecond, rec.start, rec.stop)

	d.Start("r1", "u1")
	require.True(t, d.Stop("r1", "u1"))
	require.False(t, d.Stop("r1", "u1"))

	time.Sleep(100 * time.Millisecond)
	starts, stops := rec.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)

	require.True(t, d.Start("r1", "u1"))
	starts, _ = rec.counts()
	require.Equal(t, 2, starts)
}

func TestDebouncerKeysAreIndependent(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Second, rec.start, rec.stop)

	d.Start("r1", "u1")
	d.Start("r1", "u2")
	d.Start("r2", "u1")
	starts, _ := rec.counts()
	require.Equal(t, 3, starts)

	d.ClearRoom("r1")
	require.False(t, d.IsTyping("r1", "u1"))
	require.True(t, d.IsTyping("r2", "u1"))

	d.Reset()
	require.False(t, d.IsTyping("r2", "u1"))
	_, stops := rec.counts()
	require.Equal(t, 0, stops)
}

func TestDebouncerExecutorRunsExpiry(t *testing.T) {
	rec := &recorder{}
	queued := make(chan func(), 4)
	d := NewDebouncer(20*time.Millisecond, rec.start, rec.stop, WithExecutor(func(fn func()) { queued <- fn }))

	require.True(t, d.Start("r1", "u1"))

	var fn func()
	select {
	case fn = <-queued:
	case <-time.After(time.Second):
		t.Fatal("expiry was not handed to the executor")
	}
	_, stops := rec.counts()
	require.Equal(t, 0, stops)
	require.True(t, d.IsTyping("r1", "u1"))

	fn()
	_, stops = rec.counts()
	require.Equal(t, 1, stops)
	require.False(t, d.IsTyping("r1", "u1"))
}

func TestDebouncerClearIsSilent(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(time.Hour, rec.start, rec.stop)

	d.Start("r1", "u1")
	require.True(t, d.Clear("r1", "u1"))
	require.False(t, d.Clear("r1", "u1"))
	_, stops := rec.counts()
	require.Equal(t, 0, stops)
}
