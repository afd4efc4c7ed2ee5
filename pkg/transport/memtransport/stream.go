package memtransport

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// Stream is an unbounded in-order event queue for one user.
type Stream struct {
	srv    *Server
	userID string

	mu     sync.Mutex
	queue  []wire.Event
	err    error
	closed bool
	wake   chan struct{}
}

func newStream(srv *Server, userID string) *Stream {
	return &Stream{srv: srv, userID: userID, wake: make(chan struct{}, 1)}
}

func (st *Stream) Recv(ctx context.Context) (wire.Event, error) {
	for {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return nil, transport.ErrStreamClosed
		}
		if len(st.queue) > 0 {
			ev := st.queue[0]
			st.queue = st.queue[1:]
			st.mu.Unlock()
			return ev, nil
		}
		if st.err != nil {
			err := st.err
			st.mu.Unlock()
			return nil, err
		}
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-st.wake:
		}
	}
}

func (st *Stream) Close() error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	st.signal()
	st.srv.removeStream(st)
	return nil
}

func (st *Stream) push(ev wire.Event) {
	st.mu.Lock()
	if st.closed || st.err != nil {
		st.mu.Unlock()
		return
	}
	st.queue = append(st.queue, ev)
	st.mu.Unlock()
	st.signal()
}

// fail drops queued events; a broken connection loses what it had not read.
func (st *Stream) fail(err error) {
	st.mu.Lock()
	st.err = err
	st.queue = nil
	st.mu.Unlock()
	st.signal()
	st.srv.removeStream(st)
}

func (st *Stream) alive() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.closed && st.err == nil
}

func (st *Stream) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}
