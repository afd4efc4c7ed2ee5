package chat

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// task is one unit of work for the event loop. drop runs instead of run when
// the task is discarded because its epoch is stale or the loop stopped.
type task struct {
	epoch uint64
	run   func()
	drop  func()
}

// eventLoop runs tasks one at a time, in submission order, on a single
// goroutine. The queue is unbounded so that submitters never block.
type eventLoop struct {
	mu      sync.Mutex
	queue   []task
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// epoch of the task being run; only read and written by the loop goroutine
	current uint64
	// id of the goroutine running the loop, 0 until run starts
	gid atomic.Uint64
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *eventLoop) submit(t task) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		if t.drop != nil {
			t.drop()
		}
		return false
	}
	l.enqueueLocked(t)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *eventLoop) enqueueLocked(t task) {
	l.queue = append(l.queue, t)
}

func (l *eventLoop) dequeueLocked() (task, bool) {
	if len(l.queue) == 0 {
		return task{}, false
	}
	t := l.queue[0]
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	return t, true
}

// run executes tasks until stop is called. Tasks whose epoch differs from
// epoch() at the time they are dequeued are dropped.
func (l *eventLoop) run(epoch func() uint64) {
	defer close(l.done)
	l.gid.Store(goroutineID())
	for {
		l.mu.Lock()
		if l.stopped {
			rest := l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, t := range rest {
				if t.drop != nil {
					t.drop()
				}
			}
			return
		}
		t, ok := l.dequeueLocked()
		l.mu.Unlock()

		if !ok {
			<-l.wake
			continue
		}
		if t.epoch != epoch() {
			if t.drop != nil {
				t.drop()
			}
			continue
		}
		l.current = t.epoch
		t.run()
	}
}

// stop does not wait for the running task, so it is safe to call from one.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.signal()
}

func (l *eventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// onLoop reports whether the caller is the loop goroutine, which is the only
// goroutine that runs hooks.
func (l *eventLoop) onLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goroutineID()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id from the header of the current goroutine's stack
// trace ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
