// Package typing turns a stream of "is typing" signals into start/stop
// notifications per (room, user).
package typing

import (
	"sync"
	"time"
)

// DefaultTimeout is how long a user is considered typing after the last signal.
const DefaultTimeout = 1500 * time.Millisecond

type Callback func(roomID, userID string)

type key struct {
	roomID string
	userID string
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer keeps one inactivity timer per (room, user). onStart fires on the
// caller's goroutine; onStop fires either on the caller's goroutine (explicit
// stop) or through the executor on expiry. Callbacks never run with the
// internal lock held.
type Debouncer struct {
	timeout time.Duration
	onStart Callback
	onStop  Callback
	exec    func(func())

	mu      sync.Mutex
	entries map[key]*entry
	gen     uint64
}

type Option func(*Debouncer)

// WithExecutor hands expiry handling to exec instead of running it on the
// timer goroutine. The session uses it to serialize expiries with events.
func WithExecutor(exec func(func())) Option {
	return func(d *Debouncer) {
		if exec != nil {
			d.exec = exec
		}
	}
}

func NewDebouncer(timeout time.Duration, onStart, onStop Callback, opts ...Option) *Debouncer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Debouncer{
		timeout: timeout,
		onStart: onStart,
		onStop:  onStop,
		exec:    func(fn func()) { fn() },
		entries: map[key]*entry{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start handles a typing signal. It reports whether a start notification was
// emitted; a running timer is only reset.
func (d *Debouncer) Start(roomID, userID string) bool {
	k := key{roomID, userID}
	d.mu.Lock()
	if e, ok := d.entries[k]; ok {
		e.timer.Stop()
		d.scheduleLocked(k, e)
		d.mu.Unlock()
		return false
	}
	e := &entry{}
	d.entries[k] = e
	d.scheduleLocked(k, e)
	d.mu.Unlock()

	if d.onStart != nil {
		d.onStart(roomID, userID)
	}
	return true
}

// Stop handles an explicit stop signal and reports whether a stop notification
// was emitted.
func (d *Debouncer) Stop(roomID, userID string) bool {
	k := key{roomID, userID}
	d.mu.Lock()
	e, ok := d.entries[k]
	if !ok {
		d.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(d.entries, k)
	d.mu.Unlock()

	if d.onStop != nil {
		d.onStop(roomID, userID)
	}
	return true
}

// IsTyping reports whether a timer is running for the pair.
func (d *Debouncer) IsTyping(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key{roomID, userID}]
	return ok
}

// ClearRoom drops every timer of roomID without notifying.
func (d *Debouncer) ClearRoom(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.entries {
		if k.roomID == roomID {
			e.timer.Stop()
			delete(d.entries, k)
		}
	}
}

// Clear drops the timer of one pair without notifying and reports whether one
// was running.
func (d *Debouncer) Clear(roomID, userID string) bool {
	k := key{roomID, userID}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.entries, k)
	return true
}

// Reset drops every timer without notifying.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, k)
	}
}

func (d *Debouncer) scheduleLocked(k key, e *entry) {
	d.gen++
	gen := d.gen
	e.gen = gen
	e.timer = time.AfterFunc(d.timeout, func() {
		d.exec(func() { d.expire(k, gen) })
	})
}

// expire only fires when the entry still belongs to the timer that scheduled
// it; a reset or stop in between bumps or removes the entry.
func (d *Debouncer) expire(k key, gen uint64) {
	d.mu.Lock()
	e, ok := d.entries[k]
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.entries, k)
	d.mu.Unlock()

	if d.onStop != nil {
		d.onStop(k.roomID, k.userID)
	}
}
