// Package cursors caches read cursors per (room, user).
package cursors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

// Writer persists the current user's cursor on the service.
type Writer interface {
	SetCursor(ctx context.Context, roomID string, position int64) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, roomID string, position int64) error

func (f WriterFunc) SetCursor(ctx context.Context, roomID string, position int64) error {
	return f(ctx, roomID, position)
}

// PositionError is returned when the service refuses a cursor position.
// Whether lower positions are acceptable is the service's decision.
type PositionError struct {
	RoomID   string
	Position int64
	Err      error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("cursor position %d rejected for room %s: %v", e.Position, e.RoomID, e.Err)
}

func (e *PositionError) Unwrap() error { return e.Err }

type key struct {
	roomID string
	userID string
}

type Store struct {
	userID string
	writer Writer
	now    func() time.Time

	mu      sync.RWMutex
	cursors map[key]model.Cursor
}

// NewStore returns a store for the session of userID.
func NewStore(userID string, w Writer) *Store {
	return &Store{
		userID:  userID,
		writer:  w,
		now:     time.Now,
		cursors: map[key]model.Cursor{},
	}
}

// ErrDiscarded is returned with the accepted cursor when the service took the
// write but the commit check refused to cache it.
var ErrDiscarded = errors.New("cursors: accepted cursor not cached")

type setOptions struct {
	commit func() bool
}

type SetOption func(*setOptions)

// WithCommit makes Set cache the cursor only if commit still returns true once
// the write succeeded. commit runs under the store lock.
func WithCommit(commit func() bool) SetOption {
	return func(o *setOptions) {
		o.commit = commit
	}
}

// Set writes the current user's cursor through the Writer and caches it once
// the service accepted it.
func (s *Store) Set(ctx context.Context, roomID string, position int64, opts ...SetOption) (model.Cursor, error) {
	if roomID == "" {
		return model.Cursor{}, errors.New("cursors: room id is empty")
	}
	if s.writer == nil {
		return model.Cursor{}, errors.New("cursors: no writer configured")
	}
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.writer.SetCursor(ctx, roomID, position); err != nil {
		if errors.Is(err, transport.ErrRejected) {
			return model.Cursor{}, &PositionError{RoomID: roomID, Position: position, Err: err}
		}
		return model.Cursor{}, errors.Wrapf(err, "cursors: set cursor in room %s", roomID)
	}
	c := model.Cursor{
		RoomID:    roomID,
		UserID:    s.userID,
		Position:  position,
		UpdatedAt: s.now(),
		Type:      model.CursorTypeRead,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.commit != nil && !o.commit() {
		return c, ErrDiscarded
	}
	s.cursors[key{roomID, s.userID}] = c
	return c, nil
}

// Get never blocks; ok is false when no cursor was loaded for the pair.
func (s *Store) Get(roomID, userID string) (model.Cursor, bool) {
	if userID == "" {
		userID = s.userID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[key{roomID, userID}]
	return c, ok
}

// Observe records a cursor seen on the wire. The latest arrival wins, whether
// or not it moves the position forward. It reports whether anything changed.
func (s *Store) Observe(c model.Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.RoomID, c.UserID}
	prev, ok := s.cursors[k]
	s.cursors[k] = c
	return !ok || prev.Position != c.Position || !prev.UpdatedAt.Equal(c.UpdatedAt)
}

func (s *Store) Load(cs []model.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		s.cursors[key{c.RoomID, c.UserID}] = c
	}
}

// DropRoom forgets other users' cursors for roomID. The current user's own
// cursor is kept because it is part of the session's initial state.
func (s *Store) DropRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cursors {
		if k.roomID == roomID && k.userID != s.userID {
			delete(s.cursors, k)
		}
	}
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.cursors = map[key]model.Cursor{}
	s.mu.Unlock()
}
