package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSubscriptionCancelled is returned by operations on a cancelled
// RoomSubscription. No request is made.
var ErrSubscriptionCancelled = errors.New("chat: subscription cancelled")

var (
	errSessionClosed = errors.New("session closed")
	errStaleSession  = errors.New("session changed while the request was in flight")
)

// ConnectionError reports a failed connect, reconnect or a network operation
// attempted on a session that is gone.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AlreadySubscribedError is returned when the room already has a pending or
// live subscription in the session. Existing is that subscription.
type AlreadySubscribedError struct {
	RoomID   string
	Existing *RoomSubscription
}

func (e *AlreadySubscribedError) Error() string {
	return fmt.Sprintf("chat: room %s is already subscribed", e.RoomID)
}
