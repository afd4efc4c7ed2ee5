// Package transport declares the collaborators the chat core consumes: a
// request/response Client and a server-push EventSource. Concrete adapters live
// in the subpackages.
package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/wire"
)

var (
	// ErrRejected marks a request the service understood and refused, for
	// example a cursor position it does not accept.
	ErrRejected = errors.New("rejected by service")
	// ErrUnauthorized marks an expired or invalid token.
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	// ErrStreamClosed is returned by Stream.Recv after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// Client is the request/response side of the service. Every call reads the
// bearer token from the context (see WithToken).
type Client interface {
	FetchInitialState(ctx context.Context, userID string) (wire.InitialState, error)
	FetchUsers(ctx context.Context, ids []string) ([]wire.User, error)
	FetchPresence(ctx context.Context, ids []string) ([]wire.PresenceState, error)
	FetchRoom(ctx context.Context, roomID string) (wire.RoomState, error)
	FetchMessages(ctx context.Context, req wire.FetchMessagesRequest) ([]wire.Message, error)
	SendMessage(ctx context.Context, roomID string, parts []wire.OutgoingPart) (int64, error)
	UploadAttachment(ctx context.Context, roomID string, upload wire.Upload) (string, error)
	SetCursor(ctx context.Context, roomID string, position int64) error
	SendTyping(ctx context.Context, roomID string) error
}

// Stream delivers server events in order. Recv blocks until an event arrives,
// the context is done or the stream breaks.
type Stream interface {
	Recv(ctx context.Context) (wire.Event, error)
	Close() error
}

type EventSource interface {
	Open(ctx context.Context, userID string) (Stream, error)
}

type tokenKey struct{}

func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func TokenFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tokenKey{}).(string)
	return s
}
