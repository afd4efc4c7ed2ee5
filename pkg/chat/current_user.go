package chat

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/chatsync/pkg/cursors"
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/parts"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// CurrentUser is the caller's handle on a connected session. Reads return
// snapshots of the session state and keep working after disconnect; network
// operations on a disconnected session fail with ConnectionError.
type CurrentUser struct {
	ID        string
	Name      string
	AvatarURL string

	s *session
}

func (u *CurrentUser) session(op string) (*session, error) {
	if u.s.closed.Load() {
		return nil, &ConnectionError{Op: op, Err: errSessionClosed}
	}
	return u.s, nil
}

// Rooms returns the rooms the user belongs to, sorted by id.
func (u *CurrentUser) Rooms() []model.Room {
	return u.s.reg.Rooms()
}

// Users returns every user known to the session, sorted by id.
func (u *CurrentUser) Users() []model.User {
	return u.s.reg.Users()
}

func (u *CurrentUser) Room(id string) (model.Room, bool) {
	return u.s.reg.Room(id)
}

func (u *CurrentUser) User(id string) (model.User, bool) {
	return u.s.reg.User(id)
}

// RoomSubscriptions returns the live subscriptions keyed by room id.
func (u *CurrentUser) RoomSubscriptions() map[string]*RoomSubscription {
	ret := map[string]*RoomSubscription{}
	for _, sub := range u.s.subscriptions() {
		if sub.active.Load() && !sub.Cancelled() {
			ret[sub.roomID] = sub
		}
	}
	return ret
}

// SubscribeToRoomMultipart fetches the room's state and newest messages and
// starts delivering its events to opts.Hooks. It fails with
// AlreadySubscribedError while another subscription of the room exists.
func (u *CurrentUser) SubscribeToRoomMultipart(ctx context.Context, opts SubscribeOptions) (model.Room, *RoomSubscription, error) {
	s, err := u.session("subscribe")
	if err != nil {
		return model.Room{}, nil, err
	}
	return s.subscribe(ctx, opts)
}

// FetchMultipartMessages pages through a room's history. The page is merged
// into the room's window only when the room has a live subscription that is
// still current when the response arrives.
func (u *CurrentUser) FetchMultipartMessages(ctx context.Context, roomID string, opts FetchOptions) ([]model.Message, error) {
	s, err := u.session("fetch messages")
	if err != nil {
		return nil, err
	}
	return s.fetchMessages(ctx, roomID, opts, s.liveSubscription(roomID))
}

// SetReadCursor moves the user's read cursor. A position the service refuses
// fails with *cursors.PositionError. A write that completes after the session
// changed is not cached; after a disconnect it fails with ConnectionError.
func (u *CurrentUser) SetReadCursor(ctx context.Context, roomID string, position int64) (model.Cursor, error) {
	s, err := u.session("set read cursor")
	if err != nil {
		return model.Cursor{}, err
	}
	epoch := s.epoch.Load()
	c, err := s.cursors.Set(ctx, roomID, position, cursors.WithCommit(func() bool {
		return !s.closed.Load() && s.epoch.Load() == epoch
	}))
	if errors.Is(err, cursors.ErrDiscarded) {
		if s.closed.Load() {
			return model.Cursor{}, &ConnectionError{Op: "set read cursor", Err: errSessionClosed}
		}
		s.log.Debug().Str("room_id", roomID).Msg("cursor accepted during session change, not cached")
		return c, nil
	}
	return c, err
}

// ReadCursor never blocks. userID "" means the current user. ok is false
// until a cursor for the pair was loaded, by connect, a subscription or an
// event.
func (u *CurrentUser) ReadCursor(roomID, userID string) (model.Cursor, bool) {
	return u.s.cursors.Get(roomID, userID)
}

// IsTypingIn tells the room that the user is typing. Signals are throttled
// per room; a throttled call succeeds without a request.
func (u *CurrentUser) IsTypingIn(ctx context.Context, roomID string) error {
	s, err := u.session("typing")
	if err != nil {
		return err
	}
	if !s.limiter(roomID, rate.Every(s.m.cfg.TypingThrottle)).Allow() {
		return nil
	}
	_, err = authed(ctx, s.tokens, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.SendTyping(ctx, roomID)
	})
	return errors.Wrapf(err, "chat: typing in room %s", roomID)
}

type MultipartMessageRequest struct {
	RoomID string
	Parts  []parts.SendPart
}

// SendMultipartMessage uploads attachment parts concurrently, then sends the
// message with the parts in their original order. It returns the new
// message id.
func (u *CurrentUser) SendMultipartMessage(ctx context.Context, req MultipartMessageRequest) (int64, error) {
	s, err := u.session("send message")
	if err != nil {
		return 0, err
	}
	if req.RoomID == "" {
		return 0, errors.New("chat: room id is empty")
	}
	if len(req.Parts) == 0 {
		return 0, errors.New("chat: message has no parts")
	}

	out := make([]wire.OutgoingPart, len(req.Parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range req.Parts {
		switch p := p.(type) {
		case parts.SendInline:
			content := p.Content
			out[i] = wire.OutgoingPart{Type: defaultType(p.Type, "text/plain"), Content: &content}
		case parts.SendURL:
			link := p.URL
			out[i] = wire.OutgoingPart{Type: defaultType(p.Type, "text/uri-list"), URL: &link}
		case parts.SendAttachment:
			g.Go(func() error {
				id, err := s.upload(gctx, req.RoomID, p.Upload)
				if err != nil {
					return errors.Wrapf(err, "upload %q", p.Upload.Name)
				}
				out[i] = wire.OutgoingPart{
					Type:       defaultType(p.Upload.Type, "application/octet-stream"),
					Attachment: &wire.AttachmentRef{ID: id},
				}
				return nil
			})
		default:
			return 0, errors.Errorf("chat: unsupported part %T", p)
		}
	}
	if err := g.Wait(); err != nil {
		return 0, errors.Wrap(err, "chat: send message")
	}

	id, err := authed(ctx, s.tokens, func(ctx context.Context) (int64, error) {
		return s.client.SendMessage(ctx, req.RoomID, out)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "chat: send message to room %s", req.RoomID)
	}
	s.log.Debug().Str("room_id", req.RoomID).Int64("message_id", id).Int("parts", len(out)).Msg("sent message")
	return id, nil
}

// SendMessageRequest is the single text message shape of the older API.
type SendMessageRequest struct {
	RoomID     string
	Text       string
	Link       string
	Attachment *wire.Upload
}

// SendMessage sends Text, followed by Link and Attachment when set.
//
// Deprecated: use SendMultipartMessage.
func (u *CurrentUser) SendMessage(ctx context.Context, req SendMessageRequest) (int64, error) {
	var ps []parts.SendPart
	if req.Text != "" {
		ps = append(ps, parts.SendInline{Type: "text/plain", Content: req.Text})
	}
	if req.Link != "" {
		ps = append(ps, parts.SendURL{Type: "text/uri-list", URL: req.Link})
	}
	if req.Attachment != nil {
		ps = append(ps, parts.SendAttachment{Upload: *req.Attachment})
	}
	return u.SendMultipartMessage(ctx, MultipartMessageRequest{RoomID: req.RoomID, Parts: ps})
}

// upload is not retried on an expired token because the body may already be
// consumed.
func (s *session) upload(ctx context.Context, roomID string, up wire.Upload) (string, error) {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return "", errors.Wrap(err, "fetch token")
	}
	return s.client.UploadAttachment(transport.WithToken(ctx, tok), roomID, up)
}

func defaultType(t, fallback string) string {
	if t == "" {
		return fallback
	}
	return t
}
