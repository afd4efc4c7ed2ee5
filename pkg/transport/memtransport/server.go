// Package memtransport is an in-memory chat service. It implements every
// collaborator the chat core consumes and lets tests push events, break
// streams, block calls and count requests.
package memtransport

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// Operation names, as counted by Calls and blocked by Block.
const (
	OpInitialState = "initial_state"
	OpUsers        = "users"
	OpPresence     = "presence"
	OpRoom         = "room"
	OpMessages     = "messages"
	OpSend         = "send"
	OpUpload       = "upload"
	OpResolve      = "resolve"
	OpCursor       = "cursor"
	OpTyping       = "typing"
	OpOpen         = "open"
)

type roomData struct {
	room     wire.Room
	members  map[string]struct{}
	messages []wire.Message
	cursors  map[string]wire.Cursor
}

type attachment struct {
	name string
	typ  string
	data []byte
}

// Server holds the whole service state. The zero value is not usable; call
// NewServer.
type Server struct {
	// ResolveTTL is the lifetime of signed attachment URLs.
	ResolveTTL time.Duration
	// RejectCursor, when set, decides which cursor writes are refused.
	RejectCursor func(roomID, userID string, position int64) bool
	// ValidToken, when set, is checked on every call; a false result fails
	// the call with transport.ErrUnauthorized.
	ValidToken func(token string) bool

	mu          sync.Mutex
	now         func() time.Time
	users       map[string]wire.User
	presence    map[string]string
	rooms       map[string]*roomData
	attachments map[string]attachment
	nextMsgID   int64
	nextAttach  int
	streams     map[*Stream]struct{}
	calls       map[string]int
	gates       map[string]chan struct{}
	failures    map[string][]error
}

func NewServer() *Server {
	return &Server{
		ResolveTTL:  time.Hour,
		now:         time.Now,
		users:       map[string]wire.User{},
		presence:    map[string]string{},
		rooms:       map[string]*roomData{},
		attachments: map[string]attachment{},
		streams:     map[*Stream]struct{}{},
		calls:       map[string]int{},
		gates:       map[string]chan struct{}{},
		failures:    map[string][]error{},
	}
}

// AddUser registers or replaces a user.
func (s *Server) AddUser(u wire.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
		u.UpdatedAt = u.CreatedAt
	}
	s.users[u.ID] = u
}

// AddRoom creates a room with the given members without emitting events.
func (s *Server) AddRoom(r wire.Room, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
		r.UpdatedAt = r.CreatedAt
	}
	rd := &roomData{room: r, members: map[string]struct{}{}, cursors: map[string]wire.Cursor{}}
	for _, m := range members {
		rd.members[m] = struct{}{}
	}
	s.rooms[r.ID] = rd
}

// Seed appends messages to a room history without emitting events. Ids are
// assigned when zero.
func (s *Server) Seed(roomID string, msgs ...wire.Message) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	ret := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, s.storeLocked(rd, m))
	}
	return ret
}

// SeedText appends n text messages from userID.
func (s *Server) SeedText(roomID, userID string, n int) []wire.Message {
	msgs := make([]wire.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, TextMessage(roomID, userID, fmt.Sprintf("message %d", i+1)))
	}
	return s.Seed(roomID, msgs...)
}

// SetNextMessageID makes the next stored message take id.
func (s *Server) SetNextMessageID(id int64) {
	s.mu.Lock()
	s.nextMsgID = id - 1
	s.mu.Unlock()
}

// Post stores a message and pushes it to the members' streams.
func (s *Server) Post(m wire.Message) wire.Message {
	s.mu.Lock()
	rd, ok := s.rooms[m.RoomID]
	if !ok {
		s.mu.Unlock()
		return wire.Message{}
	}
	stored := s.storeLocked(rd, m)
	var sender *wire.User
	if u, ok := s.users[m.UserID]; ok {
		sender = &u
	}
	targets := s.memberStreamsLocked(rd)
	s.mu.Unlock()
	deliver(targets, wire.NewMessage{Message: stored, Sender: sender})
	return stored
}

// SetPresence stores the state and notifies every stream.
func (s *Server) SetPresence(userID, state string) {
	s.mu.Lock()
	s.presence[userID] = state
	targets := s.allStreamsLocked()
	s.mu.Unlock()
	deliver(targets, wire.PresenceChanged{UserID: userID, State: state})
}

// Join adds a member and notifies the room, and the joining user.
func (s *Server) Join(roomID, userID string) {
	s.mu.Lock()
	rd, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	existing := s.memberStreamsLocked(rd)
	rd.members[userID] = struct{}{}
	var user *wire.User
	if u, ok := s.users[userID]; ok {
		user = &u
	}
	room := s.roomLocked(rd)
	users := s.usersLocked(rd)
	self := s.userStreamsLocked(userID)
	s.mu.Unlock()
	deliver(existing, wire.UserJoined{RoomID: roomID, UserID: userID, User: user})
	deliver(self, wire.AddedToRoom{Room: room, Users: users})
}

// Leave removes a member and notifies the room, and the leaving user.
func (s *Server) Leave(roomID, userID string) {
	s.mu.Lock()
	rd, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(rd.members, userID)
	remaining := s.memberStreamsLocked(rd)
	self := s.userStreamsLocked(userID)
	s.mu.Unlock()
	deliver(remaining, wire.UserLeft{RoomID: roomID, UserID: userID})
	deliver(self, wire.RemovedFromRoom{RoomID: roomID})
}

// DeleteMessage removes a message and notifies the room.
func (s *Server) DeleteMessage(roomID string, id int64) {
	s.mu.Lock()
	rd, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i, m := range rd.messages {
		if m.ID == id {
			rd.messages = append(rd.messages[:i], rd.messages[i+1:]...)
			break
		}
	}
	targets := s.memberStreamsLocked(rd)
	s.mu.Unlock()
	deliver(targets, wire.MessageDeleted{RoomID: roomID, MessageID: id})
}

// Push delivers ev to every open stream without touching the service state.
func (s *Server) Push(ev wire.Event) {
	s.mu.Lock()
	targets := s.allStreamsLocked()
	s.mu.Unlock()
	deliver(targets, ev)
}

// PushTo delivers ev to the streams of one user.
func (s *Server) PushTo(userID string, ev wire.Event) {
	s.mu.Lock()
	targets := s.userStreamsLocked(userID)
	s.mu.Unlock()
	deliver(targets, ev)
}

// BreakStreams makes every open stream fail with err.
func (s *Server) BreakStreams(err error) {
	if err == nil {
		err = errors.New("connection reset")
	}
	s.mu.Lock()
	targets := s.allStreamsLocked()
	s.mu.Unlock()
	for _, st := range targets {
		st.fail(err)
	}
}

// OpenStreams counts streams that were opened and not closed or broken.
func (s *Server) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for st := range s.streams {
		if st.alive() {
			n++
		}
	}
	return n
}

// Block makes calls of op wait until release is called.
func (s *Server) Block(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[op] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[op] == ch {
				delete(s.gates, op)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// FailNext makes the next call of op return err.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Messages returns the stored history of a room, ascending.
func (s *Server) Messages(roomID string) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]wire.Message(nil), rd.messages...)
}

// Attachment returns the bytes of an uploaded attachment.
func (s *Server) Attachment(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	return a.data, ok
}

// Client returns a collaborator bound to userID.
func (s *Server) Client(userID string) *Client {
	return &Client{srv: s, userID: userID}
}

// TextMessage builds a single inline text part message.
func TextMessage(roomID, userID, text string) wire.Message {
	return wire.Message{
		RoomID: roomID,
		UserID: userID,
		Parts:  []wire.Part{{Type: "text/plain", Content: &text}},
	}
}

func (s *Server) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	gate := s.gates[op]
	var failure error
	if q := s.failures[op]; len(q) > 0 {
		failure = q[0]
		s.failures[op] = q[1:]
	}
	valid := s.ValidToken
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}
	if valid != nil && !valid(transport.TokenFromContext(ctx)) {
		return errors.Wrapf(transport.ErrUnauthorized, "memtransport: %s", op)
	}
	return nil
}

func (s *Server) storeLocked(rd *roomData, m wire.Message) wire.Message {
	if m.ID == 0 {
		s.nextMsgID++
		m.ID = s.nextMsgID
	} else if m.ID > s.nextMsgID {
		s.nextMsgID = m.ID
	}
	m.RoomID = rd.room.ID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
		m.UpdatedAt = m.CreatedAt
	}
	i := sort.Search(len(rd.messages), func(i int) bool { return rd.messages[i].ID >= m.ID })
	rd.messages = append(rd.messages, wire.Message{})
	copy(rd.messages[i+1:], rd.messages[i:])
	rd.messages[i] = m
	at := m.CreatedAt
	rd.room.LastMessageAt = &at
	return m
}

func (s *Server) roomLocked(rd *roomData) wire.Room {
	r := rd.room
	r.MemberUserIDs = make([]string, 0, len(rd.members))
	for id := range rd.members {
		r.MemberUserIDs = append(r.MemberUserIDs, id)
	}
	sort.Strings(r.MemberUserIDs)
	return r
}

func (s *Server) usersLocked(rd *roomData) []wire.User {
	var ret []wire.User
	for _, id := range s.roomLocked(rd).MemberUserIDs {
		if u, ok := s.users[id]; ok {
			ret = append(ret, u)
		}
	}
	return ret
}

func (s *Server) allStreamsLocked() []*Stream {
	ret := make([]*Stream, 0, len(s.streams))
	for st := range s.streams {
		ret = append(ret, st)
	}
	return ret
}

func (s *Server) userStreamsLocked(userID string) []*Stream {
	var ret []*Stream
	for st := range s.streams {
		if st.userID == userID {
			ret = append(ret, st)
		}
	}
	return ret
}

func (s *Server) memberStreamsLocked(rd *roomData) []*Stream {
	var ret []*Stream
	for st := range s.streams {
		if _, ok := rd.members[st.userID]; ok {
			ret = append(ret, st)
		}
	}
	return ret
}

func deliver(targets []*Stream, ev wire.Event) {
	for _, st := range targets {
		st.push(ev)
	}
}

// Client is the per-user view of a Server. It implements transport.Client,
// transport.EventSource and parts.Resolver.
type Client struct {
	srv    *Server
	userID string
}

var _ transport.Client = (*Client)(nil)
var _ transport.EventSource = (*Client)(nil)

func (c *Client) FetchInitialState(ctx context.Context, userID string) (wire.InitialState, error) {
	s := c.srv
	if err := s.enter(ctx, OpInitialState); err != nil {
		return wire.InitialState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return wire.InitialState{}, errors.Wrapf(transport.ErrNotFound, "memtransport: user %s", userID)
	}
	st := wire.InitialState{CurrentUser: u}
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rd := s.rooms[id]
		if _, member := rd.members[userID]; !member {
			continue
		}
		st.Rooms = append(st.Rooms, s.roomLocked(rd))
		if cur, ok := rd.cursors[userID]; ok {
			st.Cursors = append(st.Cursors, cur)
		}
	}
	return st, nil
}

func (c *Client) FetchUsers(ctx context.Context, ids []string) ([]wire.User, error) {
	s := c.srv
	if err := s.enter(ctx, OpUsers); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []wire.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			ret = append(ret, u)
		}
	}
	return ret, nil
}

// FetchPresence only reports users whose presence was set.
func (c *Client) FetchPresence(ctx context.Context, ids []string) ([]wire.PresenceState, error) {
	s := c.srv
	if err := s.enter(ctx, OpPresence); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []wire.PresenceState
	for _, id := range ids {
		if st, ok := s.presence[id]; ok {
			ret = append(ret, wire.PresenceState{UserID: id, State: st})
		}
	}
	return ret, nil
}

func (c *Client) FetchRoom(ctx context.Context, roomID string) (wire.RoomState, error) {
	s := c.srv
	if err := s.enter(ctx, OpRoom); err != nil {
		return wire.RoomState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.rooms[roomID]
	if !ok {
		return wire.RoomState{}, errors.Wrapf(transport.ErrNotFound, "memtransport: room %s", roomID)
	}
	st := wire.RoomState{Room: s.roomLocked(rd), Users: s.usersLocked(rd)}
	for _, id := range st.Room.MemberUserIDs {
		if p, ok := s.presence[id]; ok {
			st.Presence = append(st.Presence, wire.PresenceState{UserID: id, State: p})
		}
		if cur, ok := rd.cursors[id]; ok {
			st.Cursors = append(st.Cursors, cur)
		}
	}
	return st, nil
}

// FetchMessages returns "older" pages newest first and "newer" pages oldest
// first, the way the service pages.
func (c *Client) FetchMessages(ctx context.Context, req wire.FetchMessagesRequest) ([]wire.Message, error) {
	s := c.srv
	if err := s.enter(ctx, OpMessages); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.rooms[req.RoomID]
	if !ok {
		return nil, errors.Wrapf(transport.ErrNotFound, "memtransport: room %s", req.RoomID)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	var ret []wire.Message
	if req.Direction == wire.DirectionNewer {
		for _, m := range rd.messages {
			if m.ID > req.InitialID {
				ret = append(ret, m)
				if len(ret) == limit {
					break
				}
			}
		}
		return ret, nil
	}
	for i := len(rd.messages) - 1; i >= 0 && len(ret) < limit; i-- {
		m := rd.messages[i]
		if req.InitialID == 0 || m.ID < req.InitialID {
			ret = append(ret, m)
		}
	}
	return ret, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID string, parts []wire.OutgoingPart) (int64, error) {
	s := c.srv
	if err := s.enter(ctx, OpSend); err != nil {
		return 0, err
	}
	s.mu.Lock()
	rd, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return 0, errors.Wrapf(transport.ErrNotFound, "memtransport: room %s", roomID)
	}
	if _, member := rd.members[c.userID]; !member {
		s.mu.Unlock()
		return 0, errors.Wrapf(transport.ErrRejected, "memtransport: %s is not a member of %s", c.userID, roomID)
	}
	m := wire.Message{UserID: c.userID}
	for _, p := range parts {
		wp := wire.Part{Type: p.Type, Content: p.Content, URL: p.URL}
		if p.Attachment != nil {
			a, ok := s.attachments[p.Attachment.ID]
			if !ok {
				s.mu.Unlock()
				return 0, errors.Wrapf(transport.ErrRejected, "memtransport: unknown attachment %s", p.Attachment.ID)
			}
			wp.Attachment = &wire.Attachment{ID: p.Attachment.ID, Name: a.name, Size: int64(len(a.data))}
		}
		m.Parts = append(m.Parts, wp)
	}
	stored := s.storeLocked(rd, m)
	var sender *wire.User
	if u, ok := s.users[c.userID]; ok {
		sender = &u
	}
	targets := s.memberStreamsLocked(rd)
	s.mu.Unlock()
	deliver(targets, wire.NewMessage{Message: stored, Sender: sender})
	return stored.ID, nil
}

func (c *Client) UploadAttachment(ctx context.Context, roomID string, upload wire.Upload) (string, error) {
	s := c.srv
	if err := s.enter(ctx, OpUpload); err != nil {
		return "", err
	}
	var data []byte
	if upload.Body != nil {
		b, err := io.ReadAll(upload.Body)
		if err != nil {
			return "", errors.Wrap(err, "memtransport: read upload")
		}
		data = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return "", errors.Wrapf(transport.ErrNotFound, "memtransport: room %s", roomID)
	}
	s.nextAttach++
	id := fmt.Sprintf("att-%d", s.nextAttach)
	s.attachments[id] = attachment{name: upload.Name, typ: upload.Type, data: data}
	return id, nil
}

// ResolveAttachment signs a URL that changes on every resolution.
func (c *Client) ResolveAttachment(ctx context.Context, attachmentID string) (wire.ResolvedAttachment, error) {
	s := c.srv
	if err := s.enter(ctx, OpResolve); err != nil {
		return wire.ResolvedAttachment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[attachmentID]; !ok {
		return wire.ResolvedAttachment{}, errors.Wrapf(transport.ErrNotFound, "memtransport: attachment %s", attachmentID)
	}
	n := s.calls[OpResolve]
	return wire.ResolvedAttachment{
		URL:    fmt.Sprintf("mem://attachments/%s?sig=%d", attachmentID, n),
		Expiry: s.now().Add(s.ResolveTTL),
	}, nil
}

func (c *Client) SetCursor(ctx context.Context, roomID string, position int64) error {
	s := c.srv
	if err := s.enter(ctx, OpCursor); err != nil {
		return err
	}
	s.mu.Lock()
	rd, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(transport.ErrNotFound, "memtransport: room %s", roomID)
	}
	if s.RejectCursor != nil && s.RejectCursor(roomID, c.userID, position) {
		s.mu.Unlock()
		return errors.Wrapf(transport.ErrRejected, "memtransport: cursor %d", position)
	}
	cur := wire.Cursor{RoomID: roomID, UserID: c.userID, Position: position, UpdatedAt: s.now()}
	rd.cursors[c.userID] = cur
	targets := s.memberStreamsLocked(rd)
	s.mu.Unlock()
	deliver(targets, wire.NewCursor{Cursor: cur})
	return nil
}

// SendTyping notifies the other members of the room.
func (c *Client) SendTyping(ctx context.Context, roomID string) error {
	s := c.srv
	if err := s.enter(ctx, OpTyping); err != nil {
		return err
	}
	s.mu.Lock()
	rd, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(transport.ErrNotFound, "memtransport: room %s", roomID)
	}
	var targets []*Stream
	for _, st := range s.memberStreamsLocked(rd) {
		if st.userID != c.userID {
			targets = append(targets, st)
		}
	}
	s.mu.Unlock()
	deliver(targets, wire.IsTyping{RoomID: roomID, UserID: c.userID})
	return nil
}

func (c *Client) Open(ctx context.Context, userID string) (transport.Stream, error) {
	s := c.srv
	if err := s.enter(ctx, OpOpen); err != nil {
		return nil, err
	}
	st := newStream(s, userID)
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	return st, nil
}

func (s *Server) removeStream(st *Stream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
}
