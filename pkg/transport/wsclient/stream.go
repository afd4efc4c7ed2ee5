package wsclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

type EventsOptions struct {
	// URL is the websocket root, for example wss://host/services/chat/v1/instance.
	URL    string
	Dialer *websocket.Dialer
	// PingInterval keeps idle connections alive; the stream breaks when no
	// pong arrives within two intervals.
	PingInterval time.Duration
	Logger       *zerolog.Logger
}

// Events implements transport.EventSource over a websocket per session.
type Events struct {
	base   *url.URL
	dialer *websocket.Dialer
	ping   time.Duration
	log    zerolog.Logger
}

var _ transport.EventSource = (*Events)(nil)

func NewEvents(opts EventsOptions) (*Events, error) {
	if opts.URL == "" {
		return nil, errors.New("wsclient: websocket url is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "wsclient: parse websocket url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	d := opts.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Events{
		base:   u,
		dialer: d,
		ping:   ping,
		log:    logger.With().Str("component", "wsclient").Logger(),
	}, nil
}

func (e *Events) Open(ctx context.Context, userID string) (transport.Stream, error) {
	u := joinPath(e.base, "/users/"+url.PathEscape(userID)+"/events")
	h := http.Header{}
	if tok := transport.TokenFromContext(ctx); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := e.dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if cerr := classify(resp.StatusCode); cerr != nil {
				return nil, errors.Wrapf(cerr, "wsclient: dial %s: status %d", u.Path, resp.StatusCode)
			}
		}
		return nil, errors.Wrapf(err, "wsclient: dial %s", u.Path)
	}
	s := newStream(conn, e.ping, e.log.With().Str("user_id", userID).Logger())
	e.log.Debug().Str("user_id", userID).Msg("event stream open")
	return s, nil
}

type frame struct {
	data []byte
	err  error
}

// stream reads frames on its own goroutine so that Recv can honour the
// context; gorilla connections support one concurrent reader and one writer.
type stream struct {
	conn *websocket.Conn
	log  zerolog.Logger

	frames chan frame
	done   chan struct{}
	once   sync.Once
	wmu    sync.Mutex
}

func newStream(conn *websocket.Conn, ping time.Duration, logger zerolog.Logger) *stream {
	s := &stream{
		conn:   conn,
		log:    logger,
		frames: make(chan frame, 64),
		done:   make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * ping))
	})
	go s.read()
	go s.keepalive(ping)
	return s
}

func (s *stream) read() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.frames <- frame{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case s.frames <- frame{data: data}:
		case <-s.done:
			return
		}
	}
}

func (s *stream) keepalive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.wmu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.wmu.Unlock()
			if err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Recv returns the next event. A frame that cannot be decoded yields an error
// wrapping wire.ErrUnknownEvent, which readers skip; it does not break the
// stream.
func (s *stream) Recv(ctx context.Context) (wire.Event, error) {
	select {
	case <-s.done:
		return nil, transport.ErrStreamClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, transport.ErrStreamClosed
	case f := <-s.frames:
		if f.err != nil {
			return nil, errors.Wrap(f.err, "wsclient: read")
		}
		ev, err := wire.Decode(f.data)
		if err != nil && !errors.Is(err, wire.ErrUnknownEvent) {
			s.log.Warn().Err(err).Msg("dropping undecodable frame")
			return nil, errors.Wrap(wire.ErrUnknownEvent, err.Error())
		}
		return ev, err
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}
