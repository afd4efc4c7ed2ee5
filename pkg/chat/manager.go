// Package chat is the client-side state synchronization core. A Manager opens
// a session against the chat service, keeps the session's rooms, users,
// presence, typing indicators, read cursors and message timelines consistent
// with the server's event stream, and hands the caller a CurrentUser.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/auth"
	"github.com/go-go-golems/chatsync/pkg/parts"
	"github.com/go-go-golems/chatsync/pkg/timeline"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultReconnectTimeout  = 2 * time.Minute
	DefaultMessageLimit      = timeline.DefaultCapacity
	DefaultTypingThrottle    = 500 * time.Millisecond
)

type Config struct {
	UserID        string
	TokenProvider auth.TokenProvider
	Client        transport.Client
	Events        transport.EventSource
	// Resolver signs attachment URLs. When nil, Client is used if it
	// implements parts.Resolver.
	Resolver parts.Resolver

	// ConnectionTimeout bounds the initial state fetch of Connect.
	ConnectionTimeout time.Duration
	// ReconnectTimeout bounds the whole reconnect attempt after a stream
	// failure. It is ignored when ReconnectBackOff is set.
	ReconnectTimeout time.Duration
	ReconnectBackOff func() backoff.BackOff

	TypingTimeout      time.Duration
	TypingThrottle     time.Duration
	MaxMessagesPerRoom int

	Logger *zerolog.Logger
}

// Manager drives the connection state machine. A Manager can be connected,
// disconnected and connected again; each connect creates a new session.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	state   State
	sess    *session
	attempt uint64
	cancel  context.CancelFunc
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, errors.New("chat: user id is required")
	}
	if cfg.TokenProvider == nil {
		return nil, errors.New("chat: token provider is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("chat: transport client is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("chat: event source is required")
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	if cfg.TypingThrottle <= 0 {
		cfg.TypingThrottle = DefaultTypingThrottle
	}
	if cfg.Resolver == nil {
		if r, ok := cfg.Client.(parts.Resolver); ok {
			cfg.Resolver = r
		}
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Manager{
		cfg:   cfg,
		log:   logger.With().Str("component", "chat").Str("user_id", cfg.UserID).Logger(),
		state: StateDisconnected,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens a session: it fetches a token, opens the event stream, loads
// the initial state and starts event delivery. It fails with ConnectionError
// when the manager is not disconnected, when ConnectionTimeout elapses, or
// when the token provider or the transport fails.
func (m *Manager) Connect(ctx context.Context, hooks ConnectionHooks) (*CurrentUser, error) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		st := m.state
		m.mu.Unlock()
		return nil, &ConnectionError{Op: "connect", Err: errors.Errorf("manager is %s", st)}
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	m.state = StateConnecting
	m.attempt++
	attempt := m.attempt
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.log.Debug().Msg("connecting")
	s := newSession(m, hooks)
	stream, snap, err := s.establish(cctx, nil)
	if err != nil {
		s.close()
		m.mu.Lock()
		if m.attempt == attempt && m.state == StateConnecting {
			m.state = StateDisconnected
			m.cancel = nil
		}
		m.mu.Unlock()
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = errors.Wrapf(err, "connection timeout after %s", m.cfg.ConnectionTimeout)
		}
		m.log.Warn().Err(err).Msg("connect failed")
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	s.applySnapshot(snap, false)

	m.mu.Lock()
	if m.attempt != attempt || m.state != StateConnecting {
		m.mu.Unlock()
		_ = stream.Close()
		s.close()
		return nil, &ConnectionError{Op: "connect", Err: errSessionClosed}
	}
	m.state = StateConnected
	m.sess = s
	m.cancel = nil
	m.mu.Unlock()

	s.start(stream)
	me, _ := s.reg.User(m.cfg.UserID)
	m.log.Info().Int("rooms", len(snap.initial.Rooms)).Msg("connected")
	return &CurrentUser{ID: me.ID, Name: me.Name, AvatarURL: me.AvatarURL, s: s}, nil
}

// Disconnect tears the session down. It is idempotent and safe to call from a
// hook. Once it returns no hook of the session starts.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if s != nil {
		s.close()
	}
	if prev != StateDisconnected {
		m.log.Info().Str("from", prev.String()).Msg("disconnected")
	}
}

func (m *Manager) transition(s *session, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return
	}
	if m.state != st {
		m.log.Debug().Str("from", m.state.String()).Str("to", st.String()).Msg("state change")
	}
	m.state = st
}

// fail is called when reconnecting gave up. The session goes through Failed
// and ends Disconnected with every subscription cancelled.
func (m *Manager) fail(s *session, err error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	m.mu.Unlock()

	m.log.Error().Err(err).Msg("reconnect failed, giving up")
	s.close()

	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()
}

func (m *Manager) newBackOff() backoff.BackOff {
	if m.cfg.ReconnectBackOff != nil {
		return m.cfg.ReconnectBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = m.cfg.ReconnectTimeout
	return b
}

// authed runs fn with a bearer token in the context. When the service reports
// the token as expired, the token is invalidated and fn runs once more with a
// fresh one.
func authed[T any](ctx context.Context, tokens auth.TokenProvider, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	tok, err := tokens.Token(ctx)
	if err != nil {
		return zero, errors.Wrap(err, "fetch token")
	}
	v, err := fn(transport.WithToken(ctx, tok))
	if err == nil || !errors.Is(err, transport.ErrUnauthorized) {
		return v, err
	}
	tokens.Invalidate()
	tok, err = tokens.Token(ctx)
	if err != nil {
		return zero, errors.Wrap(err, "refresh token")
	}
	return fn(transport.WithToken(ctx, tok))
}
