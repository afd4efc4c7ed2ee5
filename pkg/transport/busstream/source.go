// Package busstream reads server events from a watermill subscriber, one topic
// per user. It lets a relay fan the service's events out over Redis Streams
// (see pkg/redisstream) or an in-process channel.
package busstream

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

const (
	DefaultTopicPrefix = "chatsync.events."
	// MetadataSeq orders messages on transports that do not stamp a stream id.
	MetadataSeq = "seq"
)

// ErrSubscriptionEnded is returned by Recv when the subscriber closes its
// channel, for example after the broker connection dropped.
var ErrSubscriptionEnded = errors.New("busstream: subscription ended")

// Topic returns the topic carrying events for userID.
func Topic(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + userID
}

type Option func(*Source)

func WithTopicPrefix(prefix string) Option {
	return func(s *Source) { s.prefix = prefix }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source implements transport.EventSource on top of a message.Subscriber.
type Source struct {
	sub    message.Subscriber
	prefix string
	log    zerolog.Logger
}

var _ transport.EventSource = (*Source)(nil)

func NewSource(sub message.Subscriber, opts ...Option) *Source {
	s := &Source{sub: sub, prefix: DefaultTopicPrefix, log: log.Logger}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "busstream").Logger()
	return s
}

// Open subscribes to the user's topic. The subscription outlives ctx and ends
// with Close.
func (s *Source) Open(ctx context.Context, userID string) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := Topic(s.prefix, userID)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := s.sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "busstream: subscribe %s", topic)
	}
	s.log.Debug().Str("topic", topic).Msg("subscribed")
	return &stream{
		ch:     ch,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    s.log.With().Str("topic", topic).Logger(),
	}, nil
}

type stream struct {
	ch     <-chan *message.Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger

	last uint64
}

// Recv skips messages whose sequence is not past the last delivered one, so
// redelivery after a consumer restart does not repeat events.
func (st *stream) Recv(ctx context.Context) (wire.Event, error) {
	for {
		select {
		case <-st.done:
			return nil, transport.ErrStreamClosed
		default:
		}
		var msg *message.Message
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-st.done:
			return nil, transport.ErrStreamClosed
		case msg, ok = <-st.ch:
		}
		if !ok {
			return nil, ErrSubscriptionEnded
		}

		seq, hasSeq := messageSeq(msg)
		if hasSeq && seq <= st.last {
			st.log.Debug().Uint64("seq", seq).Uint64("last", st.last).Msg("skipping redelivered message")
			msg.Ack()
			continue
		}
		ev, err := wire.Decode(msg.Payload)
		msg.Ack()
		if hasSeq {
			st.last = seq
		}
		if err != nil && !errors.Is(err, wire.ErrUnknownEvent) {
			st.log.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable message")
			return nil, errors.Wrap(wire.ErrUnknownEvent, err.Error())
		}
		return ev, err
	}
}

func (st *stream) Close() error {
	st.once.Do(func() {
		close(st.done)
		st.cancel()
	})
	return nil
}

// messageSeq prefers the broker's stream id and falls back to the seq
// metadata set by Publisher.
func messageSeq(msg *message.Message) (uint64, bool) {
	if id := extractStreamID(msg); id != "" {
		if seq, ok := deriveSeqFromStreamID(id); ok {
			return seq, true
		}
	}
	if v := msg.Metadata.Get(MetadataSeq); v != "" {
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			return seq, true
		}
	}
	return 0, false
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID maps a Redis stream id "ms-n" onto one increasing
// integer.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	parts := strings.Split(streamID, "-")
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms*1_000_000 + seq, true
}

// Publisher writes events onto per-user topics. It is the relay side of
// Source.
type Publisher struct {
	pub    message.Publisher
	prefix string
	seq    atomic.Uint64
}

func NewPublisher(pub message.Publisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	p := &Publisher{pub: pub, prefix: prefix}
	// a restarted relay must not fall behind what consumers already saw
	p.seq.Store(uint64(time.Now().UnixMilli()) * 1_000_000)
	return p
}

// Publish sends ev to every user in userIDs.
func (p *Publisher) Publish(ev wire.Event, userIDs ...string) error {
	b, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		msg := message.NewMessage(uuid.NewString(), b)
		msg.Metadata.Set(MetadataSeq, strconv.FormatUint(p.seq.Add(1), 10))
		msg.Metadata.Set("event_name", string(ev.Name()))
		if err := p.pub.Publish(Topic(p.prefix, id), msg); err != nil {
			return errors.Wrapf(err, "busstream: publish %s to %s", ev.Name(), id)
		}
	}
	return nil
}

// Relay copies events from any stream onto the bus until the stream fails or
// ctx is done.
func (p *Publisher) Relay(ctx context.Context, src transport.Stream, userIDs ...string) error {
	for {
		ev, err := src.Recv(ctx)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownEvent) {
				continue
			}
			return err
		}
		if err := p.Publish(ev, userIDs...); err != nil {
			return err
		}
	}
}
