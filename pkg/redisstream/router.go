// Package redisstream carries chat events over Redis Streams through watermill.
// A relay publishes each user's events on its own stream; clients read them
// through busstream.
package redisstream

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/transport/busstream"
)

func BuildPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group and name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// Bus owns one Redis client and the publisher and subscriber built on it.
type Bus struct {
	settings Settings
	client   *redis.Client
	pub      message.Publisher
	sub      message.Subscriber
	log      zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewBus(s Settings, logger zerolog.Logger) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Consumer == "" {
		s.Consumer = "chatsync-" + uuid.NewString()[:8]
	}
	client := s.NewClient()
	wl := NewWatermillLogger(logger)
	pub, err := BuildPublisher(client, wl)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: build publisher")
	}
	sub, err := BuildGroupSubscriber(client, s.Group, s.Consumer, wl)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: build subscriber")
	}
	return &Bus{
		settings: s,
		client:   client,
		pub:      pub,
		sub:      sub,
		log:      logger.With().Str("component", "redisstream").Logger(),
	}, nil
}

// Ping checks that Redis answers.
func (b *Bus) Ping(ctx context.Context) error {
	return errors.Wrap(b.client.Ping(ctx).Err(), "redisstream: ping")
}

// Source returns an event source that reads each user's stream from its tail.
func (b *Bus) Source() transport.EventSource {
	return &tailSource{
		bus: b,
		src: busstream.NewSource(b.sub, busstream.WithTopicPrefix(b.settings.TopicPrefix), busstream.WithLogger(b.log)),
	}
}

// Publisher returns the relay side for the same streams.
func (b *Bus) Publisher() *busstream.Publisher {
	return busstream.NewPublisher(b.pub, b.settings.TopicPrefix)
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.pub.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			b.closeErr = errors.Wrap(errs[0], "redisstream: close")
		}
	})
	return b.closeErr
}

type tailSource struct {
	bus *Bus
	src *busstream.Source
}

func (t *tailSource) Open(ctx context.Context, userID string) (transport.Stream, error) {
	stream := busstream.Topic(t.bus.settings.TopicPrefix, userID)
	if err := EnsureGroupAtTail(ctx, t.bus.client, stream, t.bus.settings.Group); err != nil {
		return nil, err
	}
	if n := t.bus.settings.MaxLen; n > 0 {
		if err := t.bus.client.XTrimMaxLenApprox(ctx, stream, n, 0).Err(); err != nil {
			t.bus.log.Warn().Err(err).Str("stream", stream).Msg("trim failed")
		}
	}
	return t.src.Open(ctx, userID)
}
