package cmds

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/transport/wsclient"
)

// newRelayCommand copies one user's websocket events onto Redis Streams, so
// that clients started with --transport redis can read them.
func (a *app) newRelayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish the user's websocket events on Redis Streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			s, err := a.settings(cmd)
			if err != nil {
				return err
			}
			// the relay always reads the websocket; --transport only selects
			// what clients read
			if err := s.Redis.Validate(); err != nil {
				return err
			}
			_, ws, err := s.Endpoints()
			if err != nil {
				return err
			}
			logger := log.Logger
			tokens, err := a.newTokens(s, logger)
			if err != nil {
				return err
			}
			events, err := wsclient.NewEvents(wsclient.EventsOptions{URL: ws, Logger: &logger})
			if err != nil {
				return err
			}
			bus, err := redisstream.NewBus(s.Redis, logger)
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()
			if err := bus.Ping(ctx); err != nil {
				return err
			}
			pub := bus.Publisher()

			relayOnce := func() error {
				tok, err := tokens.Token(ctx)
				if err != nil {
					return err
				}
				st, err := events.Open(transport.WithToken(ctx, tok), s.UserID)
				if err != nil {
					if errors.Is(err, transport.ErrUnauthorized) {
						tokens.Invalidate()
					}
					return err
				}
				defer func() { _ = st.Close() }()
				log.Info().Str("user_id", s.UserID).Msg("relaying events")
				return pub.Relay(ctx, st, s.UserID)
			}

			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 0
			bo.MaxInterval = 30 * time.Second
			err = backoff.RetryNotify(relayOnce, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
				log.Warn().Err(err).Dur("retry_in", d).Msg("relay interrupted")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
