// Package cmds holds the chatsync command line.
package cmds

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/auth"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/transport/wsclient"
)

type rootOptions struct {
	configPath      string
	logLevel        string
	instanceLocator string
	apiURL          string
	userID          string
	tokenURL        string
	transport       string
}

// Backend is what a command needs to build a chat.Manager.
type Backend struct {
	Client  transport.Client
	Events  transport.EventSource
	closers []io.Closer
}

func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BackendFactory builds the transport for the given settings. Tests replace
// it with an in-memory service.
type BackendFactory func(ctx context.Context, s config.Settings, logger zerolog.Logger) (*Backend, error)

type app struct {
	opts       rootOptions
	root       *cobra.Command
	newBackend BackendFactory
	newTokens  func(s config.Settings, logger zerolog.Logger) (auth.TokenProvider, error)
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{newBackend: DefaultBackend, newTokens: tokenProvider})
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "chatsync is a command line client for the chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger because we can now parse --log-level
			return initLogger(cmd, a.opts.logLevel)
		},
	}
	f := rootCmd.PersistentFlags()
	f.StringVar(&a.opts.configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&a.opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	f.StringVar(&a.opts.instanceLocator, "instance-locator", "", "Instance locator v1:<cluster>:<instance>")
	f.StringVar(&a.opts.apiURL, "api-url", "", "Override the HTTP API base URL")
	f.StringVar(&a.opts.userID, "user-id", "", "User to connect as")
	f.StringVar(&a.opts.tokenURL, "token-url", "", "Token provider endpoint")
	f.StringVar(&a.opts.transport, "transport", "", "Event transport: ws or redis")

	roomsCmd, err := a.NewRoomsCommand()
	cobra.CheckErr(err)
	cobraRoomsCmd, err := cli.BuildCobraCommand(roomsCmd)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		a.newConnectCommand(),
		cobraRoomsCmd,
		a.newTailCommand(),
		a.newSendCommand(),
		a.newRelayCommand(),
	)
	a.root = rootCmd
	return rootCmd
}

func initLogger(cmd *cobra.Command, level string) error {
	var w io.Writer = cmd.ErrOrStderr()
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		l, err := zerolog.ParseLevel(level)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", level)
		}
		lvl = l
	}
	log.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return nil
}

// settings loads the config file and environment, then applies the root flags
// the user set explicitly.
func (a *app) settings(cmd *cobra.Command) (config.Settings, error) {
	s, err := config.Load(a.opts.configPath)
	if err != nil {
		return s, err
	}
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("instance-locator") {
		s.InstanceLocator = a.opts.instanceLocator
	}
	if flags.Changed("api-url") {
		s.APIURL = a.opts.apiURL
	}
	if flags.Changed("user-id") {
		s.UserID = a.opts.userID
	}
	if flags.Changed("token-url") {
		s.Token.URL = a.opts.tokenURL
	}
	if flags.Changed("transport") {
		s.Transport = a.opts.transport
	}
	if !flags.Changed("log-level") && s.LogLevel != "" {
		if err := initLogger(cmd, s.LogLevel); err != nil {
			return s, err
		}
	}
	return s, s.Validate()
}

func tokenProvider(s config.Settings, logger zerolog.Logger) (auth.TokenProvider, error) {
	if s.Token.URL == "" {
		return auth.NewStatic(s.Token.Static), nil
	}
	return auth.NewHTTPProvider(auth.HTTPOptions{
		URL:             s.Token.URL,
		QueryParams:     s.Token.QueryParams,
		Headers:         s.Token.Headers,
		WithCredentials: s.Token.WithCredentials,
		UserID:          s.UserID,
		Logger:          &logger,
	})
}

// DefaultBackend talks HTTP to the API and reads events from the websocket,
// or from Redis Streams when the transport is redis.
func DefaultBackend(ctx context.Context, s config.Settings, logger zerolog.Logger) (*Backend, error) {
	api, ws, err := s.Endpoints()
	if err != nil {
		return nil, err
	}
	client, err := wsclient.New(wsclient.Options{BaseURL: api, Logger: &logger})
	if err != nil {
		return nil, err
	}
	b := &Backend{Client: client}
	switch s.Transport {
	case config.TransportRedis:
		bus, err := redisstream.NewBus(s.Redis, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, bus)
		if err := bus.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Events = bus.Source()
	default:
		events, err := wsclient.NewEvents(wsclient.EventsOptions{URL: ws, Logger: &logger})
		if err != nil {
			return nil, err
		}
		b.Events = events
	}
	return b, nil
}

// session is a connected manager plus the backend it runs on.
type session struct {
	mgr     *chat.Manager
	me      *chat.CurrentUser
	backend *Backend
}

func (s *session) Close() {
	s.mgr.Disconnect()
	if err := s.backend.Close(); err != nil {
		log.Debug().Err(err).Msg("backend close")
	}
}

func (a *app) connect(ctx context.Context, cmd *cobra.Command, hooks chat.ConnectionHooks) (*session, error) {
	s, err := a.settings(cmd)
	if err != nil {
		return nil, err
	}
	logger := log.Logger
	tokens, err := a.newTokens(s, logger)
	if err != nil {
		return nil, err
	}
	backend, err := a.newBackend(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	mgr, err := chat.NewManager(chat.Config{
		UserID:             s.UserID,
		TokenProvider:      tokens,
		Client:             backend.Client,
		Events:             backend.Events,
		ConnectionTimeout:  s.ConnectionTimeout,
		ReconnectTimeout:   s.ReconnectTimeout,
		TypingTimeout:      s.TypingTimeout,
		TypingThrottle:     s.TypingThrottle,
		MaxMessagesPerRoom: s.MaxMessagesPerRoom,
		Logger:             &logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	me, err := mgr.Connect(ctx, hooks)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &session{mgr: mgr, me: me, backend: backend}, nil
}
