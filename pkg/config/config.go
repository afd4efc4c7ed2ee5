// Package config loads chatsync settings. Values are layered: defaults, then
// a YAML file, then CHATSYNC_* environment variables. Command line flags are
// applied on top by the caller.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

const EnvPrefix = "CHATSYNC_"

const (
	TransportWebsocket = "ws"
	TransportRedis     = "redis"
)

type TokenSettings struct {
	// URL of the token provider. Empty with Static set uses a fixed token.
	URL             string            `yaml:"url" env:"URL"`
	Static          string            `yaml:"static" env:"STATIC"`
	QueryParams     map[string]string `yaml:"query_params" env:"QUERY_PARAMS"`
	Headers         map[string]string `yaml:"headers" env:"HEADERS"`
	WithCredentials bool              `yaml:"with_credentials" env:"WITH_CREDENTIALS"`
}

type Settings struct {
	// InstanceLocator has the form v1:<cluster>:<instance>.
	InstanceLocator string `yaml:"instance_locator" env:"INSTANCE_LOCATOR"`
	Domain          string `yaml:"domain" env:"DOMAIN"`
	// APIURL and WSURL override the URLs derived from the locator.
	APIURL string `yaml:"api_url" env:"API_URL"`
	WSURL  string `yaml:"ws_url" env:"WS_URL"`

	UserID    string               `yaml:"user_id" env:"USER_ID"`
	Token     TokenSettings        `yaml:"token" envPrefix:"TOKEN_"`
	Transport string               `yaml:"transport" env:"TRANSPORT"`
	Redis     redisstream.Settings `yaml:"redis" envPrefix:"REDIS_"`

	ConnectionTimeout  time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	ReconnectTimeout   time.Duration `yaml:"reconnect_timeout" env:"RECONNECT_TIMEOUT"`
	TypingTimeout      time.Duration `yaml:"typing_timeout" env:"TYPING_TIMEOUT"`
	TypingThrottle     time.Duration `yaml:"typing_throttle" env:"TYPING_THROTTLE"`
	MaxMessagesPerRoom int           `yaml:"max_messages_per_room" env:"MAX_MESSAGES_PER_ROOM"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

func Default() Settings {
	return Settings{
		Domain:             "pusherplatform.io",
		Transport:          TransportWebsocket,
		Redis:              redisstream.DefaultSettings(),
		ConnectionTimeout:  10 * time.Second,
		ReconnectTimeout:   30 * time.Second,
		TypingTimeout:      1500 * time.Millisecond,
		TypingThrottle:     500 * time.Millisecond,
		MaxMessagesPerRoom: 1000,
		LogLevel:           "info",
	}
}

// Load reads path (optional) and the environment over the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return s, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return s, errors.Wrapf(err, "config: parse %s", path)
		}
	}
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return s, errors.Wrap(err, "config: environment")
	}
	return s, nil
}

// Validate checks the settings needed to connect.
func (s Settings) Validate() error {
	if s.UserID == "" {
		return errors.New("config: user_id is required")
	}
	if s.Token.URL == "" && s.Token.Static == "" {
		return errors.New("config: token.url or token.static is required")
	}
	switch s.Transport {
	case TransportWebsocket:
	case TransportRedis:
		if err := s.Redis.Validate(); err != nil {
			return err
		}
	default:
		return errors.Errorf("config: unknown transport %q", s.Transport)
	}
	if _, _, err := s.Endpoints(); err != nil {
		return err
	}
	return nil
}

// Endpoints returns the HTTP API and websocket base URLs.
func (s Settings) Endpoints() (api string, ws string, err error) {
	api, ws = s.APIURL, s.WSURL
	if api != "" && ws != "" {
		return api, ws, nil
	}
	if s.InstanceLocator == "" {
		if api != "" {
			return api, api, nil
		}
		return "", "", errors.New("config: instance_locator or api_url is required")
	}
	loc, err := ParseInstanceLocator(s.InstanceLocator)
	if err != nil {
		return "", "", err
	}
	if api == "" {
		api = loc.BaseURL("https", s.Domain)
	}
	if ws == "" {
		ws = loc.BaseURL("wss", s.Domain)
	}
	return api, ws, nil
}

type InstanceLocator struct {
	Version  string
	Cluster  string
	Instance string
}

func ParseInstanceLocator(v string) (InstanceLocator, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return InstanceLocator{}, errors.Errorf("config: instance locator %q must have the form v1:<cluster>:<instance>", v)
	}
	for _, p := range parts {
		if p == "" {
			return InstanceLocator{}, errors.Errorf("config: instance locator %q has an empty component", v)
		}
	}
	if parts[0] != "v1" {
		return InstanceLocator{}, errors.Errorf("config: unsupported instance locator version %q", parts[0])
	}
	return InstanceLocator{Version: parts[0], Cluster: parts[1], Instance: parts[2]}, nil
}

func (l InstanceLocator) BaseURL(scheme, domain string) string {
	return scheme + "://" + l.Cluster + "." + domain + "/services/chat/" + l.Version + "/" + l.Instance
}
