package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), s)
}

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	p := writeFile(t, `
instance_locator: v1:us1:abc
user_id: alice
transport: redis
typing_timeout: 3s
token:
  url: https://auth.example/token
  headers:
    X-Team: blue
redis:
  addr: redis:6379
  group: ui
`)
	t.Setenv("CHATSYNC_USER_ID", "bob")
	t.Setenv("CHATSYNC_REDIS_CONSUMER", "worker-1")
	t.Setenv("CHATSYNC_TOKEN_QUERY_PARAMS", "aud:chat,scope:read")

	s, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "bob", s.UserID)
	require.Equal(t, TransportRedis, s.Transport)
	require.Equal(t, 3*time.Second, s.TypingTimeout)
	require.Equal(t, 500*time.Millisecond, s.TypingThrottle)
	require.Equal(t, "https://auth.example/token", s.Token.URL)
	require.Equal(t, map[string]string{"X-Team": "blue"}, s.Token.Headers)
	require.Equal(t, map[string]string{"aud": "chat", "scope": "read"}, s.Token.QueryParams)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "ui", s.Redis.Group)
	require.Equal(t, "worker-1", s.Redis.Consumer)
	require.Equal(t, "chatsync.events.", s.Redis.TopicPrefix)
	require.NoError(t, s.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "user_id: [unterminated"))
	require.Error(t, err)

	t.Setenv("CHATSYNC_TYPING_TIMEOUT", "soon")
	_, err = Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.UserID = "alice"
	valid.Token.Static = "tok"
	valid.APIURL = "http://localhost:8080"
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Settings){
		"no user":       func(s *Settings) { s.UserID = "" },
		"no token":      func(s *Settings) { s.Token.Static = "" },
		"transport":     func(s *Settings) { s.Transport = "carrier-pigeon" },
		"no endpoint":   func(s *Settings) { s.APIURL = "" },
		"bad locator":   func(s *Settings) { s.APIURL = ""; s.InstanceLocator = "v2:us1:abc" },
		"redis no addr": func(s *Settings) { s.Transport = TransportRedis; s.Redis.Addr = "" },
	} {
		t.Run(name, func(t *testing.T) {
			s := valid
			mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestEndpoints(t *testing.T) {
	s := Default()
	s.InstanceLocator = "v1:us1:abc-123"
	api, ws, err := s.Endpoints()
	require.NoError(t, err)
	require.Equal(t, "https://us1.pusherplatform.io/services/chat/v1/abc-123", api)
	require.Equal(t, "wss://us1.pusherplatform.io/services/chat/v1/abc-123", ws)

	s.WSURL = "ws://localhost:9000"
	api, ws, err = s.Endpoints()
	require.NoError(t, err)
	require.Equal(t, "https://us1.pusherplatform.io/services/chat/v1/abc-123", api)
	require.Equal(t, "ws://localhost:9000", ws)

	s = Default()
	s.APIURL = "http://localhost:8080/api"
	api, ws, err = s.Endpoints()
	require.NoError(t, err)
	require.Equal(t, api, ws)
}

func TestParseInstanceLocator(t *testing.T) {
	l, err := ParseInstanceLocator("v1:eu2:inst")
	require.NoError(t, err)
	require.Equal(t, InstanceLocator{Version: "v1", Cluster: "eu2", Instance: "inst"}, l)

	for _, bad := range []string{"", "v1:eu2", "v1::inst", "v1:eu2:inst:x", "v9:eu2:inst"} {
		_, err := ParseInstanceLocator(bad)
		require.Error(t, err, bad)
	}
}
