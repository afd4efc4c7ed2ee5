package cmds

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/auth"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/parts"
	"github.com/go-go-golems/chatsync/pkg/transport/memtransport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

func newTestApp(t *testing.T) (*app, *memtransport.Server) {
	t.Helper()
	srv := memtransport.NewServer()
	srv.AddUser(wire.User{ID: "U1", Name: "Ada"})
	srv.AddUser(wire.User{ID: "U2", Name: "Grace"})
	srv.AddRoom(wire.Room{ID: "R1", Name: "general"}, "U1", "U2")
	srv.AddRoom(wire.Room{ID: "R2", Name: "secret", Private: true}, "U1")
	srv.AddRoom(wire.Room{ID: "R3", Name: "elsewhere"}, "U2")

	a := &app{
		newBackend: func(ctx context.Context, s config.Settings, logger zerolog.Logger) (*Backend, error) {
			c := srv.Client(s.UserID)
			return &Backend{Client: c, Events: c}, nil
		},
		newTokens: func(config.Settings, zerolog.Logger) (auth.TokenProvider, error) {
			return auth.NewStatic("token"), nil
		},
	}
	return a, srv
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--log-level", "error", "--user-id", "U1", "--api-url", "http://unused"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRoomRows(t *testing.T) {
	rooms := []model.Room{
		{ID: "R1", Name: "general", UserIDs: []string{"U1", "U2"}, UnreadCount: 3},
		{ID: "R2", Name: "secret", IsPrivate: true, UserIDs: []string{"U1"}},
	}
	names := func(id string) string { return map[string]string{"U1": "Ada", "U2": "Grace"}[id] }

	rows := roomRows(rooms, names, &RoomsSettings{})
	require.Len(t, rows, 2)
	v, ok := rows[0].Get("members")
	require.True(t, ok)
	require.Equal(t, "Ada, Grace", v)
	v, ok = rows[0].Get("unread")
	require.True(t, ok)
	require.Equal(t, 3, v)

	rows = roomRows(rooms, names, &RoomsSettings{PrivateOnly: true})
	require.Len(t, rows, 1)
	v, _ = rows[0].Get("id")
	require.Equal(t, "R2", v)

	rows = roomRows(rooms, names, &RoomsSettings{Unread: true})
	require.Len(t, rows, 1)
	v, _ = rows[0].Get("name")
	require.Equal(t, "general", v)
}

func TestRoomsCommandIsRegistered(t *testing.T) {
	a, _ := newTestApp(t)
	root := newRootCommand(a)
	cmd, _, err := root.Find([]string{"rooms"})
	require.NoError(t, err)
	require.Equal(t, "rooms", cmd.Name())
	require.NotNil(t, cmd.Flags().Lookup("private-only"))
}

func TestSendCommandSendsParts(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN_STATIC", "token")
	a, srv := newTestApp(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("remember the milk"), 0o600))

	out, err := run(t, a, "send", "R1", "hello there", "--link", "https://example.com", "--file", file)
	require.NoError(t, err)
	require.Contains(t, out, "sent message #")

	msgs := srv.Messages("R1")
	require.Len(t, msgs, 1)
	require.Equal(t, "U1", msgs[0].UserID)
	require.Len(t, msgs[0].Parts, 3)
	require.Equal(t, "hello there", *msgs[0].Parts[0].Content)
	require.NotNil(t, msgs[0].Parts[1].URL)
	require.Equal(t, "https://example.com", *msgs[0].Parts[1].URL)
	require.NotNil(t, msgs[0].Parts[2].Attachment)
	data, ok := srv.Attachment(msgs[0].Parts[2].Attachment.ID)
	require.True(t, ok)
	require.Equal(t, "remember the milk", string(data))
}

func TestCommandsRequireSettings(t *testing.T) {
	a, _ := newTestApp(t)
	cmd := newRootCommand(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"connect", "--user-id", "U1", "--api-url", "http://unused"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "token")

	cmd = newRootCommand(a)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"connect", "--log-level", "loud"})
	err = cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid log level")
}

func TestPrinterSkipsRepeatedMessages(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, func(id string) string { return strings.ToLower(id) })
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	m := model.Message{ID: 7, RoomID: "R1", SenderID: "U1", CreatedAt: at, Parts: []parts.Part{
		parts.Inline{Type: "text/plain", Content: "hi"},
		parts.URL{Type: "text/html", URL: "https://x"},
		parts.NewAttachment("a1", "image/png", "cat.png", 42, nil, nil),
	}}
	p.message(m)
	p.message(m)
	m.ID = 6
	p.message(m)
	require.Equal(t, "[03:04:05] #7 u1: hi <https://x> [image/png cat.png, 42 bytes]\n", buf.String())
}
