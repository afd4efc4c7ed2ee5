package cmds

import (
	"context"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/parts"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// globalHooks logs every event no room subscription claims.
func globalHooks() chat.ConnectionHooks {
	return chat.ConnectionHooks{
		OnAddedToRoom: func(r model.Room) {
			log.Info().Str("room_id", r.ID).Str("room", r.Name).Msg("added to room")
		},
		OnRemovedFromRoom: func(r model.Room) {
			log.Info().Str("room_id", r.ID).Msg("removed from room")
		},
		OnRoomUpdated: func(r model.Room) {
			log.Info().Str("room_id", r.ID).Str("room", r.Name).Msg("room updated")
		},
		OnRoomDeleted: func(id string) {
			log.Info().Str("room_id", id).Msg("room deleted")
		},
		OnUserStartedTyping: func(r model.Room, u model.User) {
			log.Debug().Str("room_id", r.ID).Str("user_id", u.ID).Msg("started typing")
		},
		OnUserStoppedTyping: func(r model.Room, u model.User) {
			log.Debug().Str("room_id", r.ID).Str("user_id", u.ID).Msg("stopped typing")
		},
		OnUserJoinedRoom: func(r model.Room, u model.User) {
			log.Info().Str("room_id", r.ID).Str("user_id", u.ID).Msg("user joined")
		},
		OnUserLeftRoom: func(r model.Room, u model.User) {
			log.Info().Str("room_id", r.ID).Str("user_id", u.ID).Msg("user left")
		},
		OnPresenceChanged: func(c model.PresenceChange, u model.User) {
			log.Info().Str("user_id", u.ID).Str("from", string(c.Previous)).Str("to", string(c.Current)).Msg("presence")
		},
		OnNewReadCursor: func(c model.Cursor) {
			log.Debug().Str("room_id", c.RoomID).Str("user_id", c.UserID).Int64("position", c.Position).Msg("read cursor")
		},
	}
}

func (a *app) newConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect and log global events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			sess, err := a.connect(ctx, cmd, globalHooks())
			if err != nil {
				return err
			}
			defer sess.Close()
			log.Info().Str("user_id", sess.me.ID).Int("rooms", len(sess.me.Rooms())).Msg("connected, press ctrl-c to quit")
			<-ctx.Done()
			return nil
		},
	}
}

func userName(me *chat.CurrentUser) func(string) string {
	return func(id string) string {
		if u, ok := me.User(id); ok && u.Name != "" {
			return u.Name
		}
		return id
	}
}

func (a *app) newTailCommand() *cobra.Command {
	var limit int
	var resolve, markRead bool
	cmd := &cobra.Command{
		Use:   "tail ROOM",
		Short: "Print a room's recent messages and follow new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd)
			defer cancel()
			sess, err := a.connect(ctx, cmd, globalHooks())
			if err != nil {
				return err
			}
			defer sess.Close()

			roomID := args[0]
			p := newPrinter(cmd.OutOrStdout(), userName(sess.me))
			show := func(m model.Message) {
				p.message(m)
				if resolve {
					go resolveAttachments(ctx, p, m)
				}
			}
			_, sub, err := sess.me.SubscribeToRoomMultipart(ctx, chat.SubscribeOptions{
				RoomID:       roomID,
				MessageLimit: limit,
				Hooks: chat.RoomHooks{
					OnMessage:        show,
					OnMessageDeleted: func(id int64) { p.linef("-- message #%d deleted", id) },
					OnUserStartedTyping: func(u model.User) {
						p.linef("-- %s is typing", u.Name)
					},
					OnUserStoppedTyping: func(u model.User) {
						p.linef("-- %s stopped typing", u.Name)
					},
					OnUserJoined: func(u model.User) { p.linef("-- %s joined", u.Name) },
					OnUserLeft:   func(u model.User) { p.linef("-- %s left", u.Name) },
					OnPresenceChanged: func(c model.PresenceChange, u model.User) {
						p.linef("-- %s is %s", u.Name, c.Current)
					},
					OnNewReadCursor: func(c model.Cursor) {
						p.linef("-- %s read up to #%d", c.UserID, c.Position)
					},
				},
			})
			if err != nil {
				return err
			}
			defer sub.Cancel()

			msgs, err := sub.Messages()
			if err != nil {
				return err
			}
			for _, m := range msgs {
				show(m)
			}
			if markRead && len(msgs) > 0 {
				if _, err := sess.me.SetReadCursor(ctx, roomID, msgs[len(msgs)-1].ID); err != nil {
					log.Warn().Err(err).Str("room_id", roomID).Msg("could not set read cursor")
				}
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", chat.DefaultMessageLimit, "Number of messages to load and keep")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "Print signed URLs of attachments")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "Move the read cursor to the newest loaded message")
	return cmd
}

func (a *app) newSendCommand() *cobra.Command {
	var link, linkType, file string
	var typing bool
	cmd := &cobra.Command{
		Use:   "send ROOM TEXT",
		Short: "Send a message, optionally with a link and a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.connect(ctx, cmd, chat.ConnectionHooks{})
			if err != nil {
				return err
			}
			defer sess.Close()

			roomID := args[0]
			if typing {
				if err := sess.me.IsTypingIn(ctx, roomID); err != nil {
					log.Debug().Err(err).Msg("typing notification failed")
				}
			}
			ps := []parts.SendPart{parts.SendInline{Type: "text/plain", Content: args[1]}}
			if link != "" {
				ps = append(ps, parts.SendURL{Type: linkType, URL: link})
			}
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return errors.Wrap(err, "open attachment")
				}
				defer func() { _ = f.Close() }()
				st, err := f.Stat()
				if err != nil {
					return errors.Wrap(err, "stat attachment")
				}
				ps = append(ps, parts.SendAttachment{Upload: wire.Upload{
					Type: mimeType(file),
					Name: filepath.Base(file),
					Size: st.Size(),
					Body: f,
				}})
			}
			id, err := sess.me.SendMultipartMessage(ctx, chat.MultipartMessageRequest{RoomID: roomID, Parts: ps})
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), userName(sess.me))
			p.linef("sent message #%d to %s", id, roomID)
			return nil
		},
	}
	cmd.Flags().StringVar(&link, "link", "", "Attach a URL part")
	cmd.Flags().StringVar(&linkType, "link-type", "text/html", "MIME type of the URL part")
	cmd.Flags().StringVar(&file, "file", "", "Upload a file as an attachment part")
	cmd.Flags().BoolVar(&typing, "typing", false, "Send a typing notification first")
	return cmd
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
