package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/model"
)

type RoomsCommand struct {
	*cmds.CommandDescription
	app *app
}

type RoomsSettings struct {
	PrivateOnly bool `glazed:"private-only"`
	Unread      bool `glazed:"unread"`
}

func (a *app) NewRoomsCommand() (*RoomsCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"rooms",
		cmds.WithShort("List the rooms of the current user"),
		cmds.WithLong("Connect, emit one row per room the user belongs to, then disconnect."),
		cmds.WithFlags(
			fields.New(
				"private-only",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only list private rooms"),
			),
			fields.New(
				"unread",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only list rooms with unread messages"),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)

	return &RoomsCommand{CommandDescription: desc, app: a}, nil
}

func (c *RoomsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &RoomsSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	sess, err := c.app.connect(ctx, c.app.root, chat.ConnectionHooks{})
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, row := range roomRows(sess.me.Rooms(), userName(sess.me), s) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func roomRows(rooms []model.Room, users func(string) string, s *RoomsSettings) []types.Row {
	ret := make([]types.Row, 0, len(rooms))
	for _, r := range rooms {
		if s.PrivateOnly && !r.IsPrivate {
			continue
		}
		if s.Unread && r.UnreadCount == 0 {
			continue
		}
		names := make([]string, 0, len(r.UserIDs))
		for _, id := range r.UserIDs {
			names = append(names, users(id))
		}
		ret = append(ret, types.NewRow(
			types.MRP("id", r.ID),
			types.MRP("name", r.Name),
			types.MRP("private", r.IsPrivate),
			types.MRP("unread", r.UnreadCount),
			types.MRP("members", strings.Join(names, ", ")),
		))
	}
	return ret
}

var _ cmds.GlazeCommand = &RoomsCommand{}
