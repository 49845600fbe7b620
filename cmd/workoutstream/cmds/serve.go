package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/workoutstream/pkg/app"
	"github.com/go-go-golems/workoutstream/pkg/redisstream"
	"github.com/go-go-golems/workoutstream/pkg/server"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ServeCommand{}

type ServeSettings struct {
	Config       string `glazed:"config"`
	Addr         string `glazed:"addr"`
	CacheBackend string `glazed:"cache-backend"`
	SQLitePath   string `glazed:"sqlite-path"`
}

func NewServeCommand() (*ServeCommand, error) {
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis layer")
	}
	return &ServeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Serve the job binding API and websocket stream"),
			cmds.WithFlags(
				fields.New("config", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Path to a YAML config file")),
				fields.New("addr", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Listen address (default from config, :8080)")),
				fields.New("cache-backend", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Chunk cache backend (memory, sqlite, redis)")),
				fields.New("sqlite-path", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("SQLite file for the sqlite cache backend")),
			),
			cmds.WithSections(redisLayer),
		),
	}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsedLayers *values.Values) error {
	s := &ServeSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}
	redis, err := decodeRedis(parsedLayers)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(configOverrides{
		Path:         s.Config,
		Addr:         s.Addr,
		CacheBackend: s.CacheBackend,
		SQLitePath:   s.SQLitePath,
		Redis:        redis,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt, err := app.New(ctx, cfg, log.Logger.With().Str("component", "transport").Logger())
	if err != nil {
		return errors.Wrap(err, "build stream runtime")
	}
	srv, err := server.NewServer(rt, cfg.Addr)
	if err != nil {
		_ = rt.Close(context.Background())
		return err
	}
	return srv.Run(ctx)
}
