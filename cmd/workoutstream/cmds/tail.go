package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/workoutstream/pkg/app"
	"github.com/go-go-golems/workoutstream/pkg/config"
	"github.com/go-go-golems/workoutstream/pkg/redisstream"
)

// TailCommand binds a job and prints its chunks as they arrive until
// interrupted.
type TailCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &TailCommand{}

type TailSettings struct {
	Config       string `glazed:"config"`
	JobID        string `glazed:"job-id"`
	CacheBackend string `glazed:"cache-backend"`
	SQLitePath   string `glazed:"sqlite-path"`
}

func NewTailCommand() (*TailCommand, error) {
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis layer")
	}
	return &TailCommand{
		CommandDescription: cmds.NewCommandDescription(
			"tail",
			cmds.WithShort("Bind a job and print chunks as they arrive"),
			cmds.WithFlags(
				fields.New("config", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Path to a YAML config file")),
				fields.New("job-id", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Job id to tail")),
				fields.New("cache-backend", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Chunk cache backend (memory, sqlite, redis)")),
				fields.New("sqlite-path", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("SQLite file for the sqlite cache backend")),
			),
			cmds.WithSections(redisLayer),
		),
	}, nil
}

func (c *TailCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	s := &TailSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init tail settings")
	}
	if s.JobID == "" {
		return errors.New("--job-id is required")
	}
	redis, err := decodeRedis(parsedLayers)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(configOverrides{
		Path:         s.Config,
		CacheBackend: s.CacheBackend,
		SQLitePath:   s.SQLitePath,
		Redis:        redis,
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runTail(ctx, cfg, s.JobID, w)
}

// runTail prints jobID's chunks to w until ctx ends.
func runTail(ctx context.Context, cfg *config.Config, jobID string, w io.Writer) error {
	rt, err := app.New(ctx, cfg, log.Logger.With().Str("component", "transport").Logger())
	if err != nil {
		return errors.Wrap(err, "build stream runtime")
	}
	defer func() { _ = rt.Close(context.Background()) }()
	rt.StartBackground(ctx)

	rt.Accumulator.AddObserver(func(id string, _ int, chunk string) {
		if id == jobID {
			_, _ = fmt.Fprint(w, chunk)
		}
	})

	release, err := rt.Manager.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer release()
	log.Info().Str("job_id", jobID).Msg("tailing job")

	<-ctx.Done()
	_, _ = fmt.Fprintln(w)
	return nil
}
