package cmds

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/workoutstream/pkg/redisstream"
	"github.com/go-go-golems/workoutstream/pkg/streamtransport"
)

// PublishCommand acts as a generation job: it splits text into chunks and
// publishes them on the job's channel.
type PublishCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &PublishCommand{}

type PublishSettings struct {
	Config    string `glazed:"config"`
	JobID     string `glazed:"job-id"`
	Text      string `glazed:"text"`
	ChunkSize int    `glazed:"chunk-size"`
	Rate      int    `glazed:"rate"`
	Redis     redisstream.Settings
}

func NewPublishCommand() (*PublishCommand, error) {
	redisLayer, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis layer")
	}
	return &PublishCommand{
		CommandDescription: cmds.NewCommandDescription(
			"publish",
			cmds.WithShort("Publish text as workout chunk fragments for a job"),
			cmds.WithLong("Publish text as workout chunk fragments for a job. Without --text, the text is read from stdin when stdin is not a terminal."),
			cmds.WithFlags(
				fields.New("config", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Path to a YAML config file")),
				fields.New("job-id", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Job id (channel name)")),
				fields.New("text", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("Text to publish")),
				fields.New("chunk-size", fields.TypeInteger, fields.WithDefault(16),
					fields.WithHelp("Runes per chunk")),
				fields.New("rate", fields.TypeInteger, fields.WithDefault(0),
					fields.WithHelp("Chunks per second (0 = as fast as possible)")),
			),
			cmds.WithSections(redisLayer),
		),
	}, nil
}

func (c *PublishCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	s := &PublishSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init publish settings")
	}
	redis, err := decodeRedis(parsedLayers)
	if err != nil {
		return err
	}
	s.Redis = redis
	if s.Text == "" {
		text, err := readPipedText(os.Stdin)
		if err != nil {
			return err
		}
		s.Text = text
	}
	return runPublish(ctx, s, w)
}

// readPipedText reads f to the end unless it is a terminal.
func readPipedText(f *os.File) (string, error) {
	if f == nil || isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return "", nil
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return "", errors.Wrap(err, "read text from stdin")
	}
	return string(b), nil
}

func runPublish(ctx context.Context, s *PublishSettings, w io.Writer) error {
	if s.JobID == "" {
		return errors.New("--job-id is required")
	}
	cfg, err := resolveConfig(configOverrides{Path: s.Config, Redis: s.Redis})
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		log.Warn().Msg("publishing on the in-memory transport; only subscribers in this process will see it")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := streamtransport.NewBackend(ctx, cfg.Redis, log.Logger.With().Str("component", "transport").Logger())
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	pub, err := streamtransport.NewPublisher(backend.Publisher(), streamtransport.WithChunkRate(float64(s.Rate)))
	if err != nil {
		return err
	}
	n, err := pub.PublishText(ctx, s.JobID, s.Text, s.ChunkSize)
	if err != nil {
		return errors.Wrapf(err, "published %d chunks before failing", n)
	}
	_, _ = fmt.Fprintf(w, "published %d chunks for job %s\n", n, s.JobID)
	return nil
}
