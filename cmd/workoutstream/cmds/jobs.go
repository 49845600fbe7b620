package cmds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/workoutstream/pkg/server"
)

// JobsCommand lists the jobs a running server is bound to.
type JobsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &JobsCommand{}

type JobsSettings struct {
	Server  string `glazed:"server"`
	Timeout int    `glazed:"timeout"`
}

func NewJobsCommand() (*JobsCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"jobs",
		cmds.WithShort("List bound jobs of a running server"),
		cmds.WithLong("List the jobs a running workoutstream server is bound to, with chunk and watcher counts."),
		cmds.WithFlags(
			fields.New(
				"server",
				fields.TypeString,
				fields.WithDefault("http://localhost:8080"),
				fields.WithHelp("Base URL of the workoutstream server"),
			),
			fields.New(
				"timeout",
				fields.TypeInteger,
				fields.WithDefault(10),
				fields.WithHelp("Request timeout in seconds"),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &JobsCommand{CommandDescription: desc}, nil
}

func (c *JobsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &JobsSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.Timeout)*time.Second)
		defer cancel()
	}
	views, err := fetchJobs(ctx, s.Server)
	if err != nil {
		return err
	}
	return addJobRows(ctx, views, gp)
}

func addJobRows(ctx context.Context, views []server.JobView, gp middlewares.Processor) error {
	for _, view := range views {
		row := types.NewRow(
			types.MRP("job_id", view.JobID),
			types.MRP("state", view.State),
			types.MRP("chunks", len(view.Chunks)),
			types.MRP("watchers", view.Watchers),
			types.MRP("error", view.Error),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// fetchJobs reads the bound job ids from serverURL and then each job's view.
func fetchJobs(ctx context.Context, serverURL string) ([]server.JobView, error) {
	base := strings.TrimRight(serverURL, "/")
	var bound struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := getJSON(ctx, base+"/api/bindings", &bound); err != nil {
		return nil, err
	}
	views := make([]server.JobView, 0, len(bound.JobIDs))
	for _, id := range bound.JobIDs {
		var view server.JobView
		if err := getJSON(ctx, base+"/api/jobs/"+url.PathEscape(id), &view); err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrapf(err, "build request %s", u)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", u)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("GET %s: %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrapf(err, "decode %s", u)
	}
	return nil
}
