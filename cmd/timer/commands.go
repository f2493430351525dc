package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"go-timer/internal/api"
	"go-timer/internal/client"
	"go-timer/internal/output"
	"go-timer/internal/timeparse"
	"go-timer/internal/transfer"
)

type globalOptions struct {
	ServiceURL string `long:"service-url" env:"TIMER_SERVICE_URL" default:"https://timer.automate.globus.org" description:"Base URL of the timer service"`
	Token      string `long:"token" env:"TIMER_TOKEN" description:"Bearer token for the timer service"`
}

type app struct {
	opts globalOptions
	out  io.Writer
}

func (a *app) client() *client.JobClient {
	return client.NewJobClient(a.opts.ServiceURL, a.opts.Token)
}

func (a *app) showJob(job *api.Job, raw []byte, verbose, wasDeleted bool) error {
	if verbose {
		return output.ShowRaw(a.out, raw)
	}
	return output.ShowJob(a.out, *job, wasDeleted)
}

func newParser(a *app, options flags.Options) (*flags.Parser, error) {
	parser := flags.NewParser(&a.opts, options)
	parser.Name = "timer"

	job, err := parser.AddCommand("job", "Manage timer jobs", "Submit, inspect and delete recurring jobs.", &struct{}{})
	if err != nil {
		return nil, err
	}
	commands := []struct {
		name, short, long string
		data              interface{}
	}{
		{"submit", "Submit a job", "Submit a job that calls an action URL on an interval.", &submitCommand{app: a}},
		{"transfer", "Submit a recurring transfer",
			"Submit a task for periodic transfer or sync. The options are tailored to the transfer action.",
			&transferCommand{app: a}},
		{"list", "List submitted jobs",
			"List submitted jobs. Last Result only reports whether the action accepted the request; check --verbose output for details.",
			&listCommand{app: a}},
		{"status", "Show the status of a job", "Show the status of the job with the given ID, or of all jobs with --all.", &statusCommand{app: a}},
		{"delete", "Delete jobs", "Delete the jobs with the given IDs.", &deleteCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := job.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			return nil, err
		}
	}
	return parser, nil
}

type verboseOption struct {
	Verbose bool `short:"v" long:"verbose" description:"Show full JSON output"`
}

type scheduleOptions struct {
	Name          string `long:"name" required:"true" description:"Name to identify this job (not necessarily unique)"`
	Start         string `long:"start" description:"Start time for the job, defaults to now. Times without an offset are local"`
	Interval      string `long:"interval" required:"true" description:"Interval such as \"1d 2h\", \"90m\" or a number of seconds"`
	StopAfterDate string `long:"stop-after-date" description:"Stop running the job after this date"`
	StopAfterRuns int    `long:"stop-after-runs" description:"Stop running the job after this number of runs"`
}

func (o scheduleOptions) request() (api.CreateJobRequest, time.Duration, error) {
	interval, err := timeparse.ParseInterval(o.Interval)
	if err != nil {
		return api.CreateJobRequest{}, 0, err
	}
	if interval <= 0 {
		return api.CreateJobRequest{}, 0, fmt.Errorf("couldn't parse interval: %q", o.Interval)
	}
	req := api.CreateJobRequest{Name: o.Name, Interval: api.Seconds(interval)}
	if o.Start != "" {
		start, err := timeparse.ParseTimestamp(o.Start, time.Local)
		if err != nil {
			return api.CreateJobRequest{}, 0, fmt.Errorf("--start: %w", err)
		}
		req.Start = start.Format(time.RFC3339)
	}
	if o.StopAfterRuns < 0 {
		return api.CreateJobRequest{}, 0, errors.New("--stop-after-runs must not be negative")
	}
	if o.StopAfterDate != "" || o.StopAfterRuns > 0 {
		req.StopAfter = &api.StopAfterRequest{NRuns: o.StopAfterRuns}
		if o.StopAfterDate != "" {
			date, err := timeparse.ParseTimestamp(o.StopAfterDate, time.Local)
			if err != nil {
				return api.CreateJobRequest{}, 0, fmt.Errorf("--stop-after-date: %w", err)
			}
			req.StopAfter.Date = date.Format(time.RFC3339)
		}
	}
	return req, interval, nil
}

type submitCommand struct {
	app *app
	scheduleOptions
	Scope      string `long:"scope" required:"true" description:"Auth scope needed for this action"`
	ActionURL  string `long:"action-url" required:"true" description:"The URL for the action to run"`
	ActionBody string `long:"action-body" description:"JSON body sent to the action on each run (exclusive with --action-file)"`
	ActionFile string `long:"action-file" description:"File containing the JSON body sent to the action (exclusive with --action-body)"`
	verboseOption
}

func (c *submitCommand) actionBody() (json.RawMessage, error) {
	var body []byte
	switch {
	case c.ActionBody != "" && c.ActionFile != "":
		return nil, errors.New("--action-body is mutually exclusive with --action-file")
	case c.ActionBody != "":
		body = []byte(strings.Trim(c.ActionBody, `'"`))
	case c.ActionFile != "":
		var err error
		if body, err = os.ReadFile(c.ActionFile); err != nil {
			return nil, fmt.Errorf("--action-file: %w", err)
		}
	default:
		return nil, errors.New("one of --action-body or --action-file is required")
	}
	if !json.Valid(body) {
		return nil, errors.New("the action body must be valid JSON")
	}
	return body, nil
}

func (c *submitCommand) Execute([]string) error {
	req, _, err := c.request()
	if err != nil {
		return err
	}
	if req.CallbackBody, err = c.actionBody(); err != nil {
		return err
	}
	// dependent scopes are requested by the service, not stored on the job
	req.Scope, _, _ = strings.Cut(c.Scope, "[")
	req.CallbackURL = c.ActionURL

	job, raw, err := c.app.client().CreateJob(context.Background(), req)
	if err != nil {
		return err
	}
	return c.app.showJob(job, raw, c.Verbose, false)
}

type transferCommand struct {
	app *app
	scheduleOptions
	SourceEndpoint    string   `long:"source-endpoint" required:"true" description:"ID of the source transfer endpoint"`
	DestEndpoint      string   `long:"dest-endpoint" required:"true" description:"ID of the destination transfer endpoint"`
	Label             string   `long:"label" description:"Label for the transfer, up to 128 letters, numbers, spaces and - _ ,"`
	SyncLevel         *int     `long:"sync-level" description:"Only transfer new or modified files (0-3, as defined by the transfer API)"`
	EncryptData       bool     `long:"encrypt-data" description:"Encrypt data sent through the network"`
	VerifyChecksum    bool     `long:"verify-checksum" description:"Verify file checksums and retry on mismatch"`
	PreserveTimestamp bool     `long:"preserve-timestamp" description:"Preserve file timestamps on the destination"`
	Items             []string `short:"i" long:"item" description:"Transfer item as SRC,DST[,RECURSIVE]; may be repeated"`
	ItemsFile         string   `long:"items-file" description:"CSV file of SRC,DST[,RECURSIVE] rows; lines starting with # are skipped"`
	verboseOption
}

func (c *transferCommand) items() ([]transfer.Item, error) {
	switch {
	case len(c.Items) > 0 && c.ItemsFile != "":
		return nil, errors.New("--item is mutually exclusive with --items-file")
	case c.ItemsFile != "":
		return transfer.ReadItemsFile(c.ItemsFile)
	case len(c.Items) == 0:
		return nil, errors.New("one of --item or --items-file is required")
	}
	items := make([]transfer.Item, 0, len(c.Items))
	for _, s := range c.Items {
		item, err := transfer.ParseItem(s)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *transferCommand) Execute([]string) error {
	req, interval, err := c.request()
	if err != nil {
		return err
	}
	if err = transfer.CheckInterval(interval); err != nil {
		return err
	}
	items, err := c.items()
	if err != nil {
		return err
	}
	req.CallbackBody, err = transfer.CallbackBody(c.Name, transfer.Options{
		SourceEndpoint:      c.SourceEndpoint,
		DestinationEndpoint: c.DestEndpoint,
		Label:               c.Label,
		SyncLevel:           c.SyncLevel,
		EncryptData:         c.EncryptData,
		VerifyChecksum:      c.VerifyChecksum,
		PreserveTimestamp:   c.PreserveTimestamp,
		Items:               items,
	})
	if err != nil {
		return err
	}
	req.Scope = transfer.ActionScope
	req.CallbackURL = transfer.ActionURL

	job, raw, err := c.app.client().CreateJob(context.Background(), req)
	if err != nil {
		return err
	}
	return c.app.showJob(job, raw, c.Verbose, false)
}

type listCommand struct {
	app         *app
	ShowDeleted bool   `long:"show-deleted" description:"Include deleted jobs"`
	PageToken   string `long:"page-token" description:"Continue a previous listing"`
	PageSize    int    `long:"page-size" description:"Number of jobs per page"`
	verboseOption
}

func (c *listCommand) Execute([]string) error {
	list, raw, err := c.app.client().ListJobs(context.Background(), client.ListOptions{
		ShowDeleted: c.ShowDeleted,
		PageToken:   c.PageToken,
		PageSize:    c.PageSize,
	})
	if err != nil {
		return err
	}
	if c.Verbose {
		return output.ShowRaw(c.app.out, raw)
	}
	return output.ShowJobList(c.app.out, *list)
}

type statusCommand struct {
	app         *app
	All         bool `short:"a" long:"all" description:"Show status for all jobs"`
	ShowDeleted bool `long:"show-deleted" description:"Include deleted jobs"`
	verboseOption
	Args struct {
		JobId string `positional-arg-name:"JOB_ID"`
	} `positional-args:"yes"`
}

func (c *statusCommand) Execute([]string) error {
	ctx := context.Background()
	if c.All {
		list, raw, err := c.app.client().ListJobs(ctx, client.ListOptions{ShowDeleted: c.ShowDeleted})
		if err != nil {
			return err
		}
		if c.Verbose {
			return output.ShowRaw(c.app.out, raw)
		}
		for i, job := range list.Jobs {
			if i > 0 {
				fmt.Fprintln(c.app.out)
			}
			if err := output.ShowJob(c.app.out, job, job.DeletedAt != nil); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Args.JobId == "" {
		return errors.New("must provide either a job ID or the --all option")
	}
	job, raw, err := c.app.client().GetJob(ctx, c.Args.JobId, c.ShowDeleted)
	if err != nil {
		return err
	}
	return c.app.showJob(job, raw, c.Verbose, job.DeletedAt != nil)
}

type deleteCommand struct {
	app *app
	verboseOption
	Args struct {
		JobIds []string `positional-arg-name:"JOB_ID" required:"1"`
	} `positional-args:"yes"`
}

func (c *deleteCommand) Execute([]string) error {
	for i, id := range c.Args.JobIds {
		if i > 0 {
			fmt.Fprintln(c.app.out)
		}
		job, raw, err := c.app.client().DeleteJob(context.Background(), id)
		if err != nil {
			return fmt.Errorf("failed to delete job %s: %w", id, err)
		}
		if err := c.app.showJob(job, raw, c.Verbose, true); err != nil {
			return err
		}
	}
	return nil
}
