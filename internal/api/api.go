// Package api contains the JSON request and response bodies shared by the
// job server and the timer CLI.
package api

import (
	"encoding/json"
	"math"
	"time"

	"go-timer/internal/model"
)

const (
	LastResultNotRun   = "NOT RUN"
	LastResultComplete = "RUN COMPLETE"
	LastResultFailure  = "FAILURE"
)

type StopAfterRequest struct {
	Date  string `json:"date,omitempty" validate:"omitempty,timestamp"`
	NRuns int    `json:"n_runs,omitempty" validate:"gte=0"`
}

// CreateJobRequest is the request body for creating a job. Interval is in
// seconds.
type CreateJobRequest struct {
	Name         string            `json:"name" validate:"required,max=256"`
	Label        string            `json:"label,omitempty" validate:"max=256"`
	Start        string            `json:"start,omitempty" validate:"omitempty,timestamp"`
	Interval     float64           `json:"interval" validate:"required,gt=0,lte=3155760000,minInterval"`
	Scope        string            `json:"scope,omitempty"`
	CallbackURL  string            `json:"callback_url" validate:"required,httpURL"`
	CallbackBody json.RawMessage   `json:"callback_body,omitempty" validate:"omitempty,jsonObject"`
	StopAfter    *StopAfterRequest `json:"stop_after,omitempty"`
}

// UpdateJobRequest changes only the fields that are set.
type UpdateJobRequest struct {
	Name         *string           `json:"name,omitempty" validate:"omitempty,max=256"`
	Label        *string           `json:"label,omitempty" validate:"omitempty,max=256"`
	Start        *string           `json:"start,omitempty" validate:"omitempty,timestamp"`
	Interval     *float64          `json:"interval,omitempty" validate:"omitempty,gt=0,lte=3155760000,minInterval"`
	Scope        *string           `json:"scope,omitempty"`
	CallbackURL  *string           `json:"callback_url,omitempty" validate:"omitempty,httpURL"`
	CallbackBody json.RawMessage   `json:"callback_body,omitempty" validate:"omitempty,jsonObject"`
	StopAfter    *StopAfterRequest `json:"stop_after,omitempty"`
}

type StopAfter struct {
	Date  *time.Time `json:"date"`
	NRuns *int       `json:"n_runs"`
}

type RunResult struct {
	ScheduledTime time.Time       `json:"scheduled_time"`
	ActualTime    time.Time       `json:"actual_time"`
	Outcome       string          `json:"outcome"`
	Status        int             `json:"status"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	MissedSlots   int             `json:"missed_slots,omitempty"`
}

type Job struct {
	JobId        string          `json:"job_id"`
	Name         string          `json:"name"`
	Label        string          `json:"label"`
	Status       string          `json:"status"`
	Start        time.Time       `json:"start"`
	Interval     float64         `json:"interval"`
	Scope        string          `json:"scope,omitempty"`
	CallbackURL  string          `json:"callback_url"`
	CallbackBody json.RawMessage `json:"callback_body,omitempty"`
	StopAfter    StopAfter       `json:"stop_after"`
	NRuns        int             `json:"n_runs"`
	NextRun      *time.Time      `json:"next_run"`
	LastResult   string          `json:"last_result"`
	Results      []RunResult     `json:"results"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

type JobList struct {
	Jobs          []Job  `json:"jobs"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

type ErrorDetail struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

// MaxInterval is the longest interval a job may have, about 100 years. It
// matches the lte bound on the interval fields.
const MaxInterval = 3155760000 * time.Second

const maxMillis = float64(math.MaxInt64 / int64(time.Millisecond))

// Duration converts seconds to a duration, rounded to the millisecond.
// Values that do not fit in a time.Duration convert to zero.
func Duration(seconds float64) time.Duration {
	ms := math.Round(seconds * 1000)
	if math.IsNaN(ms) || math.Abs(ms) > maxMillis {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func FromJob(job model.Job) Job {
	out := Job{
		JobId:        string(job.Id),
		Name:         job.Name,
		Label:        job.Label,
		Status:       string(job.Status),
		Start:        job.Start.UTC(),
		Interval:     Seconds(job.Interval),
		Scope:        job.Action.Scope,
		CallbackURL:  job.Action.URL,
		CallbackBody: job.Action.Body,
		NRuns:        job.RunCount,
		NextRun:      job.NextFireTime,
		Results:      make([]RunResult, 0, len(job.History)),
		CreatedAt:    job.CreatedAt.UTC(),
		UpdatedAt:    job.UpdatedAt.UTC(),
		DeletedAt:    job.DeletedAt,
	}
	if job.StopAfter.Date != nil {
		out.StopAfter.Date = job.StopAfter.Date
	}
	if job.StopAfter.Runs > 0 {
		runs := job.StopAfter.Runs
		out.StopAfter.NRuns = &runs
	}
	for _, run := range job.History {
		out.Results = append(out.Results, RunResult{
			ScheduledTime: run.ScheduledTime.UTC(),
			ActualTime:    run.ActualTime.UTC(),
			Outcome:       string(run.Outcome),
			Status:        run.StatusCode,
			Detail:        run.Detail,
			MissedSlots:   run.MissedSlots,
		})
	}
	out.LastResult = lastResult(out.Results)
	return out
}

func lastResult(results []RunResult) string {
	if len(results) == 0 {
		return LastResultNotRun
	}
	if results[len(results)-1].Outcome == string(model.OutcomeSuccess) {
		return LastResultComplete
	}
	return LastResultFailure
}
