package model

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"go-timer/internal/recurrence"
)

// HistoryLimit is the number of run results kept per job.
const HistoryLimit = 10

type JobId string

func NewJobId() JobId {
	return JobId(uuid.NewString())
}

func (id JobId) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

type Status string

const (
	StatusNew     Status = "new"
	StatusLoaded  Status = "loaded"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Action is forwarded verbatim to the action invoker on every firing.
type Action struct {
	URL   string
	Body  json.RawMessage
	Scope string
}

type StopAfter struct {
	Runs int
	Date *time.Time
}

type RunResult struct {
	// FiringId identifies the lease the firing ran under. Recording the same
	// firing twice is a no-op.
	FiringId      string
	ScheduledTime time.Time
	ActualTime    time.Time
	Outcome       Outcome
	StatusCode    int
	Detail        json.RawMessage
	MissedSlots   int
}

type Job struct {
	Id           JobId
	Seq          int64
	Name         string
	Label        string
	Start        time.Time
	Interval     time.Duration
	Action       Action
	Status       Status
	StopAfter    StopAfter
	NextFireTime *time.Time
	RunCount     int
	Version      int64
	History      []RunResult
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

func (job Job) Schedule() recurrence.Schedule {
	return recurrence.Schedule{
		Start:    job.Start,
		Interval: job.Interval,
		MaxRuns:  job.StopAfter.Runs,
		End:      job.StopAfter.Date,
	}
}

func (job Job) Deleted() bool {
	return job.Status == StatusDeleted
}

// Lease is the exclusive right to fire a job once. Version is the job
// version observed when the lease was taken.
type Lease struct {
	Job       Job
	Token     string
	Version   int64
	ExpiresAt time.Time
}

type ListOptions struct {
	ShowDeleted bool
	PageToken   string
	PageSize    int
}

type JobPage struct {
	Jobs          []Job
	NextPageToken string
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

func (opts ListOptions) limit() int {
	switch {
	case opts.PageSize <= 0:
		return DefaultPageSize
	case opts.PageSize > MaxPageSize:
		return MaxPageSize
	}
	return opts.PageSize
}

type JobStorage interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id JobId, showDeleted bool) (Job, error)
	ListJobs(ctx context.Context, opts ListOptions) (JobPage, error)
	UpdateJob(ctx context.Context, id JobId, mutate func(*Job) error) (Job, error)
	DeleteJob(ctx context.Context, id JobId, now time.Time) (Job, error)
	LoadJobs(ctx context.Context) (int, error)
	ClaimDueJobs(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]Lease, error)
	RecordRun(ctx context.Context, lease Lease, result RunResult, next *time.Time) error
	Ping(ctx context.Context) error
	Close() error
}
