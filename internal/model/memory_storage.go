package model

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryJob struct {
	job          Job
	leaseToken   string
	leaseExpires time.Time
}

type MemoryJobStorage struct {
	lock *sync.Mutex
	jobs map[JobId]*memoryJob
	seq  int64
}

// NewMemoryJobStorage returns a JobStorage kept entirely in process memory.
// Nothing survives a restart.
func NewMemoryJobStorage() *MemoryJobStorage {
	return &MemoryJobStorage{&sync.Mutex{}, make(map[JobId]*memoryJob), 0}
}

func (st *MemoryJobStorage) CreateJob(ctx context.Context, job Job) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	if _, exists := st.jobs[job.Id]; exists {
		return Job{}, fmt.Errorf("job with id %s already exists", job.Id)
	}
	st.seq++
	job.Seq = st.seq
	job.History = nil
	st.jobs[job.Id] = &memoryJob{job: copyJob(job)}
	return copyJob(job), nil
}

func (st *MemoryJobStorage) GetJob(ctx context.Context, id JobId, showDeleted bool) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	mj, ok := st.jobs[id]
	if !ok || (mj.job.Deleted() && !showDeleted) {
		return Job{}, ErrorNotFound
	}
	return copyJob(mj.job), nil
}

func (st *MemoryJobStorage) ListJobs(ctx context.Context, opts ListOptions) (JobPage, error) {
	if err := ctx.Err(); err != nil {
		return JobPage{}, err
	}
	after, err := parsePageToken(opts.PageToken)
	if err != nil {
		return JobPage{}, err
	}

	st.lock.Lock()
	defer st.lock.Unlock()

	jobs := make([]Job, 0)
	for _, mj := range st.jobs {
		if mj.job.Seq <= after || (mj.job.Deleted() && !opts.ShowDeleted) {
			continue
		}
		jobs = append(jobs, copyJob(mj.job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	page := JobPage{Jobs: jobs}
	if limit := opts.limit(); len(jobs) > limit {
		page.Jobs = jobs[:limit]
		page.NextPageToken = pageToken(page.Jobs[limit-1].Seq)
	}
	return page, nil
}

func (st *MemoryJobStorage) UpdateJob(ctx context.Context, id JobId, mutate func(*Job) error) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	mj, ok := st.jobs[id]
	if !ok {
		return Job{}, ErrorNotFound
	}
	if mj.job.Deleted() {
		return Job{}, ErrJobDeleted
	}
	updated := copyJob(mj.job)
	if err := mutate(&updated); err != nil {
		return Job{}, err
	}
	updated.Id, updated.Seq, updated.History = mj.job.Id, mj.job.Seq, mj.job.History
	updated.Version = mj.job.Version + 1
	mj.job = updated
	return copyJob(updated), nil
}

func (st *MemoryJobStorage) DeleteJob(ctx context.Context, id JobId, now time.Time) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	mj, ok := st.jobs[id]
	if !ok {
		return Job{}, ErrorNotFound
	}
	if !mj.job.Deleted() {
		deletedAt := now.UTC()
		mj.job.Status = StatusDeleted
		mj.job.DeletedAt = &deletedAt
		mj.job.UpdatedAt = deletedAt
		mj.job.NextFireTime = nil
		mj.job.Version++
	}
	return copyJob(mj.job), nil
}

func (st *MemoryJobStorage) LoadJobs(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	loaded := 0
	for _, mj := range st.jobs {
		if mj.job.Status == StatusNew || mj.job.Status == StatusUpdated {
			mj.job.Status = StatusLoaded
			loaded++
		}
	}
	return loaded, nil
}

func (st *MemoryJobStorage) ClaimDueJobs(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	due := make([]*memoryJob, 0)
	for _, mj := range st.jobs {
		job := mj.job
		if job.Deleted() || job.NextFireTime == nil || job.NextFireTime.After(now) {
			continue
		}
		if mj.leaseToken != "" && !now.After(mj.leaseExpires) {
			continue
		}
		due = append(due, mj)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].job.NextFireTime.Before(*due[j].job.NextFireTime)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	leases := make([]Lease, 0, len(due))
	for _, mj := range due {
		mj.leaseToken = uuid.NewString()
		mj.leaseExpires = now.Add(leaseTTL)
		leases = append(leases, Lease{
			Job:       copyJob(mj.job),
			Token:     mj.leaseToken,
			Version:   mj.job.Version,
			ExpiresAt: mj.leaseExpires,
		})
	}
	return leases, nil
}

func (st *MemoryJobStorage) RecordRun(ctx context.Context, lease Lease, result RunResult, next *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.lock.Lock()
	defer st.lock.Unlock()

	mj, ok := st.jobs[lease.Job.Id]
	if !ok {
		return ErrorNotFound
	}
	result.FiringId = lease.Token
	for _, recorded := range mj.job.History {
		if recorded.FiringId == result.FiringId {
			return nil
		}
	}
	mj.job.History = appendRun(mj.job.History, result)
	mj.job.RunCount++

	if mj.leaseToken != lease.Token {
		return ErrLeaseLost
	}
	mj.leaseToken = ""
	mj.leaseExpires = time.Time{}

	switch {
	case mj.job.Deleted():
		return ErrConcurrentModification
	case mj.job.Version != lease.Version && !sameTime(mj.job.NextFireTime, lease.Job.NextFireTime):
		// An update rescheduled the job while it was firing.
		return nil
	}
	mj.job.NextFireTime = copyTime(next)
	return nil
}

func (st *MemoryJobStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (st *MemoryJobStorage) Close() error {
	return nil
}

func appendRun(history []RunResult, result RunResult) []RunResult {
	history = append(history, result)
	if overflow := len(history) - HistoryLimit; overflow > 0 {
		history = append([]RunResult(nil), history[overflow:]...)
	}
	return history
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyJob(job Job) Job {
	c := job
	c.NextFireTime = copyTime(job.NextFireTime)
	c.DeletedAt = copyTime(job.DeletedAt)
	c.StopAfter.Date = copyTime(job.StopAfter.Date)
	if job.Action.Body != nil {
		c.Action.Body = append([]byte(nil), job.Action.Body...)
	}
	if job.History != nil {
		c.History = make([]RunResult, len(job.History))
		copy(c.History, job.History)
	}
	return c
}

func pageToken(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func parsePageToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, &ValidationError{Field: "page_token", Reason: "malformed page token"}
	}
	return seq, nil
}
