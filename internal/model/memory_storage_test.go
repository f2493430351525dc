package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestJob(name string, next time.Time) Job {
	return Job{
		Id:           NewJobId(),
		Name:         name,
		Start:        next,
		Interval:     time.Hour,
		Action:       Action{URL: "https://example.org/hook", Body: json.RawMessage(`{"k":"v"}`)},
		Status:       StatusNew,
		NextFireTime: &next,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
}

func createJob(t *testing.T, st JobStorage, job Job) Job {
	t.Helper()
	created, err := st.CreateJob(context.Background(), job)
	require.NoError(t, err)
	return created
}

var _ JobStorage = (*MemoryJobStorage)(nil)

func TestMemoryCreateAndGet(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))
	assert.Equal(t, int64(1), job.Seq)

	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, StatusNew, got.Status)

	got.Action.Body[1] = 'X'
	again, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(again.Action.Body))

	_, err = st.CreateJob(ctx, job)
	assert.Error(t, err)

	_, err = st.GetJob(ctx, NewJobId(), true)
	assert.ErrorIs(t, err, ErrorNotFound)
}

func TestMemoryListPagination(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	ids := make([]JobId, 0)
	for i := 0; i < 5; i++ {
		ids = append(ids, createJob(t, st, newTestJob(fmt.Sprintf("job-%d", i), epoch)).Id)
	}
	_, err := st.DeleteJob(ctx, ids[2], epoch)
	require.NoError(t, err)

	seen := make([]JobId, 0)
	token := ""
	for {
		page, err := st.ListJobs(ctx, ListOptions{PageToken: token, PageSize: 2})
		require.NoError(t, err)
		for _, job := range page.Jobs {
			seen = append(seen, job.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []JobId{ids[0], ids[1], ids[3], ids[4]}, seen)

	all, err := st.ListJobs(ctx, ListOptions{ShowDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all.Jobs, 5)
	assert.Empty(t, all.NextPageToken)

	_, err = st.ListJobs(ctx, ListOptions{PageToken: "-4"})
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestMemoryUpdate(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	updated, err := st.UpdateJob(ctx, job.Id, func(j *Job) error {
		j.Name = "b"
		j.Status = StatusUpdated
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", updated.Name)
	assert.Equal(t, job.Version+1, updated.Version)

	rejected := &ValidationError{Field: "interval", Reason: "too short"}
	_, err = st.UpdateJob(ctx, job.Id, func(j *Job) error {
		j.Name = "c"
		return rejected
	})
	assert.ErrorIs(t, err, rejected)
	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	_, err = st.UpdateJob(ctx, NewJobId(), func(*Job) error { return nil })
	assert.ErrorIs(t, err, ErrorNotFound)
}

func TestMemoryDeleteIsSoftAndIdempotent(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	deleted, err := st.DeleteJob(ctx, job.Id, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, deleted.Status)
	assert.Nil(t, deleted.NextFireTime)
	require.NotNil(t, deleted.DeletedAt)

	again, err := st.DeleteJob(ctx, job.Id, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, *deleted.DeletedAt, *again.DeletedAt)
	assert.Equal(t, deleted.Version, again.Version)

	_, err = st.GetJob(ctx, job.Id, false)
	assert.ErrorIs(t, err, ErrorNotFound)
	shown, err := st.GetJob(ctx, job.Id, true)
	require.NoError(t, err)
	assert.True(t, shown.Deleted())

	_, err = st.UpdateJob(ctx, job.Id, func(*Job) error { return nil })
	assert.ErrorIs(t, err, ErrJobDeleted)

	leases, err := st.ClaimDueJobs(ctx, epoch.Add(24*time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestMemoryLoadJobs(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	a := createJob(t, st, newTestJob("a", epoch))
	createJob(t, st, newTestJob("b", epoch))

	loaded, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	_, err = st.UpdateJob(ctx, a.Id, func(j *Job) error {
		j.Status = StatusUpdated
		return nil
	})
	require.NoError(t, err)
	loaded, err = st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	got, err := st.GetJob(ctx, a.Id, false)
	require.NoError(t, err)
	assert.Equal(t, StatusLoaded, got.Status)
}

func TestMemoryClaimIsExclusive(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	early := createJob(t, st, newTestJob("early", epoch))
	late := createJob(t, st, newTestJob("late", epoch.Add(time.Minute)))
	createJob(t, st, newTestJob("future", epoch.Add(time.Hour)))

	now := epoch.Add(2 * time.Minute)
	leases, err := st.ClaimDueJobs(ctx, now, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, early.Id, leases[0].Job.Id)

	leases, err = st.ClaimDueJobs(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, late.Id, leases[0].Job.Id)

	leases, err = st.ClaimDueJobs(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, leases)

	leases, err = st.ClaimDueJobs(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, leases, 2)
}

func TestMemoryConcurrentClaims(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		createJob(t, st, newTestJob(fmt.Sprintf("job-%d", i), epoch))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[JobId]int)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leases, err := st.ClaimDueJobs(ctx, epoch, time.Minute, 5)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, lease := range leases {
				claimed[lease.Job.Id]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 20)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestMemoryRecordRun(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	leases, err := st.ClaimDueJobs(ctx, epoch, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	lease := leases[0]

	next := epoch.Add(time.Hour)
	result := RunResult{ScheduledTime: epoch, ActualTime: epoch.Add(time.Second), Outcome: OutcomeSuccess}
	require.NoError(t, st.RecordRun(ctx, lease, result, &next))
	require.NoError(t, st.RecordRun(ctx, lease, result, &next))

	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.Len(t, got.History, 1)
	assert.Equal(t, lease.Token, got.History[0].FiringId)
	require.NotNil(t, got.NextFireTime)
	assert.Equal(t, next, *got.NextFireTime)

	leases, err = st.ClaimDueJobs(ctx, next, time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestMemoryHistoryIsBounded(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	now := epoch
	for i := 0; i < HistoryLimit+5; i++ {
		leases, err := st.ClaimDueJobs(ctx, now, time.Minute, 1)
		require.NoError(t, err)
		require.Len(t, leases, 1)
		next := now.Add(time.Hour)
		result := RunResult{ScheduledTime: now, ActualTime: now, Outcome: OutcomeSuccess, StatusCode: i}
		require.NoError(t, st.RecordRun(ctx, leases[0], result, &next))
		now = next
	}

	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	assert.Equal(t, HistoryLimit+5, got.RunCount)
	require.Len(t, got.History, HistoryLimit)
	assert.Equal(t, 5, got.History[0].StatusCode)
	assert.Equal(t, HistoryLimit+4, got.History[HistoryLimit-1].StatusCode)
}

func TestMemoryRecordRunAfterDelete(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	leases, err := st.ClaimDueJobs(ctx, epoch, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	_, err = st.DeleteJob(ctx, job.Id, epoch.Add(time.Second))
	require.NoError(t, err)

	next := epoch.Add(time.Hour)
	err = st.RecordRun(ctx, leases[0], RunResult{ScheduledTime: epoch, ActualTime: epoch, Outcome: OutcomeSuccess}, &next)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := st.GetJob(ctx, job.Id, true)
	require.NoError(t, err)
	assert.True(t, got.Deleted())
	assert.Nil(t, got.NextFireTime)
	assert.Len(t, got.History, 1)
}

func TestMemoryRecordRunAfterUpdate(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	leases, err := st.ClaimDueJobs(ctx, epoch, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	rescheduled := epoch.Add(10 * time.Minute)
	_, err = st.UpdateJob(ctx, job.Id, func(j *Job) error {
		j.Interval = 10 * time.Minute
		j.NextFireTime = &rescheduled
		j.Status = StatusUpdated
		return nil
	})
	require.NoError(t, err)

	stale := epoch.Add(time.Hour)
	require.NoError(t, st.RecordRun(ctx, leases[0], RunResult{ScheduledTime: epoch, ActualTime: epoch}, &stale))

	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime)
	assert.Equal(t, rescheduled, *got.NextFireTime)
	assert.Equal(t, 1, got.RunCount)
}

func TestMemoryRecordRunLeaseLost(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	first, err := st.ClaimDueJobs(ctx, epoch, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	second, err := st.ClaimDueJobs(ctx, epoch.Add(2*time.Minute), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)

	next := epoch.Add(time.Hour)
	err = st.RecordRun(ctx, first[0], RunResult{ScheduledTime: epoch, ActualTime: epoch}, &next)
	assert.ErrorIs(t, err, ErrLeaseLost)
	require.NoError(t, st.RecordRun(ctx, second[0], RunResult{ScheduledTime: epoch, ActualTime: epoch}, &next))

	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.Len(t, got.History, 2)
}

func TestMemoryCancelledContext(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := st.CreateJob(ctx, newTestJob("a", epoch))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, st.Ping(ctx), context.Canceled)
}

func TestMemoryRecordRunAfterRename(t *testing.T) {
	st := NewMemoryJobStorage()
	ctx := context.Background()
	job := createJob(t, st, newTestJob("a", epoch))

	leases, err := st.ClaimDueJobs(ctx, epoch, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	_, err = st.UpdateJob(ctx, job.Id, func(j *Job) error {
		j.Label = "renamed"
		j.Status = StatusUpdated
		return nil
	})
	require.NoError(t, err)

	next := epoch.Add(time.Hour)
	require.NoError(t, st.RecordRun(ctx, leases[0], RunResult{ScheduledTime: epoch, ActualTime: epoch}, &next))

	got, err := st.GetJob(ctx, job.Id, false)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime)
	assert.Equal(t, next, *got.NextFireTime)
	assert.Equal(t, "renamed", got.Label)
}
