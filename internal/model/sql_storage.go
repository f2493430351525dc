package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"go-timer/internal/model/sqlquery"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLJobStorage struct {
	database *sql.DB
}

func NewSQLJobStorage(ctx context.Context, driverName, dataSourceName string) (*SQLJobStorage, error) {
	database, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed opening database: %w", err)
	}

	if err = database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed checking database availibility: %w", err)
	}

	storage, err := newSQLJobStorage(ctx, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return storage, nil
}

func newSQLJobStorage(ctx context.Context, database *sql.DB) (*SQLJobStorage, error) {
	storage := SQLJobStorage{database}
	if err := storage.init(ctx); err != nil {
		return nil, fmt.Errorf("failed initializing storage: %w", err)
	}
	return &storage, nil
}

func (st *SQLJobStorage) CreateJob(ctx context.Context, job Job) (Job, error) {
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(
			ctx,
			sqlquery.NewJob,
			string(job.Id),
			job.Name,
			job.Label,
			job.Start,
			job.Interval.Milliseconds(),
			job.Action.URL,
			nullJSONArg(job.Action.Body),
			job.Action.Scope,
			string(job.Status),
			job.StopAfter.Runs,
			nullTimeArg(job.StopAfter.Date),
			nullTimeArg(job.NextFireTime),
			job.CreatedAt,
			job.UpdatedAt,
		).Scan(&job.Seq)
		if err != nil {
			err = fmt.Errorf("failed scanning job: %w", err)
		}
		return err
	}

	if err := st.transact(ctx, "create job", transactionFunc); err != nil {
		return Job{}, fmt.Errorf("failed creating job: %w", err)
	}
	job.History = nil
	return job, nil
}

func (st *SQLJobStorage) GetJob(ctx context.Context, id JobId, showDeleted bool) (Job, error) {
	if !id.Valid() {
		return Job{}, ErrorNotFound
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, sqlquery.DatabaseOperationTimeout)
	defer cancel()

	job := Job{}
	err := scanJob(st.database.QueryRowContext(timeoutCtx, sqlquery.GetJob, string(id)), &job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrorNotFound
		}
		return Job{}, fmt.Errorf("failed getting job by id %s: %w", id, err)
	}
	if job.Deleted() && !showDeleted {
		return Job{}, ErrorNotFound
	}
	if job.History, err = loadRuns(timeoutCtx, st.database, id); err != nil {
		return Job{}, fmt.Errorf("failed getting runs of job %s: %w", id, err)
	}
	return job, nil
}

func (st *SQLJobStorage) ListJobs(ctx context.Context, opts ListOptions) (JobPage, error) {
	after, err := parsePageToken(opts.PageToken)
	if err != nil {
		return JobPage{}, err
	}
	limit := opts.limit()

	timeoutCtx, cancel := context.WithTimeout(ctx, sqlquery.DatabaseOperationTimeout)
	defer cancel()

	rows, err := st.database.QueryContext(timeoutCtx, sqlquery.ListJobs, after, opts.ShowDeleted, limit+1)
	if err != nil {
		return JobPage{}, fmt.Errorf("failed listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job := Job{}
		if err := scanJob(rows, &job); err != nil {
			return JobPage{}, fmt.Errorf("failed scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return JobPage{}, fmt.Errorf("failed listing jobs: %w", err)
	}
	rows.Close()

	page := JobPage{Jobs: jobs}
	if len(jobs) > limit {
		page.Jobs = jobs[:limit]
		page.NextPageToken = pageToken(page.Jobs[limit-1].Seq)
	}
	if err = loadRunsForJobs(timeoutCtx, st.database, page.Jobs); err != nil {
		return JobPage{}, fmt.Errorf("failed getting runs of listed jobs: %w", err)
	}
	return page, nil
}

func (st *SQLJobStorage) UpdateJob(ctx context.Context, id JobId, mutate func(*Job) error) (Job, error) {
	if !id.Valid() {
		return Job{}, ErrorNotFound
	}
	var job Job
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		current, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Deleted() {
			return ErrJobDeleted
		}
		job = copyJob(current)
		if err = mutate(&job); err != nil {
			return err
		}
		job.Id, job.Seq = current.Id, current.Seq
		_, err = tx.ExecContext(
			ctx,
			sqlquery.UpdateJob,
			string(id),
			job.Name,
			job.Label,
			job.Start,
			job.Interval.Milliseconds(),
			job.Action.URL,
			nullJSONArg(job.Action.Body),
			job.Action.Scope,
			string(job.Status),
			job.StopAfter.Runs,
			nullTimeArg(job.StopAfter.Date),
			nullTimeArg(job.NextFireTime),
			job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed updating job: %w", err)
		}
		job.Version = current.Version + 1
		job.History, err = loadRuns(ctx, tx, id)
		return err
	}

	if err := st.transact(ctx, "update job", transactionFunc); err != nil {
		return Job{}, fmt.Errorf("failed updating job with id %s: %w", id, err)
	}
	return job, nil
}

func (st *SQLJobStorage) DeleteJob(ctx context.Context, id JobId, now time.Time) (Job, error) {
	if !id.Valid() {
		return Job{}, ErrorNotFound
	}
	var job Job
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if job, err = lockJob(ctx, tx, id); err != nil {
			return err
		}
		if !job.Deleted() {
			deletedAt := now.UTC()
			if _, err = tx.ExecContext(ctx, sqlquery.DeleteJob, string(id), deletedAt); err != nil {
				return fmt.Errorf("failed marking job deleted: %w", err)
			}
			job.Status = StatusDeleted
			job.DeletedAt = &deletedAt
			job.UpdatedAt = deletedAt
			job.NextFireTime = nil
			job.Version++
		}
		job.History, err = loadRuns(ctx, tx, id)
		return err
	}

	if err := st.transact(ctx, "delete job", transactionFunc); err != nil {
		return Job{}, fmt.Errorf("failed deleting job with id %s: %w", id, err)
	}
	return job, nil
}

func (st *SQLJobStorage) LoadJobs(ctx context.Context) (int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, sqlquery.DatabaseOperationTimeout)
	defer cancel()

	result, err := st.database.ExecContext(timeoutCtx, sqlquery.LoadJobs)
	if err != nil {
		return 0, &StoreTransactionError{"load jobs", err}
	}
	loaded, err := result.RowsAffected()
	if err != nil {
		return 0, &StoreTransactionError{"load jobs", err}
	}
	return int(loaded), nil
}

func (st *SQLJobStorage) ClaimDueJobs(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]Lease, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()
	expiresAt := now.Add(leaseTTL)
	leases := make([]Lease, 0)
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sqlquery.ClaimDueJobs, now, token, expiresAt, limit)
		if err != nil {
			return fmt.Errorf("failed claim due jobs query: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job := Job{}
			if err := scanJob(rows, &job); err != nil {
				return fmt.Errorf("failed scanning job: %w", err)
			}
			leases = append(leases, Lease{Job: job, Token: token, Version: job.Version, ExpiresAt: expiresAt})
		}
		if err = rows.Err(); err != nil {
			return err
		}
		return rows.Close()
	}

	if err := st.transact(ctx, "claim due jobs", transactionFunc); err != nil {
		return nil, fmt.Errorf("failed claiming due jobs: %w", err)
	}
	return leases, nil
}

func (st *SQLJobStorage) RecordRun(ctx context.Context, lease Lease, result RunResult, next *time.Time) error {
	id := lease.Job.Id
	var outcome error
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		outcome = nil
		var (
			status       string
			version      int64
			leaseToken   sql.NullString
			nextFireTime sql.NullTime
		)
		err := tx.QueryRowContext(ctx, sqlquery.GetLeaseState, string(id)).Scan(&status, &version, &leaseToken, &nextFireTime)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrorNotFound
			}
			return fmt.Errorf("failed reading lease state: %w", err)
		}

		inserted, err := tx.ExecContext(
			ctx,
			sqlquery.NewRun,
			string(id),
			lease.Token,
			result.ScheduledTime,
			result.ActualTime,
			string(result.Outcome),
			result.StatusCode,
			nullJSONArg(result.Detail),
			result.MissedSlots,
		)
		if err != nil {
			return fmt.Errorf("failed inserting run result: %w", err)
		}
		if n, err := inserted.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			// Recorded by an earlier attempt whose commit was not acknowledged.
			return nil
		}
		if _, err = tx.ExecContext(ctx, sqlquery.TrimRuns, string(id), HistoryLimit); err != nil {
			return fmt.Errorf("failed trimming run history: %w", err)
		}

		switch {
		case !leaseToken.Valid || leaseToken.String != lease.Token:
			_, err = tx.ExecContext(ctx, sqlquery.CountRun, string(id))
			outcome = ErrLeaseLost
		case Status(status) == StatusDeleted:
			_, err = tx.ExecContext(ctx, sqlquery.CountRunAndRelease, string(id))
			outcome = ErrConcurrentModification
		case version != lease.Version && !sameTime(nullTimePtr(nextFireTime), lease.Job.NextFireTime):
			// An update rescheduled the job while it was firing.
			_, err = tx.ExecContext(ctx, sqlquery.CountRunAndRelease, string(id))
		default:
			_, err = tx.ExecContext(ctx, sqlquery.CommitNextFireTime, string(id), nullTimeArg(next))
		}
		if err != nil {
			return fmt.Errorf("failed updating job after run: %w", err)
		}
		return nil
	}

	if err := st.transact(ctx, "record run", transactionFunc); err != nil {
		return fmt.Errorf("failed recording run of job %s: %w", id, err)
	}
	return outcome
}

func (st *SQLJobStorage) Ping(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, sqlquery.DatabaseOperationTimeout)
	defer cancel()
	return st.database.PingContext(timeoutCtx)
}

func (st *SQLJobStorage) Close() error {
	return st.database.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner, job *Job) error {
	var (
		id, status                             string
		intervalMs                             int64
		actionBody                             []byte
		stopAfterDate, nextFireTime, deletedAt sql.NullTime
	)
	err := sc.Scan(
		&job.Seq,
		&id,
		&job.Name,
		&job.Label,
		&job.Start,
		&intervalMs,
		&job.Action.URL,
		&actionBody,
		&job.Action.Scope,
		&status,
		&job.StopAfter.Runs,
		&stopAfterDate,
		&nextFireTime,
		&job.RunCount,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return err
	}
	job.Id = JobId(id)
	job.Status = Status(status)
	job.Interval = time.Duration(intervalMs) * time.Millisecond
	if len(actionBody) > 0 {
		job.Action.Body = append([]byte(nil), actionBody...)
	}
	job.Start = job.Start.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StopAfter.Date = nullTimePtr(stopAfterDate)
	job.NextFireTime = nullTimePtr(nextFireTime)
	job.DeletedAt = nullTimePtr(deletedAt)
	return nil
}

func scanRun(sc scanner, jobId *string, run *RunResult) error {
	var outcome string
	var detail []byte
	err := sc.Scan(
		jobId,
		&run.FiringId,
		&run.ScheduledTime,
		&run.ActualTime,
		&outcome,
		&run.StatusCode,
		&detail,
		&run.MissedSlots,
	)
	if err != nil {
		return err
	}
	run.Outcome = Outcome(outcome)
	run.ScheduledTime = run.ScheduledTime.UTC()
	run.ActualTime = run.ActualTime.UTC()
	if len(detail) > 0 {
		run.Detail = append([]byte(nil), detail...)
	}
	return nil
}

func lockJob(ctx context.Context, tx *sql.Tx, id JobId) (Job, error) {
	job := Job{}
	if err := scanJob(tx.QueryRowContext(ctx, sqlquery.GetJobForUpdate, string(id)), &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrorNotFound
		}
		return Job{}, fmt.Errorf("failed locking job: %w", err)
	}
	return job, nil
}

func loadRuns(ctx context.Context, q queryer, id JobId) ([]RunResult, error) {
	rows, err := q.QueryContext(ctx, sqlquery.GetRuns, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]RunResult, 0)
	for rows.Next() {
		var jobId string
		run := RunResult{}
		if err := scanRun(rows, &jobId, &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func loadRunsForJobs(ctx context.Context, q queryer, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, len(jobs))
	index := make(map[JobId]int, len(jobs))
	for i, job := range jobs {
		ids[i] = string(job.Id)
		index[job.Id] = i
		jobs[i].History = make([]RunResult, 0)
	}

	rows, err := q.QueryContext(ctx, sqlquery.GetRunsForIn, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var jobId string
		run := RunResult{}
		if err := scanRun(rows, &jobId, &run); err != nil {
			return err
		}
		if i, ok := index[JobId(jobId)]; ok {
			jobs[i].History = append(jobs[i].History, run)
		}
	}
	return rows.Err()
}

func (st *SQLJobStorage) transact(ctx context.Context, op string, transactionFunc func(context.Context, *sql.Tx) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, sqlquery.DatabaseOperationTimeout)
	defer cancel()

	tx, err := st.database.BeginTx(timeoutCtx, nil)
	if err != nil {
		return &StoreTransactionError{op, err}
	}
	defer tx.Rollback()

	if err = transactionFunc(timeoutCtx, tx); err != nil {
		if isDomainError(err) {
			return err
		}
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			return err
		}
		return &StoreTransactionError{op, err}
	}
	if err = tx.Commit(); err != nil {
		return &StoreTransactionError{op, err}
	}
	return nil
}

func (st *SQLJobStorage) init(ctx context.Context) error {
	transactionFunc := func(ctx context.Context, tx *sql.Tx) error {
		for _, statement := range []string{
			sqlquery.CreateJobsTable,
			sqlquery.CreateDueIndex,
			sqlquery.CreateJobRunsTable,
		} {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				return fmt.Errorf("error creating schema: %w", err)
			}
		}
		return nil
	}
	return st.transact(ctx, "init", transactionFunc)
}

func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func nullJSONArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
