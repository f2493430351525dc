package sqlquery

import "time"

const jobColumns = "seq, id, name, label, start_time, interval_ms, action_url, action_body, action_scope, status, " +
	"stop_after_runs, stop_after_date, next_fire_time, run_count, version, created_at, updated_at, deleted_at"

const runColumns = "job_id, firing_id, scheduled_time, actual_time, outcome, status_code, detail, missed_slots"

const (
	CreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
	seq BIGSERIAL UNIQUE,
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ NOT NULL,
	interval_ms BIGINT NOT NULL CHECK (interval_ms > 0),
	action_url TEXT NOT NULL,
	action_body JSONB,
	action_scope TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	stop_after_runs INTEGER NOT NULL DEFAULT 0,
	stop_after_date TIMESTAMPTZ,
	next_fire_time TIMESTAMPTZ,
	run_count INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 0,
	lease_token TEXT,
	lease_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
)`
	CreateDueIndex     = "CREATE INDEX IF NOT EXISTS jobs_due_idx ON jobs (next_fire_time) WHERE status <> 'deleted'"
	CreateJobRunsTable = `CREATE TABLE IF NOT EXISTS job_runs (
	id BIGSERIAL PRIMARY KEY,
	job_id UUID NOT NULL REFERENCES jobs (id),
	firing_id TEXT NOT NULL,
	scheduled_time TIMESTAMPTZ NOT NULL,
	actual_time TIMESTAMPTZ NOT NULL,
	outcome TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	detail JSONB,
	missed_slots INTEGER NOT NULL DEFAULT 0,
	UNIQUE (job_id, firing_id)
)`

	NewJob = "INSERT INTO jobs (id, name, label, start_time, interval_ms, action_url, action_body, action_scope, status, " +
		"stop_after_runs, stop_after_date, next_fire_time, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING seq"
	GetJob          = "SELECT " + jobColumns + " FROM jobs WHERE id = $1"
	GetJobForUpdate = "SELECT " + jobColumns + " FROM jobs WHERE id = $1 FOR UPDATE"
	ListJobs        = "SELECT " + jobColumns + " FROM jobs WHERE seq > $1 AND ($2 OR status <> 'deleted') ORDER BY seq LIMIT $3"
	UpdateJob       = "UPDATE jobs SET name = $2, label = $3, start_time = $4, interval_ms = $5, action_url = $6, " +
		"action_body = $7, action_scope = $8, status = $9, stop_after_runs = $10, stop_after_date = $11, " +
		"next_fire_time = $12, updated_at = $13, version = version + 1 WHERE id = $1"
	DeleteJob = "UPDATE jobs SET status = 'deleted', deleted_at = $2, updated_at = $2, next_fire_time = NULL, " +
		"version = version + 1 WHERE id = $1"
	LoadJobs     = "UPDATE jobs SET status = 'loaded' WHERE status IN ('new', 'updated')"
	ClaimDueJobs = "UPDATE jobs SET lease_token = $2, lease_expires_at = $3 WHERE id IN (" +
		"SELECT id FROM jobs WHERE status <> 'deleted' AND next_fire_time <= $1 " +
		"AND (lease_expires_at IS NULL OR lease_expires_at < $1) " +
		"ORDER BY next_fire_time LIMIT $4 FOR UPDATE SKIP LOCKED) RETURNING " + jobColumns

	GetLeaseState = "SELECT status, version, lease_token, next_fire_time FROM jobs WHERE id = $1 FOR UPDATE"
	NewRun        = "INSERT INTO job_runs (" + runColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) " +
		"ON CONFLICT (job_id, firing_id) DO NOTHING"
	TrimRuns = "DELETE FROM job_runs WHERE job_id = $1 AND id NOT IN (" +
		"SELECT id FROM job_runs WHERE job_id = $1 ORDER BY id DESC LIMIT $2)"
	CountRun           = "UPDATE jobs SET run_count = run_count + 1 WHERE id = $1"
	CountRunAndRelease = "UPDATE jobs SET run_count = run_count + 1, lease_token = NULL, lease_expires_at = NULL WHERE id = $1"
	CommitNextFireTime = "UPDATE jobs SET run_count = run_count + 1, lease_token = NULL, lease_expires_at = NULL, " +
		"next_fire_time = $2 WHERE id = $1"
	GetRuns      = "SELECT " + runColumns + " FROM job_runs WHERE job_id = $1 ORDER BY id"
	GetRunsForIn = "SELECT " + runColumns + " FROM job_runs WHERE job_id = ANY($1) ORDER BY job_id, id"

	DatabaseOperationTimeout = time.Second * 5
)
