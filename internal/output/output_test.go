package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-timer/internal/api"
)

func init() {
	pterm.DisableStyling()
}

func sampleJob() api.Job {
	next := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)
	return api.Job{
		JobId:      "4b5c0f36-1b7e-4fd6-9a0e-0e61c4b4b8a1",
		Name:       "backup",
		Status:     "loaded",
		Start:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Interval:   93784,
		NextRun:    &next,
		LastResult: api.LastResultComplete,
	}
}

func TestShowJob(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, ShowJob(&out, sampleJob(), false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "Name:            backup", lines[0])
	assert.Equal(t, "Interval:        1 day, 2:03:04", lines[4])
	assert.Equal(t, "Next Run At:     2026-08-01 13:00:00 UTC", lines[5])
	assert.Equal(t, "Last Run Result: RUN COMPLETE", lines[6])
}

func TestShowDeletedJob(t *testing.T) {
	job := sampleJob()
	deletedAt := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	job.Status = "deleted"
	job.DeletedAt = &deletedAt

	var out bytes.Buffer
	require.NoError(t, ShowJob(&out, job, true))
	assert.NotContains(t, out.String(), "Next Run At")
	assert.NotContains(t, out.String(), "Last Run Result")
	assert.Contains(t, out.String(), "Deleted At: 2026-08-02 00:00:00 UTC")
}

func TestShowJobList(t *testing.T) {
	failed := sampleJob()
	failed.Name = "flaky"
	failed.LastResult = api.LastResultFailure

	var out bytes.Buffer
	require.NoError(t, ShowJobList(&out, api.JobList{Jobs: []api.Job{sampleJob(), failed}, NextPageToken: "9"}))

	text := out.String()
	assert.Contains(t, text, "Last Result")
	assert.Contains(t, text, "backup")
	assert.Contains(t, text, "RUN COMPLETE")
	assert.Contains(t, text, "FAILURE")
	assert.Contains(t, text, "next page token: 9")
}

func TestShowRaw(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, ShowRaw(&out, []byte(`{"a":[1,2]}`)))
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n", out.String())

	out.Reset()
	require.NoError(t, ShowRaw(&out, []byte("not json")))
	assert.Equal(t, "not json\n", out.String())
}
