package go_timer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-timer/internal/action"
	"go-timer/internal/api"
	"go-timer/internal/client"
	jobhttp "go-timer/internal/http"
	"go-timer/internal/model"
	"go-timer/internal/scheduler"
)

const timeout = time.Second * 15

var clearDatabaseQueries = []string{"DELETE FROM job_runs", "DELETE FROM jobs"}

type testApp struct {
	storage  model.JobStorage
	client   *client.JobClient
	database *sql.DB
}

// newStorage uses Postgres when TEST_DB_HOST is set and the in-memory
// store otherwise.
func newStorage(ctx context.Context, t *testing.T) (model.JobStorage, *sql.DB) {
	if os.Getenv("TEST_DB_HOST") == "" {
		return model.NewMemoryJobStorage(), nil
	}
	dataSourceName := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("TEST_DB_HOST"),
		os.Getenv("TEST_DB_PORT"),
		"go-timer",
		os.Getenv("TEST_DB_PASSWORD"),
		"go-timer",
	)
	database, err := sql.Open("postgres", dataSourceName)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	storage, err := model.NewSQLJobStorage(ctx, "postgres", dataSourceName)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage, database
}

func (ta *testApp) setupApp(ctx context.Context, t *testing.T) {
	if ta.database == nil {
		storage := model.NewMemoryJobStorage()
		*ta = *newTestApp(t, storage, nil)
		return
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, query := range clearDatabaseQueries {
		_, err := ta.database.ExecContext(timeoutCtx, query)
		require.NoError(t, err, "error clearing database")
	}
}

func newTestApp(t *testing.T, storage model.JobStorage, database *sql.DB) *testApp {
	server, err := jobhttp.NewJobServer(storage, jobhttp.ServerConfig{MinInterval: time.Second})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return &testApp{storage, client.NewJobClient(ts.URL, ""), database}
}

type executionData struct {
	lock  sync.Mutex
	calls map[string]int
}

func (ed *executionData) signal(name string) {
	ed.lock.Lock()
	defer ed.lock.Unlock()
	ed.calls[name]++
}

func (ed *executionData) count(name string) int {
	ed.lock.Lock()
	defer ed.lock.Unlock()
	return ed.calls[name]
}

func newPingServer(t *testing.T, ed *executionData) *httptest.Server {
	pingRouter := mux.NewRouter()
	pingRouter.StrictSlash(true)
	pingRouter.HandleFunc("/tests/ping/", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ed.signal(body.Name)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "ACTIVE"}`))
	}).Methods("POST")
	ts := httptest.NewServer(pingRouter)
	t.Cleanup(ts.Close)
	return ts
}

func pingJob(pingURL, name string, interval time.Duration) api.CreateJobRequest {
	return api.CreateJobRequest{
		Name:         name,
		Interval:     api.Seconds(interval),
		CallbackURL:  pingURL + "/tests/ping/",
		CallbackBody: json.RawMessage(fmt.Sprintf(`{"name": %q}`, name)),
	}
}

func startScheduler(ctx context.Context, storage model.JobStorage) {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	skd := scheduler.New(storage, action.NewHTTPInvoker(action.HTTPInvokerConfig{Timeout: 5 * time.Second}),
		scheduler.Config{PollInterval: time.Second, LeaseTTL: 30 * time.Second},
		log.NewEntry(logger))
	go skd.Start(ctx)
}

func TestTimer(t *testing.T) {
	background := context.Background()
	storage, database := newStorage(background, t)
	app := newTestApp(t, storage, database)

	t.Run("Test REST API", func(t *testing.T) {
		t.Run("Test creating and getting job", func(t *testing.T) {
			app.setupApp(background, t)

			created, _, err := app.client.CreateJob(background, pingJob("http://localhost", "rest", time.Hour))
			require.NoError(t, err)
			job, _, err := app.client.GetJob(background, created.JobId, false)
			require.NoError(t, err)
			assert.Equal(t, "rest", job.Name)
			assert.Equal(t, 3600.0, job.Interval)
			assert.Equal(t, "new", job.Status)
			assert.Equal(t, api.LastResultNotRun, job.LastResult)
		})

		t.Run("Test deleting job", func(t *testing.T) {
			app.setupApp(background, t)

			created, _, err := app.client.CreateJob(background, pingJob("http://localhost", "doomed", time.Hour))
			require.NoError(t, err)
			deleted, _, err := app.client.DeleteJob(background, created.JobId)
			require.NoError(t, err)
			assert.Equal(t, "deleted", deleted.Status)

			_, _, err = app.client.GetJob(background, created.JobId, false)
			expectErrorStatusCode(t, err, http.StatusNotFound)
		})

		t.Run("Test creating invalid job", func(t *testing.T) {
			app.setupApp(background, t)

			req := pingJob("ftp://localhost", "invalid", time.Hour)
			_, _, err := app.client.CreateJob(background, req)
			expectErrorStatusCode(t, err, http.StatusUnprocessableEntity)
		})

		t.Run("Test getting nonexistent job", func(t *testing.T) {
			app.setupApp(background, t)

			_, _, err := app.client.GetJob(background, string(model.NewJobId()), true)
			expectErrorStatusCode(t, err, http.StatusNotFound)
		})
	})

	t.Run("Test job execution", func(t *testing.T) {
		t.Run("Test execution of jobs", func(t *testing.T) {
			app.setupApp(background, t)
			ed := &executionData{calls: make(map[string]int)}
			ping := newPingServer(t, ed)

			every, _, err := app.client.CreateJob(background, pingJob(ping.URL, "every-second", time.Second))
			require.NoError(t, err)
			limited := pingJob(ping.URL, "twice", time.Second)
			limited.StopAfter = &api.StopAfterRequest{NRuns: 2}
			_, _, err = app.client.CreateJob(background, limited)
			require.NoError(t, err)

			cancelCtx, cancel := context.WithCancel(background)
			defer cancel()
			startScheduler(cancelCtx, app.storage)

			assert.Eventually(t, func() bool { return ed.count("every-second") >= 3 }, timeout, 100*time.Millisecond)
			assert.Eventually(t, func() bool { return ed.count("twice") == 2 }, timeout, 100*time.Millisecond)

			job, _, err := app.client.GetJob(background, every.JobId, false)
			require.NoError(t, err)
			assert.Equal(t, "loaded", job.Status)
			assert.Equal(t, api.LastResultComplete, job.LastResult)
			assert.GreaterOrEqual(t, job.NRuns, 3)
			require.NotEmpty(t, job.Results)
			assert.JSONEq(t, `{"status": "ACTIVE"}`, string(job.Results[len(job.Results)-1].Detail))

			time.Sleep(2 * time.Second)
			assert.Equal(t, 2, ed.count("twice"))
		})

		t.Run("Test execution of jobs while modifying jobs", func(t *testing.T) {
			app.setupApp(background, t)
			ed := &executionData{calls: make(map[string]int)}
			ping := newPingServer(t, ed)

			cancelCtx, cancel := context.WithCancel(background)
			defer cancel()
			startScheduler(cancelCtx, app.storage)

			steady, _, err := app.client.CreateJob(background, pingJob(ping.URL, "steady", time.Second))
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				created, _, err := app.client.CreateJob(background, pingJob(ping.URL, "churn", time.Second))
				require.NoError(t, err)
				time.Sleep(1500 * time.Millisecond)
				_, _, err = app.client.DeleteJob(background, created.JobId)
				require.NoError(t, err)
			}

			churned := ed.count("churn")
			time.Sleep(2500 * time.Millisecond)
			assert.LessOrEqual(t, ed.count("churn"), churned+1, "deleted jobs kept firing")
			assert.GreaterOrEqual(t, ed.count("steady"), 4)

			job, _, err := app.client.GetJob(background, steady.JobId, false)
			require.NoError(t, err)
			assert.Equal(t, api.LastResultComplete, job.LastResult)
		})
	})
}

func expectErrorStatusCode(t *testing.T, err error, statusCode int) {
	t.Helper()
	var respErr *client.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, statusCode, respErr.StatusCode, string(respErr.Body))
}
