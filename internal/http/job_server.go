package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"go-timer/internal/api"
	"go-timer/internal/http/constants"
	herrors "go-timer/internal/http/errors"
	"go-timer/internal/http/validation"
	"go-timer/internal/model"
	"go-timer/internal/recurrence"
	"go-timer/internal/timeparse"
)

type ServerConfig struct {
	Addr        string
	APIToken    string
	MinInterval time.Duration
	Clock       func() time.Time
}

type jobServer struct {
	storage  model.JobStorage
	validate *validator.Validate
	clock    func() time.Time
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error forming response data", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", constants.JSONMediaType)
	w.WriteHeader(statusCode)
	w.Write(js)
}

var (
	createJobErrorHandler = herrors.NewErrorHandler("CreateJob")
	listJobsErrorHandler  = herrors.NewErrorHandler("ListJobs")
	getJobErrorHandler    = herrors.NewErrorHandler("GetJob")
	updateJobErrorHandler = herrors.NewErrorHandler("UpdateJob")
	deleteJobErrorHandler = herrors.NewErrorHandler("DeleteJob")
	healthErrorHandler    = herrors.NewErrorHandler("Health")
	authErrorHandler      = herrors.NewErrorHandler("Auth")
)

func statusFor(err error) int {
	var validationErr *model.ValidationError
	switch {
	case errors.Is(err, model.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrJobDeleted):
		return http.StatusConflict
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// decodeBody checks the media type and decodes a JSON body into v,
// rejecting unknown fields. It writes the error response itself.
func decodeBody(w http.ResponseWriter, req *http.Request, eh *herrors.ErrorHandler, v interface{}) bool {
	contentType := req.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse media type",
			err, http.StatusBadRequest,
			log.Fields{"header": contentType},
		)
		return false
	}
	if mediaType != constants.JSONMediaType {
		eh.WriteAndLogError(
			w,
			"expect application/json Content-Type",
			errors.New("Content-Type error"),
			http.StatusUnsupportedMediaType,
			log.Fields{"media type": mediaType},
		)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, constants.MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err = dec.Decode(v); err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse request body",
			err,
			http.StatusBadRequest,
			log.Fields{},
		)
		return false
	}
	return true
}

func (js *jobServer) validateRequest(ctx context.Context, w http.ResponseWriter, eh *herrors.ErrorHandler, v interface{}) bool {
	err := js.validate.StructCtx(ctx, v)
	if err == nil {
		return true
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		eh.WriteAndLogValidationErrors(w, validationErrs, log.Fields{"request": v})
	} else {
		eh.WriteAndLogError(w, "failed to validate request", err, http.StatusBadRequest, log.Fields{})
	}
	return false
}

func parseStopAfter(req *api.StopAfterRequest) (model.StopAfter, error) {
	stopAfter := model.StopAfter{}
	if req == nil {
		return stopAfter, nil
	}
	stopAfter.Runs = req.NRuns
	if req.Date != "" {
		date, err := timeparse.ParseTimestamp(req.Date, time.UTC)
		if err != nil {
			return stopAfter, &model.ValidationError{Field: "stop_after.date", Reason: err.Error()}
		}
		stopAfter.Date = &date
	}
	return stopAfter, nil
}

func nextFireTime(job model.Job, now time.Time) *time.Time {
	next, ok := recurrence.Next(job.Schedule(), job.RunCount, now)
	if !ok {
		return nil
	}
	return &next
}

func (js *jobServer) createJobHandler(w http.ResponseWriter, req *http.Request) {
	rj := api.CreateJobRequest{}
	if !decodeBody(w, req, createJobErrorHandler, &rj) {
		return
	}
	if !js.validateRequest(req.Context(), w, createJobErrorHandler, rj) {
		return
	}

	now := js.clock().UTC()
	start := now
	if rj.Start != "" {
		var err error
		if start, err = timeparse.ParseTimestamp(rj.Start, time.UTC); err != nil {
			createJobErrorHandler.WriteAndLogError(w, "invalid start", err, http.StatusUnprocessableEntity, log.Fields{})
			return
		}
	}
	stopAfter, err := parseStopAfter(rj.StopAfter)
	if err != nil {
		createJobErrorHandler.WriteAndLogError(w, "invalid stop_after", err, http.StatusUnprocessableEntity, log.Fields{})
		return
	}

	job := model.Job{
		Id:        model.NewJobId(),
		Name:      rj.Name,
		Label:     rj.Label,
		Start:     start,
		Interval:  api.Duration(rj.Interval),
		Action:    model.Action{URL: rj.CallbackURL, Body: rj.CallbackBody, Scope: rj.Scope},
		Status:    model.StatusNew,
		StopAfter: stopAfter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.NextFireTime = nextFireTime(job, now)

	timeoutCtx, cancel := context.WithTimeout(req.Context(), constants.StorageOperationTimeout)
	defer cancel()
	job, err = js.storage.CreateJob(timeoutCtx, job)
	if err != nil {
		createJobErrorHandler.WriteAndLogError(
			w,
			"failed to save new job",
			err,
			http.StatusInternalServerError,
			log.Fields{"request job": rj},
		)
		return
	}
	log.WithFields(log.Fields{"job_id": job.Id, "name": job.Name, "next_run": job.NextFireTime}).Info("Job created")
	writeJSON(w, http.StatusCreated, api.FromJob(job))
}

func showDeleted(req *http.Request) (bool, error) {
	raw := req.URL.Query().Get("show_deleted")
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func (js *jobServer) listJobsHandler(w http.ResponseWriter, req *http.Request) {
	opts := model.ListOptions{PageToken: req.URL.Query().Get("page_token")}
	var err error
	if opts.ShowDeleted, err = showDeleted(req); err != nil {
		listJobsErrorHandler.WriteAndLogError(w, "invalid show_deleted", err, http.StatusBadRequest, log.Fields{})
		return
	}
	if raw := req.URL.Query().Get("page_size"); raw != "" {
		if opts.PageSize, err = strconv.Atoi(raw); err != nil || opts.PageSize < 0 {
			listJobsErrorHandler.WriteAndLogErrorMsg(w, "page_size must be a non-negative integer", http.StatusBadRequest, log.Fields{})
			return
		}
	}

	timeoutCtx, cancel := context.WithTimeout(req.Context(), constants.StorageOperationTimeout)
	defer cancel()
	page, err := js.storage.ListJobs(timeoutCtx, opts)
	if err != nil {
		listJobsErrorHandler.WriteAndLogError(w, "failed to list jobs", err, statusFor(err), log.Fields{})
		return
	}
	list := api.JobList{Jobs: make([]api.Job, 0, len(page.Jobs)), NextPageToken: page.NextPageToken}
	for _, job := range page.Jobs {
		list.Jobs = append(list.Jobs, api.FromJob(job))
	}
	writeJSON(w, http.StatusOK, list)
}

func (js *jobServer) getJobHandler(w http.ResponseWriter, req *http.Request) {
	id := model.JobId(mux.Vars(req)["id"])
	withDeleted, err := showDeleted(req)
	if err != nil {
		getJobErrorHandler.WriteAndLogError(w, "invalid show_deleted", err, http.StatusBadRequest, log.Fields{})
		return
	}
	timeoutCtx, cancel := context.WithTimeout(req.Context(), constants.StorageOperationTimeout)
	defer cancel()
	job, err := js.storage.GetJob(timeoutCtx, id, withDeleted)
	if err != nil {
		getJobErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to get job by id %s", id),
			err,
			statusFor(err),
			log.Fields{},
		)
		return
	}
	writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (js *jobServer) updateJobHandler(w http.ResponseWriter, req *http.Request) {
	id := model.JobId(mux.Vars(req)["id"])
	rj := api.UpdateJobRequest{}
	if !decodeBody(w, req, updateJobErrorHandler, &rj) {
		return
	}
	if !js.validateRequest(req.Context(), w, updateJobErrorHandler, rj) {
		return
	}
	if rj.Name != nil && *rj.Name == "" {
		updateJobErrorHandler.WriteAndLogErrorMsg(w, "name must not be empty", http.StatusUnprocessableEntity, log.Fields{})
		return
	}

	now := js.clock().UTC()
	mutate := func(job *model.Job) error {
		rescheduled := false
		if rj.Name != nil {
			job.Name = *rj.Name
		}
		if rj.Label != nil {
			job.Label = *rj.Label
		}
		if rj.Scope != nil {
			job.Action.Scope = *rj.Scope
		}
		if rj.CallbackURL != nil {
			job.Action.URL = *rj.CallbackURL
		}
		if rj.CallbackBody != nil {
			job.Action.Body = rj.CallbackBody
		}
		if rj.Start != nil {
			start, err := timeparse.ParseTimestamp(*rj.Start, time.UTC)
			if err != nil {
				return &model.ValidationError{Field: "start", Reason: err.Error()}
			}
			job.Start = start
			rescheduled = true
		}
		if rj.Interval != nil {
			job.Interval = api.Duration(*rj.Interval)
			rescheduled = true
		}
		if rj.StopAfter != nil {
			stopAfter, err := parseStopAfter(rj.StopAfter)
			if err != nil {
				return err
			}
			job.StopAfter = stopAfter
			rescheduled = true
		}
		if rescheduled {
			job.NextFireTime = nextFireTime(*job, now)
		}
		job.Status = model.StatusUpdated
		job.UpdatedAt = now
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(req.Context(), constants.StorageOperationTimeout)
	defer cancel()
	job, err := js.storage.UpdateJob(timeoutCtx, id, mutate)
	if err != nil {
		updateJobErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to update job with id %s", id),
			err,
			statusFor(err),
			log.Fields{},
		)
		return
	}
	log.WithFields(log.Fields{"job_id": job.Id, "next_run": job.NextFireTime}).Info("Job updated")
	writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (js *jobServer) deleteJobHandler(w http.ResponseWriter, req *http.Request) {
	id := model.JobId(mux.Vars(req)["id"])
	timeoutCtx, cancel := context.WithTimeout(req.Context(), constants.StorageOperationTimeout)
	defer cancel()
	job, err := js.storage.DeleteJob(timeoutCtx, id, js.clock())
	if err != nil {
		deleteJobErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to delete job with id %s", id),
			err,
			statusFor(err),
			log.Fields{},
		)
		return
	}
	log.WithFields(log.Fields{"job_id": job.Id}).Info("Job deleted")
	writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (js *jobServer) healthHandler(w http.ResponseWriter, req *http.Request) {
	timeoutCtx, cancel := context.WithTimeout(req.Context(), constants.StorageOperationTimeout)
	defer cancel()
	if err := js.storage.Ping(timeoutCtx); err != nil {
		healthErrorHandler.WriteAndLogError(w, "storage unavailable", err, http.StatusServiceUnavailable, log.Fields{})
		return
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{w, http.StatusOK}
		next.ServeHTTP(recorder, r)
		log.WithFields(log.Fields{
			"status":   recorder.status,
			"duration": time.Since(start),
		}).Infof("%s %s", r.Method, r.RequestURI)
	})
}

func authMiddleware(token string) mux.MiddlewareFunc {
	expected := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				authErrorHandler.WriteAndLogErrorMsg(w, "missing or invalid bearer token", http.StatusUnauthorized, log.Fields{})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func NewJobServer(storage model.JobStorage, config ServerConfig) (*http.Server, error) {
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	server := jobServer{storage, validator.New(), clock}
	if err := validation.RegisterJobValidation(server.validate, config.MinInterval); err != nil {
		return nil, fmt.Errorf("error registering job validation: %w", err)
	}

	router := mux.NewRouter()
	router.StrictSlash(true)
	router.HandleFunc("/healthz", server.healthHandler).Methods("GET")

	jobs := router.PathPrefix("/api/v1/jobs").Subrouter()
	jobs.StrictSlash(true)
	jobs.HandleFunc("/", server.createJobHandler).Methods("POST")
	jobs.HandleFunc("/", server.listJobsHandler).Methods("GET")
	jobs.HandleFunc("/{id}/", server.getJobHandler).Methods("GET")
	jobs.HandleFunc("/{id}/", server.updateJobHandler).Methods("PATCH")
	jobs.HandleFunc("/{id}/", server.deleteJobHandler).Methods("DELETE")
	if config.APIToken != "" {
		jobs.Use(authMiddleware(config.APIToken))
	}
	router.Use(loggingMiddleware)
	return &http.Server{Addr: config.Addr, Handler: router}, nil
}
