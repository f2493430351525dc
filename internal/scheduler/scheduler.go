package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"go-timer/internal/action"
	"go-timer/internal/model"
	"go-timer/internal/recurrence"
)

const recordTimeout = 10 * time.Second

type Config struct {
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxConcurrent int
	ClaimBatch    int
	Clock         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = c.MaxConcurrent
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type Stats struct {
	Ticks    int64
	Firings  int64
	Failures int64
	InFlight int64
	Pending  int64
}

type pendingRecord struct {
	lease  model.Lease
	result model.RunResult
	next   *time.Time
}

type Scheduler struct {
	storage model.JobStorage
	invoker action.Invoker
	config  Config
	logger  *log.Entry

	slots  chan struct{}
	stopWg *sync.WaitGroup

	pendingLock *sync.Mutex
	pending     map[string]pendingRecord

	ticks, firings, failures, inFlight atomic.Int64
}

func New(storage model.JobStorage, invoker action.Invoker, config Config, logger *log.Entry) *Scheduler {
	config = config.withDefaults()
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Scheduler{
		storage:     storage,
		invoker:     invoker,
		config:      config,
		logger:      logger,
		slots:       make(chan struct{}, config.MaxConcurrent),
		stopWg:      &sync.WaitGroup{},
		pendingLock: &sync.Mutex{},
		pending:     make(map[string]pendingRecord),
	}
}

// Start runs Tick every PollInterval until ctx is done, then waits for the
// firings still in flight.
func (skd *Scheduler) Start(ctx context.Context) {
	c := cron.New(
		cron.WithLogger(cronLogger{skd.logger}),
		cron.WithChain(cron.Recover(cronLogger{skd.logger}), cron.SkipIfStillRunning(cronLogger{skd.logger})),
	)
	c.Schedule(cron.Every(skd.config.PollInterval), cron.FuncJob(func() { skd.Tick(ctx) }))
	c.Start()
	skd.logger.WithFields(log.Fields{
		"poll_interval":  skd.config.PollInterval,
		"max_concurrent": skd.config.MaxConcurrent,
	}).Info("Scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	skd.stopWg.Wait()

	stats := skd.Stats()
	skd.logger.WithFields(log.Fields{
		"ticks":    stats.Ticks,
		"firings":  stats.Firings,
		"failures": stats.Failures,
		"pending":  stats.Pending,
	}).Info("Scheduler stopped")
}

// Tick does one pass of the dispatch loop. Firings it starts keep running
// after it returns; Wait blocks until they are recorded.
func (skd *Scheduler) Tick(ctx context.Context) {
	skd.ticks.Add(1)
	skd.retryPending(ctx)

	if _, err := skd.storage.LoadJobs(ctx); err != nil {
		skd.logger.WithFields(log.Fields{"error": err}).Error("Error loading new jobs")
	}

	free := cap(skd.slots) - len(skd.slots)
	if free > skd.config.ClaimBatch {
		free = skd.config.ClaimBatch
	}
	if free <= 0 {
		return
	}

	leases, err := skd.storage.ClaimDueJobs(ctx, skd.config.Clock(), skd.config.LeaseTTL, free)
	if err != nil {
		skd.logger.WithFields(log.Fields{"error": err}).Error("Error claiming due jobs")
		return
	}

	for _, lease := range leases {
		skd.slots <- struct{}{}
		skd.inFlight.Add(1)
		skd.stopWg.Add(1)
		go func(lease model.Lease) {
			defer func() {
				skd.inFlight.Add(-1)
				<-skd.slots
				skd.stopWg.Done()
			}()
			skd.fire(ctx, lease)
		}(lease)
	}
}

func (skd *Scheduler) Wait() {
	skd.stopWg.Wait()
}

func (skd *Scheduler) Stats() Stats {
	skd.pendingLock.Lock()
	pending := len(skd.pending)
	skd.pendingLock.Unlock()
	return Stats{
		Ticks:    skd.ticks.Load(),
		Firings:  skd.firings.Load(),
		Failures: skd.failures.Load(),
		InFlight: skd.inFlight.Load(),
		Pending:  int64(pending),
	}
}

func (skd *Scheduler) fire(ctx context.Context, lease model.Lease) {
	job := lease.Job
	logger := skd.logger.WithFields(log.Fields{"job_id": job.Id, "name": job.Name})
	if job.NextFireTime == nil {
		logger.Warn("Claimed job has no next fire time")
		return
	}
	scheduled := *job.NextFireTime

	logger.WithField("scheduled_time", scheduled).Debug("Firing job")
	outcome := skd.invoker.Invoke(ctx, job.Action)
	actual := skd.config.Clock()
	if !outcome.Success && ctx.Err() != nil {
		// the lease is left to expire so the slot fires again
		logger.WithField("scheduled_time", scheduled).Info("Firing interrupted by shutdown, not recorded")
		return
	}

	skd.firings.Add(1)
	result := model.RunResult{
		FiringId:      lease.Token,
		ScheduledTime: scheduled,
		ActualTime:    actual,
		Outcome:       model.OutcomeSuccess,
		StatusCode:    outcome.StatusCode,
		Detail:        outcome.Detail,
	}
	if !outcome.Success {
		skd.failures.Add(1)
		result.Outcome = model.OutcomeFailure
		logger.WithFields(log.Fields{"status": outcome.StatusCode}).Info("Job action failed")
	}

	var next *time.Time
	if t, missed, ok := recurrence.Advance(job.Schedule(), job.RunCount+1, scheduled, actual); ok {
		next = &t
		result.MissedSlots = missed
		if missed > 0 {
			logger.WithFields(log.Fields{"missed": missed}).Warn("Job fell behind, skipping missed slots")
		}
	} else {
		logger.Info("Job has no further firings")
	}

	skd.record(ctx, pendingRecord{lease, result, next})
}

func (skd *Scheduler) record(ctx context.Context, rec pendingRecord) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	logger := skd.logger.WithFields(log.Fields{"job_id": rec.lease.Job.Id})
	err := skd.storage.RecordRun(recordCtx, rec.lease, rec.result, rec.next)
	switch {
	case err == nil:
		skd.dropPending(rec)
	case errors.Is(err, model.ErrConcurrentModification):
		logger.Info("Job was deleted while firing, discarding next fire time")
		skd.dropPending(rec)
	case errors.Is(err, model.ErrLeaseLost):
		logger.Warn("Job lease expired while firing, result kept")
		skd.dropPending(rec)
	case errors.Is(err, model.ErrorNotFound):
		logger.Warn("Fired job no longer exists")
		skd.dropPending(rec)
	default:
		logger.WithFields(log.Fields{"error": err}).Error("Error recording job run, will retry")
		skd.pendingLock.Lock()
		skd.pending[rec.lease.Token] = rec
		skd.pendingLock.Unlock()
	}
}

func (skd *Scheduler) dropPending(rec pendingRecord) {
	skd.pendingLock.Lock()
	delete(skd.pending, rec.lease.Token)
	skd.pendingLock.Unlock()
}

func (skd *Scheduler) retryPending(ctx context.Context) {
	skd.pendingLock.Lock()
	retries := make([]pendingRecord, 0, len(skd.pending))
	for _, rec := range skd.pending {
		retries = append(retries, rec)
	}
	skd.pendingLock.Unlock()

	for _, rec := range retries {
		skd.record(ctx, rec)
	}
}
