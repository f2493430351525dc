package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"go-timer/internal/action"
	jobhttp "go-timer/internal/http"
	"go-timer/internal/model"
	"go-timer/internal/scheduler"
)

type Options struct {
	Listen  string `long:"listen" env:"TIMER_LISTEN" default:"localhost:8080" description:"Address the job API listens on"`
	Storage string `long:"storage" env:"TIMER_STORAGE" default:"postgres" choice:"postgres" choice:"memory" description:"Job storage backend"`

	DbHost string `short:"u" long:"db-url" env:"TIMER_DB_HOST" description:"Database host url"`
	DbPort uint   `short:"p" long:"db-port" env:"TIMER_DB_PORT" default:"5432" description:"Database port"`
	DbUser string `short:"l" long:"db-login" env:"TIMER_DB_USER" description:"Database user login"`
	DbName string `short:"n" long:"db-name" env:"TIMER_DB_NAME" description:"Database name"`

	PollInterval  time.Duration `long:"poll-interval" env:"TIMER_POLL_INTERVAL" default:"1s" description:"How often due jobs are claimed (at least 1s)"`
	LeaseTTL      time.Duration `long:"lease-ttl" env:"TIMER_LEASE_TTL" default:"5m" description:"How long a claimed job stays leased before another worker may fire it"`
	MaxConcurrent int           `long:"max-concurrent" env:"TIMER_MAX_CONCURRENT" default:"16" description:"Maximum number of firings in flight"`
	ClaimBatch    int           `long:"claim-batch" env:"TIMER_CLAIM_BATCH" description:"Maximum jobs claimed per tick (defaults to --max-concurrent)"`

	ActionTimeout time.Duration `long:"action-timeout" env:"TIMER_ACTION_TIMEOUT" default:"30s" description:"Timeout for one action request"`
	ActionRate    float64       `long:"action-rate" env:"TIMER_ACTION_RATE" default:"0" description:"Action requests per second across all jobs, 0 for unlimited"`
	ActionBurst   int           `long:"action-burst" env:"TIMER_ACTION_BURST" default:"1" description:"Burst size for --action-rate"`
	ActionToken   string        `long:"action-token" env:"TIMER_ACTION_TOKEN" description:"Bearer token sent to actions"`

	APIToken    string        `long:"api-token" env:"TIMER_API_TOKEN" description:"Bearer token required by the job API"`
	MinInterval time.Duration `long:"min-interval" env:"TIMER_MIN_INTERVAL" default:"1m" description:"Shortest interval a job may have"`

	LogLevel  string `long:"log-level" env:"TIMER_LOG_LEVEL" default:"info" description:"Log level"`
	LogFormat string `long:"log-format" env:"TIMER_LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Log format"`
}

const serverShutdownTimeout = 30 * time.Second

func configureLogging(opts Options) error {
	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if opts.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func newStorage(ctx context.Context, opts Options) (model.JobStorage, error) {
	if opts.Storage == "memory" {
		log.Warn("Using in-memory job storage, jobs are lost on restart")
		return model.NewMemoryJobStorage(), nil
	}
	if opts.DbHost == "" || opts.DbUser == "" || opts.DbName == "" {
		return nil, errors.New("--db-url, --db-login and --db-name are required for postgres storage")
	}
	datasourceName := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		opts.DbHost,
		opts.DbPort,
		opts.DbUser,
		os.Getenv("POSTGRES_PASSWORD"),
		opts.DbName,
	)
	return model.NewSQLJobStorage(ctx, "postgres", datasourceName)
}

func main() {
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(fmt.Errorf("could not parse command line args: %w", err))
	}
	if err := configureLogging(opts); err != nil {
		log.Fatal(fmt.Errorf("could not configure logging: %w", err))
	}

	background := context.Background()
	storage, err := newStorage(background, opts)
	if err != nil {
		log.Fatal(fmt.Errorf("could not create job storage: %w", err))
	}
	defer storage.Close()

	server, err := jobhttp.NewJobServer(storage, jobhttp.ServerConfig{
		Addr:        opts.Listen,
		APIToken:    opts.APIToken,
		MinInterval: opts.MinInterval,
	})
	if err != nil {
		log.Fatal(fmt.Errorf("could not create job server: %w", err))
	}

	invoker := action.NewHTTPInvoker(action.HTTPInvokerConfig{
		Timeout: opts.ActionTimeout,
		Rate:    opts.ActionRate,
		Burst:   opts.ActionBurst,
		Tokens:  action.StaticToken(opts.ActionToken),
	})
	skd := scheduler.New(storage, invoker, scheduler.Config{
		PollInterval:  opts.PollInterval,
		LeaseTTL:      opts.LeaseTTL,
		MaxConcurrent: opts.MaxConcurrent,
		ClaimBatch:    opts.ClaimBatch,
	}, log.WithField("component", "scheduler"))

	cancelCtx, cancel := context.WithCancel(background)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		skd.Start(cancelCtx)
	}()
	go func() {
		defer wg.Done()
		log.WithField("addr", opts.Listen).Info("Job API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(fmt.Errorf("listen and serve error: %w", err))
			sigs <- syscall.SIGTERM
		}
	}()
	sig := <-sigs
	log.WithField("signal", sig).Info("Shutting down")
	cancel()
	timeoutCtx, timeoutCancel := context.WithTimeout(background, serverShutdownTimeout)
	defer timeoutCancel()
	if err = server.Shutdown(timeoutCtx); err != nil {
		log.Error(fmt.Errorf("failed to shutdown server: %w", err))
	}
	wg.Wait()
}
