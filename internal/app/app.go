package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apikeys"
	"github.com/thc1006/flakeguard/internal/audit"
	"github.com/thc1006/flakeguard/internal/cluster"
	"github.com/thc1006/flakeguard/internal/config"
	"github.com/thc1006/flakeguard/internal/db"
	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/github"
	"github.com/thc1006/flakeguard/internal/ingest"
	"github.com/thc1006/flakeguard/internal/jobs"
	"github.com/thc1006/flakeguard/internal/metrics"
	"github.com/thc1006/flakeguard/internal/notify"
	"github.com/thc1006/flakeguard/internal/policy"
	"github.com/thc1006/flakeguard/internal/quarantine"
	"github.com/thc1006/flakeguard/internal/queue"
	"github.com/thc1006/flakeguard/internal/repos"
	"github.com/thc1006/flakeguard/internal/retention"
	"github.com/thc1006/flakeguard/internal/webhook"
)

// App holds the application state.
type App struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Router  http.Handler
	Metrics *metrics.Metrics

	// Maintenance receives the scheduled jobs main's cron enqueues.
	Maintenance *queue.Queue

	retention *retention.Sweeper
	workers   []*queue.Worker
	server    *http.Server
}

// New creates and initializes a new application instance.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	setupLogger(cfg)

	log.Info().Msg("Initializing FlakeGuard application")
	log.Info().Interface("config", cfg.RedactedValues()).Msg("Configuration loaded")

	pool, err := db.Connect(ctx, cfg.DBDSN, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if cfg.IsDev() {
		log.Info().Msg("Development mode: running migrations automatically")
		if err := db.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		log.Info().Msg("Production mode: migrations must be run via admin migrate")
	}

	rdb, err := queue.NewClient(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to configure redis: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Msg("Redis connection established")

	m := metrics.New()

	jobTimeout := time.Duration(cfg.JobTimeoutMS) * time.Millisecond
	ingestTimeout := time.Duration(cfg.IngestJobTimeoutMS) * time.Millisecond
	eventsQueue := queue.New(rdb, jobs.QueueEvents, jobTimeout)
	ingestQueue := queue.New(rdb, jobs.QueueIngest, ingestTimeout)
	maintenanceQueue := queue.New(rdb, jobs.QueueMaintenance, jobTimeout)

	// Domain services share the one pool.
	repoService := repos.NewService(pool)
	runStore := ingest.NewService(pool)
	clusterService := cluster.NewService(pool)
	flakeService := flake.NewService(pool)
	policyService := policy.NewService(pool, policy.Default(cfg))
	decisionService := quarantine.NewService(pool)
	planner := quarantine.NewPlanner(decisionService, policyService)
	keyService := apikeys.NewService(pool)
	notifier := notify.New(cfg.NotifyWebhookURL, cfg.NotifyTimeoutMS)
	auditor := audit.NewWriter(pool)

	var ghClient *github.Client
	if cfg.GitHubConfigured() {
		ghClient, err = github.NewClient(github.Options{
			BaseURL:            cfg.GitHubAPIBaseURL,
			AppID:              cfg.GitHubAppID,
			PrivateKeyB64:      cfg.GitHubPrivateKeyB64,
			RateLimitReserve:   cfg.RateLimitReserve,
			ThrottleThreshold:  cfg.RateThrottleThreshold,
			BreakerThreshold:   cfg.BreakerThreshold,
			BreakerOpenTimeout: time.Duration(cfg.BreakerOpenTimeoutMS) * time.Millisecond,
			Metrics:            m,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to configure github client: %w", err)
		}
		log.Info().Int64("app_id", cfg.GitHubAppID).Msg("GitHub App client configured")
	} else {
		log.Warn().Msg("GitHub App credentials absent; artifact ingestion limited to direct uploads")
	}

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Store:    runStore,
		GitHub:   ghClient,
		Clusters: clusterService,
		Flakes:   flakeService,
		Policies: policyService,
		Notifier: notifier,
		Metrics:  m,
		Options: ingest.Options{
			Parallelism:      cfg.ArtifactParallelism,
			DownloadRetries:  cfg.DownloadRetries,
			MinArtifactBytes: cfg.ArtifactMinBytes,
			MaxArtifactBytes: cfg.ArtifactMaxBytes,
		},
	})

	processors := jobs.NewProcessors(jobs.ProcessorConfig{
		Repos:       repoService,
		Runs:        runStore,
		Pipeline:    pipeline,
		Decisions:   decisionService,
		Audit:       auditor,
		GitHub:      ghClient,
		IngestQueue: ingestQueue,
	})

	eventsWorker := queue.NewWorker(eventsQueue, queue.WorkerOptions{
		Concurrency: cfg.QueueConcurrency,
		Metrics:     m,
	})
	ingestWorker := queue.NewWorker(ingestQueue, queue.WorkerOptions{
		Concurrency: cfg.IngestConcurrency,
		Metrics:     m,
	})
	maintenanceWorker := queue.NewWorker(maintenanceQueue, queue.WorkerOptions{
		Concurrency: 1,
		Metrics:     m,
	})
	processors.Register(eventsWorker, ingestWorker, maintenanceWorker)

	router := NewRouter(RouterConfig{
		Config:    cfg,
		Pool:      pool,
		Redis:     rdb,
		Metrics:   m,
		Webhook:   webhook.NewHandler(cfg.GitHubWebhookSecret, eventsQueue, m),
		Repos:     repoService,
		Flakes:    flakeService,
		Clusters:  clusterService,
		Policies:  policyService,
		Decisions: decisionService,
		Planner:   planner,
		Keys:      keyService,
		Audit:     auditor,
		AuditLog:  audit.NewReader(pool),
		Pipeline:  pipeline,
		Queues:    []*queue.Queue{eventsQueue, ingestQueue, maintenanceQueue},
	})

	app := &App{
		Config:      cfg,
		DB:          pool,
		Redis:       rdb,
		Router:      router,
		Metrics:     m,
		Maintenance: maintenanceQueue,
		retention:   retention.NewSweeper(pool, decisionService, cfg.RetentionDays),
		workers:     []*queue.Worker{eventsWorker, ingestWorker, maintenanceWorker},
	}

	log.Info().Msg("Application initialized successfully")
	return app, nil
}

// Start launches the queue workers and the HTTP server. It blocks until
// the server stops.
func (a *App) Start(ctx context.Context) error {
	for _, w := range a.workers {
		w.Start(ctx)
	}

	a.server = &http.Server{
		Addr:         a.Config.HTTPAddr,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", a.Config.HTTPAddr).Msg("Starting HTTP server")
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, drains the workers and closes connections.
func (a *App) Shutdown(ctx context.Context) {
	log.Info().Msg("Shutting down application")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown did not finish cleanly")
		}
	}

	for _, w := range a.workers {
		if err := w.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Queue worker shutdown did not finish cleanly")
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.DB != nil {
		log.Info().Msg("Closing database connection")
		a.DB.Close()
	}
}

// RunRetention executes one retention sweep. Main's cron calls this.
func (a *App) RunRetention(ctx context.Context) error {
	return a.retention.Run(ctx)
}

// EnqueuePollRuns queues one poll cycle. The job ID buckets by minute so
// replicas firing the same cron tick collapse onto one job.
func (a *App) EnqueuePollRuns(ctx context.Context) error {
	_, err := a.Maintenance.Enqueue(ctx, jobs.TypePollRuns, struct{}{}, queue.EnqueueOptions{
		JobID:    "poll-runs:" + time.Now().UTC().Format("2006-01-02T15:04"),
		Attempts: 1,
	})
	return err
}

// setupLogger configures the global logger: console output in dev, JSON
// in prod.
func setupLogger(cfg *config.Config) {
	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Debug().Str("level", cfg.LogLevel).Msg("Logger configured")
}
