package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"

	"github.com/backtrue/mitenow-sub001/internal/activity"
	"github.com/backtrue/mitenow-sub001/internal/builder"
	"github.com/backtrue/mitenow-sub001/internal/config"
	"github.com/backtrue/mitenow-sub001/internal/core"
	"github.com/backtrue/mitenow-sub001/internal/db"
	"github.com/backtrue/mitenow-sub001/internal/logging"
	"github.com/backtrue/mitenow-sub001/internal/metrics"
	"github.com/backtrue/mitenow-sub001/internal/scanner"
	"github.com/backtrue/mitenow-sub001/internal/storage"
	"github.com/backtrue/mitenow-sub001/internal/subdomain"
	"github.com/backtrue/mitenow-sub001/internal/ticket"
	"github.com/backtrue/mitenow-sub001/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corePool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to core database")
	}
	defer corePool.Close()
	metrics.RegisterPgxPoolMetrics(corePool)

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	tlsConfig, err := cfg.TemporalTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
		logger.Info().Msg("temporal mTLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	sources := storage.NewSourceStore(logger,
		storage.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey), cfg.S3Bucket)

	// Reconciliation compensates through the same orchestrator the API uses.
	services := core.NewServices(corePool, tc, cfg, core.Backends{
		Registry: subdomain.NewRegistry(rdb, cfg.ReservationTTL, cfg.SubdomainCooldown),
		Tickets:  ticket.NewStore(rdb, cfg.TicketSigningKey, cfg.PublicBaseURL, cfg.UploadTicketTTL),
		Scanner:  scanner.New(),
		Sources:  sources,
	}, logger)

	w := worker.New(tc, cfg.TemporalTaskQueue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{&workflow.ErrorTypingInterceptor{}},
	})

	// Register activities
	buildActivities := activity.NewBuild(
		builder.NewClient(cfg.BuilderURL, cfg.BuilderToken),
		sources,
		services.Secret,
		cfg.BaseDomain,
		cfg.PublicBaseURL,
		cfg.MaxBuildDuration+10*time.Minute,
	)
	w.RegisterActivity(buildActivities)

	callbackActivities := activity.NewCallback(cfg.PublicBaseURL, cfg.CallbackToken)
	w.RegisterActivity(callbackActivities)

	maintenanceActivities := activity.NewMaintenance(services.Deployment, services.Session)
	w.RegisterActivity(maintenanceActivities)

	// Register workflows
	w.RegisterWorkflow(workflow.BuildApplicationWorkflow)
	w.RegisterWorkflow(workflow.ReconcileDeploymentsWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, corePool.Ping)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", cfg.TemporalTaskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	// Register schedules. Errors for already-existing schedules are
	// ignored so that re-deploys do not fail.
	registerSchedules(ctx, tc, cfg.TemporalTaskQueue, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

type schedule struct {
	id       string
	every    time.Duration
	workflow interface{}
	args     []interface{}
}

func registerSchedules(ctx context.Context, tc temporalclient.Client, taskQueue string, logger zerolog.Logger) {
	schedules := []schedule{
		{
			id:       "reconcile-deployments",
			every:    5 * time.Minute,
			workflow: workflow.ReconcileDeploymentsWorkflow,
		},
	}

	scheduleClient := tc.ScheduleClient()

	for _, s := range schedules {
		_, err := scheduleClient.Create(ctx, temporalclient.ScheduleOptions{
			ID: s.id,
			Spec: temporalclient.ScheduleSpec{
				Intervals: []temporalclient.ScheduleIntervalSpec{{Every: s.every}},
			},
			Action: &temporalclient.ScheduleWorkflowAction{
				ID:        s.id,
				Workflow:  s.workflow,
				Args:      s.args,
				TaskQueue: taskQueue,
			},
		})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "AlreadyExists") || strings.Contains(err.Error(), "already registered") {
				logger.Info().Str("id", s.id).Msg("schedule already exists, skipping")
			} else {
				logger.Fatal().Err(err).Str("id", s.id).Msg("failed to create schedule")
			}
		} else {
			logger.Info().Str("id", s.id).Dur("every", s.every).Msg("created schedule")
		}
	}
}
