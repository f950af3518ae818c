package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/backtrue/mitenow-sub001/internal/api"
	"github.com/backtrue/mitenow-sub001/internal/config"
	"github.com/backtrue/mitenow-sub001/internal/core"
	"github.com/backtrue/mitenow-sub001/internal/db"
	"github.com/backtrue/mitenow-sub001/internal/logging"
	"github.com/backtrue/mitenow-sub001/internal/metrics"
	"github.com/backtrue/mitenow-sub001/internal/ratelimit"
	"github.com/backtrue/mitenow-sub001/internal/scanner"
	"github.com/backtrue/mitenow-sub001/internal/storage"
	"github.com/backtrue/mitenow-sub001/internal/subdomain"
	"github.com/backtrue/mitenow-sub001/internal/ticket"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/core", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("deploy-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.CoreDatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	limits, err := cfg.RateLimits()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load rate limits")
	}

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

	s3Client := storage.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)

	services := core.NewServices(corePool, tc, cfg, core.Backends{
		Registry: subdomain.NewRegistry(rdb, cfg.ReservationTTL, cfg.SubdomainCooldown),
		Tickets:  ticket.NewStore(rdb, cfg.TicketSigningKey, cfg.PublicBaseURL, cfg.UploadTicketTTL),
		Scanner:  scanner.New(),
		Sources:  storage.NewSourceStore(logger, s3Client, cfg.S3Bucket),
	}, logger)

	srv := api.NewServer(logger, services, ratelimit.New(rdb, limits), cfg, map[string]api.ReadinessCheck{
		"core_db": corePool.Ping,
		"redis":   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"temporal": func(ctx context.Context) error {
			_, err := tc.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
			return err
		},
	})

	// Upload bodies can be large; the read timeout covers the whole body.
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, nil)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting deploy API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
