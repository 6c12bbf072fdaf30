package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/pixelift/backend/internal/batch"
	"github.com/pixelift/backend/internal/config"
	"github.com/pixelift/backend/internal/execution"
	"github.com/pixelift/backend/internal/jobs"
	"github.com/pixelift/backend/internal/ledger"
	"github.com/pixelift/backend/internal/middleware"
	"github.com/pixelift/backend/internal/provider"
	"github.com/pixelift/backend/internal/reaper"
	"github.com/pixelift/backend/internal/router"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations (queue tables only; application schema lives in migrations/)
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, ledger.Options{
		DefaultBalance: cfg.DefaultBalance,
		MaxBalance:     cfg.MaxBalance,
		RegenInterval:  cfg.RegenInterval,
		Logger:         logger,
	})

	// Job lifecycle
	enhancer := provider.NewClient(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	jobsRepo := jobs.NewRepository(pool)
	jobsSvc := jobs.NewService(jobsRepo, ledgerSvc, enhancer, jobs.ServiceOptions{
		ProviderTimeout: cfg.ProviderTimeout,
		MaxRetries:      cfg.MaxRetries,
		Logger:          logger,
	})

	// Reaper
	reaperSvc := reaper.NewService(jobsRepo, ledgerSvc, reaper.Options{
		Threshold: cfg.ReaperThreshold,
		BatchSize: cfg.ReaperBatchSize,
		Logger:    logger,
	})

	// Execution substrate: enhancement worker plus the periodic stale sweep.
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewEnhanceWorker(jobsSvc))
	river.AddWorker(workers, execution.NewReapWorker(reaperSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.ReaperInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return execution.ReapArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Batch orchestration hands off to River after the reservation commits.
	enqueue := func(ctx context.Context, jobIDs []uuid.UUID) error {
		params := make([]river.InsertManyParams, len(jobIDs))
		for i, id := range jobIDs {
			params[i] = river.InsertManyParams{Args: execution.EnhanceArgs{JobID: id}}
		}
		_, err := riverClient.InsertMany(ctx, params)
		return err
	}
	batchSvc := batch.NewService(jobsRepo, ledgerSvc, enqueue, cfg.TierCosts, logger)

	// HTTP surface
	ledgerHandler := ledger.NewHandler(ledgerSvc, logger)
	jobsHandler := jobs.NewHandler(jobsSvc, logger)
	batchHandler := batch.NewHandler(batchSvc, logger)
	reaperHandler := reaper.NewHandler(reaperSvc, logger)

	userAuth := middleware.UserAuth([]byte(cfg.JWTSecret))
	operatorAuth := middleware.OperatorKey(cfg.OperatorKey)

	apiRouter := router.New(ledgerHandler, jobsHandler, batchHandler, reaperHandler, userAuth, operatorAuth)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
