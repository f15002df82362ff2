// Command rerun-batch reprocesses one batch several times in a row and logs
// how many rows each run produced. Useful when tuning a tenant's prompt.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/convert"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/executor"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/llm/openai"
	"github.com/jbndrf/Tabtin-sub001/internal/observability"
	repo "github.com/jbndrf/Tabtin-sub001/internal/repository"
	"github.com/jbndrf/Tabtin-sub001/internal/storage"
)

func main() {
	_ = godotenv.Load()
	cfg := common.LoadConfig()
	logger := observability.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if len(os.Args) < 3 {
		logger.Error("usage: rerun-batch <tenant_id> <batch_id> [times]")
		os.Exit(2)
	}
	tenantID, batchID := os.Args[1], os.Args[2]
	times := 3
	if len(os.Args) >= 4 {
		if n, err := strconv.Atoi(os.Args[3]); err == nil && n > 0 {
			times = n
		}
	}
	if cfg.Database.Driver == "memory" {
		logger.Error("rerun-batch needs a persistent store; set DB_DRIVER and DB_URL")
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := repo.Open(ctx, repo.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		DialTimeout:     3 * time.Second,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)
	store := repo.NewStore(db, logger)

	batch, err := store.Batches.Get(ctx, batchID)
	if err != nil {
		logger.Error("failed to load batch", "batch_id", batchID, "error", err)
		os.Exit(1)
	}
	if batch.TenantID != tenantID {
		logger.Error("batch belongs to another tenant", "batch_id", batchID, "owner", batch.TenantID)
		os.Exit(2)
	}

	blobs, err := storage.NewFS(cfg.Storage.Dir)
	if err != nil {
		logger.Error("failed to open blob storage", "dir", cfg.Storage.Dir, "error", err)
		os.Exit(1)
	}
	deps := executor.Deps{
		Queue: jobqueue.New(store.Jobs, logger, jobqueue.WithDefaultMaxAttempts(1)),
		Store: store,
		Blobs: blobs,
		Converter: convert.NewPDFConverter(convert.Config{
			Pdftoppm:  cfg.Converter.Pdftoppm,
			Pdftotext: cfg.Converter.Pdftotext,
			DPI:       cfg.Converter.DPI,
			MaxPages:  cfg.Converter.MaxPages,
		}, logger),
		Client: openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, logger),
		Logger: logger,
	}
	execCfg := executor.Config{
		Workers:                  1,
		PollInterval:             200 * time.Millisecond,
		IdleTimeout:              time.Second,
		DefaultMaxConcurrency:    1,
		DefaultRequestsPerMinute: cfg.Pool.RequestsPerMinute,
		DefaultTimeout:           cfg.LLM.Timeout,
	}

	var produced []int
	for i := 1; i <= times; i++ {
		start := time.Now()
		payload := entity.ReprocessBatchPayload{BatchIDs: []string{batchID}, TenantID: tenantID}
		if _, err := deps.Queue.Enqueue(ctx, constants.JobTypeReprocessBatch, payload, constants.PriorityProcess, 1); err != nil {
			logger.Error("enqueue failed", "run", i, "error", err)
			os.Exit(1)
		}
		if err := executor.New(tenantID, execCfg, deps).Run(ctx); err != nil {
			logger.Error("executor failed", "run", i, "error", err)
			os.Exit(1)
		}

		b, err := store.Batches.Get(ctx, batchID)
		if err != nil {
			logger.Error("failed to reload batch", "run", i, "error", err)
			os.Exit(1)
		}
		produced = append(produced, b.RowCount)
		logger.Info("run complete",
			"run", i,
			"status", b.Status,
			"rows", b.RowCount,
			"error_message", b.ErrorMessage,
			"elapsed", time.Since(start).String(),
		)
		if ctx.Err() != nil {
			break
		}
	}
	logger.Info("done", "batch_id", batchID, "runs", len(produced), "rows_per_run", produced)
}
