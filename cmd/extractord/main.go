package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/convert"
	"github.com/jbndrf/Tabtin-sub001/internal/executor"
	"github.com/jbndrf/Tabtin-sub001/internal/export"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/lease"
	"github.com/jbndrf/Tabtin-sub001/internal/llm/openai"
	"github.com/jbndrf/Tabtin-sub001/internal/notify"
	"github.com/jbndrf/Tabtin-sub001/internal/observability"
	"github.com/jbndrf/Tabtin-sub001/internal/orchestrator"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
	"github.com/jbndrf/Tabtin-sub001/internal/repository/memstore"
	"github.com/jbndrf/Tabtin-sub001/internal/server"
	"github.com/jbndrf/Tabtin-sub001/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := common.LoadConfig()
	logger := observability.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	store, ping, closeDB, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open record store", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer closeDB()

	blobs, err := storage.NewFS(cfg.Storage.Dir)
	if err != nil {
		logger.Error("failed to open blob storage", "dir", cfg.Storage.Dir, "error", err)
		os.Exit(1)
	}
	converter := convert.NewPDFConverter(convert.Config{
		Pdftoppm:  cfg.Converter.Pdftoppm,
		Pdftotext: cfg.Converter.Pdftotext,
		DPI:       cfg.Converter.DPI,
		MaxPages:  cfg.Converter.MaxPages,
	}, logger)
	client := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	queue := jobqueue.New(store.Jobs, logger, jobqueue.WithDefaultMaxAttempts(cfg.Pool.MaxAttempts))

	// Batch events: websocket always, RabbitMQ when configured.
	hub := notify.NewHub(logger)
	publishers := []notify.Publisher{hub}
	if cfg.Notify.AMQPURL != "" {
		amqpPub, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.AMQPExchange, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
	}
	events := notify.NewDispatcher(logger, publishers,
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithDropHook(metrics.EventsDropped.Inc),
	)

	orchOpts := []orchestrator.Option{orchestrator.WithMetrics(metrics)}
	if cfg.Lease.RedisURL != "" {
		l, rdb, err := lease.Dial(ctx, cfg.Lease.RedisURL, cfg.Lease.TTL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		logger.Info("tenant lease enabled", "owner", l.Owner(), "ttl", l.TTL().String())
		orchOpts = append(orchOpts, orchestrator.WithLease(l))
	}

	execCfg := executor.Config{
		PollInterval:             cfg.Pool.PollInterval,
		IdleTimeout:              cfg.Pool.IdleTimeout,
		StaleAfter:               cfg.Pool.StaleAfter,
		DefaultMaxConcurrency:    cfg.Pool.MaxConcurrency,
		DefaultRequestsPerMinute: cfg.Pool.RequestsPerMinute,
		DefaultTimeout:           cfg.LLM.Timeout,
	}
	sink := executor.MultiSink{executor.NewRepositorySink(store.Metrics), metrics}
	factory := func(tenantID string) orchestrator.Worker {
		return executor.New(tenantID, execCfg, executor.Deps{
			Queue:     queue,
			Store:     store,
			Blobs:     blobs,
			Converter: converter,
			Client:    client,
			Metrics:   sink,
			Events:    events,
			Logger:    logger,
		})
	}
	orch := orchestrator.New(orchestrator.Config{
		DiscoveryInterval: cfg.Pool.DiscoveryInterval,
		Retention:         cfg.Pool.RetentionPeriod,
		RecoveryInterval:  cfg.Pool.RecoveryInterval,
	}, queue, factory, logger, orchOpts...)

	api := server.New(server.Deps{
		Queue:   queue,
		Store:   store,
		Pool:    orch,
		Export:  export.NewService(store, logger),
		Metrics: metrics,
		Events:  hub,
		Ping:    ping,
		Logger:  logger,
	})

	var grpcHealth *server.Health
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
			os.Exit(1)
		}
		grpcHealth = server.NewHealth(logger)
		go func() {
			if err := grpcHealth.Serve(lis); err != nil {
				logger.Error("grpc serve error", "error", err)
				stop()
			}
		}()
	}

	orch.Start(ctx)
	if grpcHealth != nil {
		grpcHealth.SetServing(true)
	}
	go func() {
		if err := api.Start(cfg.Server.HTTPAddr); err != nil {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()
	logger.Info("extractord started", "http_addr", cfg.Server.HTTPAddr, "grpc_addr", cfg.Server.GRPCAddr, "db_driver", cfg.Database.Driver)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcHealth != nil {
		grpcHealth.SetServing(false)
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Warn("executors aborted at shutdown", "error", err)
	}
	events.Shutdown(shutdownCtx)
	hub.Close()
	if grpcHealth != nil {
		grpcHealth.Stop(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

// openStore returns the record store for the configured driver along with a
// ping for health checks and a close func.
func openStore(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repository.Store, server.Pinger, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory record store; data is lost on exit")
		return memstore.New().Store(), nil, func() {}, nil
	}
	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.HealthCheck(ctx, 5*time.Second, logger); err != nil {
		db.Close(logger)
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close(logger)
		return nil, nil, nil, err
	}
	ping := func(ctx context.Context) error { return db.HealthCheck(ctx, 0, logger) }
	return repository.NewStore(db, logger), ping, func() { db.Close(logger) }, nil
}
