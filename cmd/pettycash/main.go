package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/app"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/directory"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/observability"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/payment"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/cache"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/db"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/requisition"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/threshold"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/treasury"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The rule cache degrades to direct reads; only the job queue
		// hard-requires redis.
		logger.Warn("redis unavailable, rule cache disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("asynq client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	directoryRepo := directory.NewRepository(pool)
	notifier := jobs.NewNotifier(queue, directoryRepo, logger)

	recorder := audit.NewRecorder(pool, logger)
	metrics := observability.NewMetrics()

	treasuryRepo := treasury.NewRepository(pool)
	treasuryService := treasury.NewService(treasuryRepo, recorder, notifier, logger)

	thresholdRepo := threshold.NewRepository(pool)
	catalog := threshold.NewCachedCatalog(thresholdRepo, redisClient, cfg.RuleCacheTTL)

	resolverCfg := workflow.DefaultConfig()
	resolverCfg.DisableFastTrack = cfg.DisableFastTrack
	resolver := workflow.NewResolver(catalog, directoryRepo, resolverCfg)

	paymentRepo := payment.NewRepository(pool, cfg.PaymentMaxRetries)
	paymentService := payment.NewService(paymentRepo, treasuryService, treasuryService,
		notifier, recorder, metrics, logger, payment.Config{
			OTPLength:   cfg.OTPLength,
			OTPValidity: cfg.OTPValidity,
			MaxRetries:  cfg.PaymentMaxRetries,
		})

	requisitionRepo := requisition.NewRepository(pool)
	requisitionService := requisition.NewService(requisitionRepo, resolver, paymentService,
		recorder, notifier, metrics, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RequisitionHandler: requisition.NewHandler(logger, requisitionService),
		PaymentHandler:     payment.NewHandler(logger, paymentService),
		TreasuryHandler:    treasury.NewHandler(logger, treasuryService),
		ThresholdHandler:   threshold.NewHandler(logger, thresholdRepo, catalog),
		AuditHandler:       audit.NewHandler(logger, recorder),
		JobsHandler:        jobs.NewHandler(asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr}), logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
