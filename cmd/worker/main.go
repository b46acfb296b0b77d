package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/app"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/payment"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/db"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	paymentRepo := payment.NewRepository(pool, cfg.PaymentMaxRetries)
	sweep := func(ctx context.Context) (int64, error) {
		return paymentRepo.SweepExpiredOTPs(ctx, cfg.OTPValidity)
	}

	var mailer jobs.Mailer
	if cfg.SMTPHost != "" {
		mailer = jobs.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	} else {
		mailer = &jobs.LogMailer{Logger: logger}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: jobs.NewSendEmailHandler(mailer, logger)},
			{Type: jobs.TaskTypeSendOTP, Handler: jobs.NewSendOTPHandler(mailer, logger)},
			{Type: jobs.TaskTypeLowBalanceAlert, Handler: jobs.NewLowBalanceAlertHandler(mailer, cfg.FinanceInbox, logger)},
			{Type: jobs.TaskTypeOTPSweep, Handler: jobs.NewOTPSweepHandler(sweepFunc(sweep), logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/5 * * * *", Task: jobs.NewOTPSweepTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// sweepFunc adapts a plain function to the OTPSweeper interface.
type sweepFunc func(ctx context.Context) (int64, error)

func (f sweepFunc) SweepExpiredOTPs(ctx context.Context) (int64, error) {
	return f(ctx)
}
