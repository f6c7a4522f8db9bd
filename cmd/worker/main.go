package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/pharmaquote/pharmaquote/internal/app"
	jobmetrics "github.com/pharmaquote/pharmaquote/internal/jobs"
	"github.com/pharmaquote/pharmaquote/internal/platform/db"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
	"github.com/pharmaquote/pharmaquote/jobs"
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

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Tasks only read by id, so the services run without numbering, gate or events.
	quoteService := quotes.NewService(quotes.NewRepository(pool), nil, nil, nil, nil, nil, logger)
	poService := procurement.NewService(procurement.NewRepository(pool), nil, nil, nil, nil, logger)

	metrics := jobmetrics.NewMetrics(nil)
	mailer := jobs.LogMailer{Logger: logger}
	poEmail := jobs.NewPOEmailJob(poService, mailer, logger, metrics)
	quoteCompleted := jobs.NewQuoteCompletedJob(quoteService, mailer, cfg.SalesNotifyEmail, logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPOManufacturerEmail, Handler: poEmail.Handle},
			{Type: jobs.TaskQuoteCompleted, Handler: quoteCompleted.Handle},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
