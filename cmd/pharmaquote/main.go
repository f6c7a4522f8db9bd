package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/pharmaquote/pharmaquote/internal/app"
	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/numbering"
	"github.com/pharmaquote/pharmaquote/internal/observability"
	"github.com/pharmaquote/pharmaquote/internal/ordersheet"
	"github.com/pharmaquote/pharmaquote/internal/platform/cache"
	"github.com/pharmaquote/pharmaquote/internal/platform/db"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/settings"
	"github.com/pharmaquote/pharmaquote/internal/shared"
	"github.com/pharmaquote/pharmaquote/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	gate := rbac.NewGate(quotes.Policy, procurement.Policy, ordersheet.Policy, settings.Policy)
	guard := rbac.Middleware{Gate: gate, Logger: logger}
	audit := shared.NewAuditLogger(pool)

	quoteRepo := quotes.NewRepository(pool)
	poRepo := procurement.NewRepository(pool)
	numbers := numbering.NewSequence(redisClient, map[numbering.Kind]string{
		numbering.KindQuote:         cfg.NumberPrefixQuote,
		numbering.KindPurchaseOrder: cfg.NumberPrefixPO,
	})
	if err := seedNumbers(ctx, numbers, quoteRepo, poRepo); err != nil {
		logger.Error("seed number sequences", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := jobs.NewClient(redisOpts)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()

	hub := notify.NewHub(logger)
	bridge := notify.NewRedisBridge(redisClient, notify.DefaultChannel, logger)

	var sheet *ordersheet.Service
	events := notify.Fanout{
		hub,
		bridge,
		jobs.NewDispatcher(queue, logger),
		notify.Func(func(ctx context.Context, name string, payload any) {
			if sheet != nil {
				sheet.Emit(ctx, name, payload)
			}
		}),
	}

	settingsService := settings.NewService(settings.NewRepository(pool), gate)
	quoteService := quotes.NewService(quoteRepo, settingsService, numbers, gate, events, audit, logger).WithMetrics(metrics)
	poService := procurement.NewService(poRepo, numbers, gate, events, audit, logger).WithMetrics(metrics)
	sheet = ordersheet.NewService(
		quoteService,
		poService,
		redislock.New(redisClient),
		ordersheet.NewCache(redisClient, cfg.OrderSheetCacheTTL),
		gate,
		logger,
		ordersheet.Options{LockTTL: cfg.ClaimLockTTL},
	).WithMetrics(metrics)

	if err := bridge.Listen(ctx, func(ctx context.Context, evt notify.Event) {
		hub.Broadcast(evt)
		sheet.HandleEvent(ctx, evt)
	}); err != nil {
		logger.Warn("event bridge disabled", slog.Any("error", err))
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		Pool:               pool,
		Redis:              redisClient,
		QuotesHandler:      quotes.NewHandler(logger, quoteService, guard),
		ProcurementHandler: procurement.NewHandler(logger, poService, guard),
		OrderSheetHandler:  ordersheet.NewHandler(logger, sheet, guard),
		SettingsHandler:    settings.NewHandler(logger, settingsService, guard),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Hub:                hub,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
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

type counter interface {
	Count(ctx context.Context) (int64, error)
}

// seedNumbers keeps the redis sequences ahead of the stored documents after a
// cache flush.
func seedNumbers(ctx context.Context, seq *numbering.Sequence, quoteRepo, poRepo counter) error {
	for kind, repo := range map[numbering.Kind]counter{
		numbering.KindQuote:         quoteRepo,
		numbering.KindPurchaseOrder: poRepo,
	} {
		n, err := repo.Count(ctx)
		if err != nil {
			return err
		}
		if err := seq.EnsureFloor(ctx, kind, n); err != nil {
			return err
		}
	}
	return nil
}
