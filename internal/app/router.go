package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pharmaquote/pharmaquote/internal/notify"
	"github.com/pharmaquote/pharmaquote/internal/observability"
	"github.com/pharmaquote/pharmaquote/internal/ordersheet"
	"github.com/pharmaquote/pharmaquote/internal/platform/httpx"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
	"github.com/pharmaquote/pharmaquote/internal/settings"
	"github.com/pharmaquote/pharmaquote/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	Pool    *pgxpool.Pool
	Redis   *redis.Client

	QuotesHandler      *quotes.Handler
	ProcurementHandler *procurement.Handler
	OrderSheetHandler  *ordersheet.Handler
	SettingsHandler    *settings.Handler
	JobHandler         *jobs.Handler
	Hub                *notify.Hub
}

// NewRouter constructs the chi.Router with PharmaQuote defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	mwCfg := MiddlewareConfig{Logger: params.Logger, Config: params.Config, Metrics: params.Metrics}
	for _, mw := range MiddlewareStack(mwCfg) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				status["postgres"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if params.Redis != nil {
			if err := params.Redis.Ping(r.Context()).Err(); err != nil {
				status["redis"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		if code != http.StatusOK {
			status["status"] = "degraded"
		}
		httpx.JSON(w, code, status)
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Hub != nil {
		r.With(Identity(params.Logger)).Get("/ws", params.Hub.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		for _, mw := range APIStack(mwCfg) {
			r.Use(mw)
		}
		r.Use(Identity(params.Logger))
		if params.QuotesHandler != nil {
			r.Route("/quotes", params.QuotesHandler.MountRoutes)
		}
		if params.ProcurementHandler != nil {
			r.Route("/purchase-orders", params.ProcurementHandler.MountRoutes)
			r.Route("/manufacturers", params.ProcurementHandler.MountManufacturerRoutes)
		}
		if params.OrderSheetHandler != nil {
			r.Route("/order-sheet", params.OrderSheetHandler.MountRoutes)
		}
		if params.SettingsHandler != nil {
			r.Route("/settings", params.SettingsHandler.MountRoutes)
		}
	})

	return r
}
