package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/observability"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/payment"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/requisition"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/threshold"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/treasury"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	RequisitionHandler *requisition.Handler
	PaymentHandler     *payment.Handler
	TreasuryHandler    *treasury.Handler
	ThresholdHandler   *threshold.Handler
	AuditHandler       *audit.Handler
	JobsHandler        *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/requisitions", params.RequisitionHandler.MountRoutes)
		r.Route("/payments", params.PaymentHandler.MountRoutes)
		r.Route("/treasury", params.TreasuryHandler.MountRoutes)
		r.Route("/threshold-rules", params.ThresholdHandler.MountRoutes)
		r.Route("/audit", params.AuditHandler.MountRoutes)
		if params.JobsHandler != nil {
			r.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	return r
}
