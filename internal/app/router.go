package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/akademi/internal/grants"
	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/observability"
	"github.com/odyssey-erp/akademi/internal/rbac"
	"github.com/odyssey-erp/akademi/internal/usage"
	"github.com/odyssey-erp/akademi/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Identity       *identity.Middleware
	GuardHandler   *guard.Handler
	GuardMW        guard.Middleware
	GrantsHandler  *grants.Handler
	UsageHandler   *usage.Handler
	CatalogHandler *CatalogHandler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Akademi defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:   params.Logger,
		Config:   params.Config,
		Identity: params.Identity,
		Metrics:  params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/permissions", func(r chi.Router) {
		if params.GuardHandler != nil {
			params.GuardHandler.MountRoutes(r)
		}
		if params.GrantsHandler != nil {
			r.Route("/grants", params.GrantsHandler.MountRoutes)
		}
	})
	if params.UsageHandler != nil {
		r.Route("/usage", params.UsageHandler.MountRoutes)
	}
	if params.CatalogHandler != nil {
		r.Route("/admin/catalog", params.CatalogHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			params.JobHandler.MountRoutes(r)
			if params.GuardMW.Guard != nil {
				r.With(params.GuardMW.RequireFeature(grants.ManagementFeature, rbac.OpEdit)).Group(params.JobHandler.MountTriggers)
			}
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
