package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/platform/httpx"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// CatalogFeature is the catalog feature guarding catalog administration.
const CatalogFeature = "catalog_management"

// CatalogLoader builds a catalog from the configured source.
func CatalogLoader(path string, reg *rbac.Registry) func() (*rbac.Catalog, error) {
	return func() (*rbac.Catalog, error) {
		if path == "" {
			return rbac.DefaultCatalog(reg)
		}
		return rbac.LoadCatalogFile(path, reg)
	}
}

// CatalogHandler exposes the active catalog and the reload trigger.
type CatalogHandler struct {
	logger *slog.Logger
	holder *rbac.CatalogHolder
	load   func() (*rbac.Catalog, error)
	guard  guard.Middleware
}

// NewCatalogHandler builds CatalogHandler instance.
func NewCatalogHandler(logger *slog.Logger, holder *rbac.CatalogHolder, load func() (*rbac.Catalog, error), mw guard.Middleware) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogHandler{logger: logger, holder: holder, load: load, guard: mw}
}

// MountRoutes registers catalog routes.
func (h *CatalogHandler) MountRoutes(r chi.Router) {
	r.With(h.guard.RequireFeature(CatalogFeature, rbac.OpView)).Get("/", h.list)
	r.With(h.guard.RequireFeature(CatalogFeature, rbac.OpEdit)).Post("/reload", h.reload)
}

type descriptorResponse struct {
	ResourceType string   `json:"resource_type"`
	ResourceKey  string   `json:"resource_key"`
	Description  string   `json:"description,omitempty"`
	AllowedRoles []string `json:"allowed_roles"`
	SubFeatures  []string `json:"restricted_sub_features,omitempty"`
}

func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request) {
	descriptors := h.holder.Load().Descriptors()
	out := make([]descriptorResponse, 0, len(descriptors))
	for _, d := range descriptors {
		roles := make([]string, 0)
		for _, role := range d.AllowedRoles() {
			roles = append(roles, string(role))
		}
		out = append(out, descriptorResponse{
			ResourceType: string(d.Type()),
			ResourceKey:  d.Key(),
			Description:  d.Description(),
			AllowedRoles: roles,
			SubFeatures:  d.RestrictedSubFeatures(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resources": out})
}

func (h *CatalogHandler) reload(w http.ResponseWriter, r *http.Request) {
	next, err := h.holder.Reload(h.load)
	if err != nil {
		h.logger.Error("catalog reload failed, keeping previous catalog", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnprocessableEntity, "Catalog rejected", err.Error())
		return
	}
	h.logger.Info("catalog reloaded", slog.Int("entries", next.Len()))
	httpx.JSON(w, http.StatusOK, map[string]int{"entries": next.Len()})
}
