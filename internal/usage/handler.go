package usage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/platform/httpx"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// ReportsFeature is the catalog feature guarding usage exports.
const ReportsFeature = "usage_reports"

// Handler serves usage summaries.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   guard.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw guard.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: mw}
}

// MountRoutes registers usage routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireFeature(ReportsFeature, rbac.OpView))
		r.Get("/summary", h.summaryJSON)
		r.Get("/summary.csv", h.summaryCSV)
	})
}

func (h *Handler) summaryJSON(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.summarize(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) summaryCSV(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.summarize(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="usage-summary.csv"`)
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"resource_type", "resource_key", "operation", "total", "allowed", "denied", "denial_rate"})
	for _, row := range summary.Rows {
		_ = cw.Write([]string{
			row.ResourceType,
			row.ResourceKey,
			row.Operation,
			strconv.FormatInt(row.Total, 10),
			strconv.FormatInt(row.Allowed, 10),
			strconv.FormatInt(row.Denied, 10),
			strconv.FormatFloat(row.DenialRate, 'f', 4, 64),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("usage csv export", slog.Any("error", err))
	}
}

func (h *Handler) summarize(w http.ResponseWriter, r *http.Request) (Summary, bool) {
	f, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return Summary{}, false
	}
	summary, err := h.service.Summarize(r.Context(), f)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
			return Summary{}, false
		}
		h.logger.Error("usage summarize", slog.Any("error", err))
		httpx.RespondError(w, err)
		return Summary{}, false
	}
	return summary, true
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{
		ResourceType: rbac.ResourceType(q.Get("resource_type")),
		UserEmail:    q.Get("email"),
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: %s must be RFC3339", httpx.ErrValidation, name)
		}
		*dst = t.UTC()
	}
	return f, nil
}
