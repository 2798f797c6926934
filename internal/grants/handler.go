package grants

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/platform/httpx"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// ManagementFeature is the catalog feature guarding grant administration.
const ManagementFeature = "permission_management"

// Handler exposes grant administration endpoints.
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

// MountRoutes registers grant routes. Self-service requests only need an
// authenticated principal; everything else is behind the management feature.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requests", h.requestGrant)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireFeature(ManagementFeature, rbac.OpView))
		r.Get("/", h.list)
		r.Get("/{id}/history", h.history)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireFeature(ManagementFeature, rbac.OpEdit))
		r.Post("/", h.create)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/revoke", h.revoke)
	})
}

type grantResponse struct {
	ID           string     `json:"id"`
	UserEmail    string     `json:"user_email"`
	ResourceType string     `json:"resource_type"`
	ResourceKey  string     `json:"resource_key"`
	Operation    string     `json:"operation"`
	Status       string     `json:"status"`
	GrantedBy    string     `json:"granted_by"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type eventResponse struct {
	From  string    `json:"from,omitempty"`
	To    string    `json:"to"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

func toResponse(g rbac.PermissionGrant) grantResponse {
	return grantResponse{
		ID:           g.ID,
		UserEmail:    g.UserEmail,
		ResourceType: string(g.ResourceType),
		ResourceKey:  g.ResourceKey,
		Operation:    string(g.Operation),
		Status:       string(g.Status),
		GrantedBy:    g.GrantedBy,
		Note:         g.Note,
		CreatedAt:    g.CreatedAt,
		ExpiresAt:    g.ExpiresAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		h.fail(w, fmt.Errorf("%w: email query parameter required", ErrValidation))
		return
	}
	items, err := h.service.ListGrants(r.Context(), email)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]grantResponse, 0, len(items))
	for _, g := range items {
		out = append(out, toResponse(g))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	h.createFor(w, r, false)
}

func (h *Handler) requestGrant(w http.ResponseWriter, r *http.Request) {
	h.createFor(w, r, true)
}

func (h *Handler) createFor(w http.ResponseWriter, r *http.Request, self bool) {
	actor, ok := actorFrom(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var input CreateGrantInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if self {
		input.UserEmail = actor.Email
	}
	id, err := h.service.CreateGrant(r.Context(), actor, input)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, rbac.GrantApproved)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, rbac.GrantRevoked)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, to rbac.GrantStatus) {
	actor, ok := actorFrom(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.service.SetStatus(r.Context(), id, to, actor); err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"id": id, "status": string(to)})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{From: string(ev.From), To: string(ev.To), Actor: ev.Actor, At: ev.At})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": out})
}

func actorFrom(r *http.Request) (Actor, bool) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		return Actor{}, false
	}
	return Actor{Email: p.Email, Role: p.Role}, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var transitionErr *InvalidTransitionError
	switch {
	case errors.As(err, &transitionErr):
		httpx.Problem(w, http.StatusConflict, "Conflict", transitionErr.Error())
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.RespondError(w, httpx.ErrForbidden)
	default:
		h.logger.Error("grants handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
