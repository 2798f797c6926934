package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/platform/httpx"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// maxBatchChecks bounds a single batch request.
const maxBatchChecks = 50

// Handler exposes the Guard API consumed by UI code.
type Handler struct {
	logger    *slog.Logger
	guard     *Guard
	registry  *rbac.Registry
	validator *validator.Validate
	// reasonRole is the minimum role that sees reason codes in responses.
	reasonRole rbac.Role
}

// NewHandler constructs the Guard API handler.
func NewHandler(logger *slog.Logger, guard *Guard, registry *rbac.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		guard:      guard,
		registry:   registry,
		validator:  validator.New(),
		reasonRole: rbac.RoleAdmin,
	}
}

// MountRoutes registers guard API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check-batch", h.checkBatch)
}

// CheckRequest is one guard query.
type CheckRequest struct {
	UserEmail    string `json:"user_email,omitempty" validate:"omitempty,email"`
	ResourceType string `json:"resource_type" validate:"required,oneof=page feature data"`
	Operation    string `json:"operation" validate:"required,oneof=view create edit delete"`
	ResourceKey  string `json:"resource_key" validate:"required,max=200"`
	SubFeature   string `json:"sub_feature,omitempty" validate:"max=200"`
}

// CheckResponse is one guard answer. Reason is omitted for callers below the
// reason role.
type CheckResponse struct {
	Allowed bool        `json:"allowed"`
	Reason  rbac.Reason `json:"reason,omitempty"`
}

type batchRequest struct {
	Checks []CheckRequest `json:"checks" validate:"required,min=1,max=50,dive"`
}

type batchResponse struct {
	Results []CheckResponse `json:"results"`
}

var errImpersonation = errors.New("guard: checking another user requires elevated role")

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req CheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	resp, err := h.evaluate(r, principal, req)
	if err != nil {
		h.respondFailure(w, err, resp)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	principal, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.Checks) > maxBatchChecks {
		httpx.RespondError(w, fmt.Errorf("%w: at most %d checks per batch", httpx.ErrValidation, maxBatchChecks))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	out := batchResponse{Results: make([]CheckResponse, len(req.Checks))}
	status := http.StatusOK
	for i, c := range req.Checks {
		resp, err := h.evaluate(r, principal, c)
		if errors.Is(err, errImpersonation) {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
		if err != nil {
			status = http.StatusServiceUnavailable
		}
		out.Results[i] = resp
	}
	httpx.JSON(w, status, out)
}

func (h *Handler) evaluate(r *http.Request, principal identity.Principal, req CheckRequest) (CheckResponse, error) {
	showReason, _ := h.registry.IsAtLeast(principal.Role, h.reasonRole)
	target := identity.NormalizeEmail(req.UserEmail)
	if target != "" && target != principal.Email && !showReason {
		return CheckResponse{}, errImpersonation
	}
	if target == "" {
		target = principal.Email
	}
	d := h.guard.Check(r.Context(), rbac.EvaluationRequest{
		UserEmail:    target,
		ResourceType: rbac.ResourceType(req.ResourceType),
		Operation:    rbac.Operation(req.Operation),
		ResourceKey:  strings.TrimSpace(req.ResourceKey),
		SubFeature:   req.SubFeature,
	})
	resp := CheckResponse{Allowed: d.Allowed()}
	if showReason {
		resp.Reason = d.Reason
	}
	if d.Err != nil {
		h.logger.Error("guard api evaluate",
			slog.String("resource_type", req.ResourceType),
			slog.String("resource_key", req.ResourceKey),
			slog.Any("error", d.Err),
		)
	}
	return resp, d.Err
}

func (h *Handler) respondFailure(w http.ResponseWriter, err error, resp CheckResponse) {
	if errors.Is(err, errImpersonation) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	resp.Allowed = false
	httpx.JSON(w, http.StatusServiceUnavailable, resp)
}
