package guard

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/platform/httpx"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Middleware wires guard checks into HTTP handlers.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// RequirePage ensures the current user may view the page at path.
func (m Middleware) RequirePage(path string) func(http.Handler) http.Handler {
	return m.require(rbac.EvaluationRequest{ResourceType: rbac.ResourcePage, Operation: rbac.OpView, ResourceKey: path})
}

// RequireFeature ensures the current user may perform op on a feature.
func (m Middleware) RequireFeature(key string, op rbac.Operation) func(http.Handler) http.Handler {
	return m.require(rbac.EvaluationRequest{ResourceType: rbac.ResourceFeature, Operation: op, ResourceKey: key})
}

// RequireData ensures the current user may perform op on a data collection.
func (m Middleware) RequireData(key string, op rbac.Operation) func(http.Handler) http.Handler {
	return m.require(rbac.EvaluationRequest{ResourceType: rbac.ResourceData, Operation: op, ResourceKey: key})
}

func (m Middleware) require(req rbac.EvaluationRequest) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := identity.FromContext(r.Context()); !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			d := m.Guard.Check(r.Context(), req)
			switch {
			case d.Err != nil:
				m.logger().Error("guard check failed",
					slog.String("resource_type", string(req.ResourceType)),
					slog.String("resource_key", req.ResourceKey),
					slog.Any("error", d.Err),
				)
				httpx.RespondError(w, httpx.ErrUnavailable)
			case !d.Allowed():
				httpx.RespondError(w, httpx.ErrForbidden)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
