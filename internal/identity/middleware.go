package identity

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Trusted gateway headers.
const (
	HeaderEmail = "X-Auth-Email"
	HeaderRole  = "X-Auth-Role"
)

// Middleware attaches the request principal. Requests without a resolvable
// principal continue anonymously; guards deny them.
type Middleware struct {
	Sessions     *SessionStore
	Registry     *rbac.Registry
	TrustHeaders bool
	Logger       *slog.Logger
}

// Handler wraps next with principal resolution.
func (m Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, role, found := m.principalFromHeaders(r)
		if !found {
			var err error
			email, role, found, err = m.Sessions.Lookup(r.Context(), r)
			if err != nil {
				m.logger().Error("identity session lookup", slog.Any("error", err))
				found = false
			}
		}
		if !found {
			next.ServeHTTP(w, r)
			return
		}
		parsed, err := m.Registry.ParseRole(role)
		if err != nil {
			m.logger().Error("identity unknown role",
				slog.String("user", email),
				slog.String("role", role),
			)
			next.ServeHTTP(w, r)
			return
		}
		ctx := WithPrincipal(r.Context(), Principal{Email: NormalizeEmail(email), Role: parsed})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m Middleware) principalFromHeaders(r *http.Request) (string, string, bool) {
	if !m.TrustHeaders {
		return "", "", false
	}
	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	role := strings.TrimSpace(r.Header.Get(HeaderRole))
	if email == "" || role == "" {
		return "", "", false
	}
	return email, role, true
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
