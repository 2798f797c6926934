package grants

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

func newGrantRouter(t *testing.T, repo *memRepo) http.Handler {
	t.Helper()
	reg := rbac.DefaultRegistry()
	cat, err := rbac.DefaultCatalog(reg)
	require.NoError(t, err)
	svc := newTestService(repo, nil)
	ev, err := rbac.NewEvaluator(rbac.EvaluatorConfig{
		Registry: reg,
		Catalog:  rbac.NewCatalogHolder(cat),
		Grants:   svc,
		Identity: identity.Resolver{},
	})
	require.NoError(t, err)
	h := NewHandler(nil, svc, guard.Middleware{Guard: guard.New(ev)})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if email := req.Header.Get("X-Test-Email"); email != "" {
				p := identity.Principal{Email: email, Role: rbac.Role(req.Header.Get("X-Test-Role"))}
				req = req.WithContext(identity.WithPrincipal(req.Context(), p))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/permissions/grants", h.MountRoutes)
	return r
}

func call(h http.Handler, method, path string, actor Actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor.Email != "" {
		req.Header.Set("X-Test-Email", actor.Email)
		req.Header.Set("X-Test-Role", string(actor.Role))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGrantEndpoints(t *testing.T) {
	repo := newMemRepo()
	h := newGrantRouter(t, repo)

	rec := call(h, http.MethodPost, "/api/permissions/grants/requests", member,
		`{"resource_type":"feature","resource_key":"attendance","operation":"view","note":"substitute duty"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	rec = call(h, http.MethodPost, "/api/permissions/grants/"+id+"/approve", member, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(h, http.MethodPost, "/api/permissions/grants/"+id+"/approve", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(h, http.MethodPost, "/api/permissions/grants/"+id+"/approve", admin, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(h, http.MethodGet, "/api/permissions/grants/?email="+member.Email, admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Grants []grantResponse `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Grants, 1)
	assert.Equal(t, "approved", listed.Grants[0].Status)
	assert.Equal(t, "substitute duty", listed.Grants[0].Note)

	rec = call(h, http.MethodGet, "/api/permissions/grants/"+id+"/history", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"to":"approved"`)
}

func TestGrantEndpointsErrors(t *testing.T) {
	h := newGrantRouter(t, newMemRepo())

	rec := call(h, http.MethodPost, "/api/permissions/grants/requests", Actor{}, `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(h, http.MethodGet, "/api/permissions/grants/?email=a@school.test", member, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(h, http.MethodGet, "/api/permissions/grants/", admin, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h, http.MethodPost, "/api/permissions/grants/", admin, `{"user_email":"bad","resource_type":"page","resource_key":"/x","operation":"view"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h, http.MethodPost, "/api/permissions/grants/00000000-0000-0000-0000-000000000000/revoke", admin, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
