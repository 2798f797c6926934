package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/akademi/internal/guard"
	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/observability"
	"github.com/odyssey-erp/akademi/internal/rbac"
	"github.com/odyssey-erp/akademi/jobs"
)

type noGrants struct{}

func (noGrants) GetApprovedGrants(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, error) {
	return nil, nil
}

type testEnv struct {
	handler http.Handler
	redis   *miniredis.Miniredis
	holder  *rbac.CatalogHolder
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, catalogPath string) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{AppEnv: "test", RateLimit: 1000}
	reg := rbac.DefaultRegistry()
	load := CatalogLoader(catalogPath, reg)
	cat, err := load()
	require.NoError(t, err)
	holder := rbac.NewCatalogHolder(cat)
	metrics := observability.NewMetrics()

	ev, err := rbac.NewEvaluator(rbac.EvaluatorConfig{
		Registry:  reg,
		Catalog:   holder,
		Grants:    noGrants{},
		Identity:  identity.Resolver{},
		Observers: []rbac.DecisionObserver{metrics},
	})
	require.NoError(t, err)
	g := guard.New(ev)
	mw := guard.Middleware{Guard: g}

	h := NewRouter(RouterParams{
		Config: cfg,
		Identity: &identity.Middleware{
			Sessions: identity.NewSessionStore(client, "akademi_session"),
			Registry: reg,
		},
		GuardHandler:   guard.NewHandler(nil, g, reg),
		GuardMW:        mw,
		CatalogHandler: NewCatalogHandler(nil, holder, load, mw),
		JobHandler:     jobs.NewHandler(nil, nil, nil),
		Metrics:        metrics,
	})
	return testEnv{handler: h, redis: mr, holder: holder, metrics: metrics}
}

func (e testEnv) login(t *testing.T, sessionID, email, role string) {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"email": email, "role": role})
	require.NoError(t, err)
	require.NoError(t, e.redis.Set("session:"+sessionID, string(raw)))
}

func (e testEnv) do(method, path, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "akademi_session", Value: sessionID})
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndSecureHeaders(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCheckThroughSession(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t, "s-teacher", "guru@school.test", "teacher")

	body := `{"resource_type":"page","operation":"view","resource_key":"/org/schedule-management"}`
	rec := env.do(http.MethodPost, "/api/permissions/check", "s-teacher", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"allowed":true}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/permissions/check", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	metricsRec := env.do(http.MethodGet, "/metrics", "", "")
	assert.Contains(t, metricsRec.Body.String(), `akademi_permission_decisions_total{reason="role-default-allow",resource_type="page"} 1`)
}

func TestCatalogReloadRequiresOwnerAndKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	initial := []byte(`resources:
  - type: page
    key: /admin/students
    allowed_roles: [owner, admin]
  - type: feature
    key: catalog_management
    allowed_roles: [owner]
`)
	require.NoError(t, os.WriteFile(path, initial, 0o600))
	env := newTestEnv(t, path)
	env.login(t, "s-owner", "pemilik@school.test", "owner")
	env.login(t, "s-admin", "admin@school.test", "admin")
	require.Equal(t, 2, env.holder.Load().Len())

	rec := env.do(http.MethodPost, "/admin/catalog/reload", "s-admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	updated := append(bytes.Clone(initial), []byte(`  - type: data
    key: students
    allowed_roles: [owner, admin, teacher]
`)...)
	require.NoError(t, os.WriteFile(path, updated, 0o600))
	rec = env.do(http.MethodPost, "/admin/catalog/reload", "s-owner", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"entries":3}`, rec.Body.String())
	assert.Equal(t, 3, env.holder.Load().Len())

	require.NoError(t, os.WriteFile(path, []byte("resources:\n  - type: galaxy\n    key: x\n"), 0o600))
	rec = env.do(http.MethodPost, "/admin/catalog/reload", "s-owner", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 3, env.holder.Load().Len())

	rec = env.do(http.MethodGet, "/admin/catalog/", "s-owner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resource_key":"students"`)
}

func TestJobsRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t, "s-admin", "admin@school.test", "admin")
	env.login(t, "s-member", "siswa@school.test", "member")

	rec := env.do(http.MethodGet, "/jobs/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue":"default"`)

	rec = env.do(http.MethodPost, "/jobs/grants-expire", "s-member", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/jobs/grants-expire", "s-admin", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
