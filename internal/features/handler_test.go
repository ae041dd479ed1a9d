package features

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

func testAdminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shared.IdentityFromContext(r.Context()).IsAdmin() {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newFeaturesRouter(svc *Service) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, testAdminGuard)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithIdentity(req.Context(), shared.IdentityFromRequest(req))))
		})
	})
	r.Route("/features", h.MountRoutes)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, target string, body string, id *shared.Identity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if id != nil {
		req.Header.Set(shared.HeaderUserID, strconv.FormatInt(id.UserID, 10))
		req.Header.Set(shared.HeaderRole, string(id.Role))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSessionFeaturesEndpoint(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeySupportChat, true, 100)
	repo.addFlag(KeyAnalytics, false, 0)
	router := newFeaturesRouter(newTestService(repo))

	caller := user(42)
	rec := doRequest(t, router, http.MethodGet, "/features", "", &caller)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Features map[string]bool `json:"features"`
		User     *int64          `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.User)
	assert.Equal(t, int64(42), *resp.User)
	assert.True(t, resp.Features["support_chat"])
	assert.False(t, resp.Features["analytics"])
}

func TestSessionFeaturesAnonymous(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeySupportChat, true, 100)
	router := newFeaturesRouter(newTestService(repo))

	rec := doRequest(t, router, http.MethodGet, "/features", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Features map[string]bool `json:"features"`
		User     *int64          `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.User)
	assert.True(t, resp.Features["support_chat"])
}

func TestListForUserEndpoint(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeySupportChat, true, 100)
	router := newFeaturesRouter(newTestService(repo))

	caller := user(42)
	rec := doRequest(t, router, http.MethodGet, "/features/list", "", &caller)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []struct {
		FeatureKey string `json:"feature_key"`
		IsEnabled  bool   `json:"is_enabled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "support_chat", resp[0].FeatureKey)
	assert.True(t, resp[0].IsEnabled)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 10)
	router := newFeaturesRouter(newTestService(repo))

	caller := user(42)
	for _, target := range []string{"/features/all", "/features/config/analytics", "/features/user/42/overrides"} {
		rec := doRequest(t, router, http.MethodGet, target, "", &caller)
		assert.Equal(t, http.StatusForbidden, rec.Code, target)

		rec = doRequest(t, router, http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, "anonymous %s", target)
	}
}

func TestGetFlagConfigEndpoint(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 30)
	router := newFeaturesRouter(newTestService(repo))

	rec := doRequest(t, router, http.MethodGet, "/features/config/analytics", "", &admin)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp flagResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, KeyAnalytics, resp.FeatureKey)
	assert.Equal(t, 30, resp.RolloutPercentage)

	rec = doRequest(t, router, http.MethodGet, "/features/config/not_a_feature", "", &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateFlagConfigEndpoint(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 10)
	router := newFeaturesRouter(newTestService(repo))

	rec := doRequest(t, router, http.MethodPut, "/features/config/analytics", `{"rollout_percentage": 75}`, &admin)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp flagResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 75, resp.RolloutPercentage)
	assert.False(t, resp.DefaultEnabled, "fields absent from the request stay untouched")
}

func TestUpdateFlagConfigValidation(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 10)
	router := newFeaturesRouter(newTestService(repo))

	rec := doRequest(t, router, http.MethodPut, "/features/config/analytics", `{"rollout_percentage": 150}`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/features/config/analytics", `{not json`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Known key that was never seeded: update-only, so 404.
	rec = doRequest(t, router, http.MethodPut, "/features/config/beta_dashboard", `{"default_enabled": true}`, &admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOverrideEndpoints(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 0)
	repo.addFlag(KeyAIAssistant, false, 0)
	router := newFeaturesRouter(newTestService(repo))

	rec := doRequest(t, router, http.MethodPut, "/features/user/42/overrides", `{"analytics": true, "ai_assistant": false}`, &admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/features/user/42/overrides", "", &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var overrides []overrideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overrides))
	assert.Len(t, overrides, 2)

	rec = doRequest(t, router, http.MethodDelete, "/features/user/42/overrides?key=analytics", "", &admin)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/features/user/42/overrides", "", &admin)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/features/user/42/overrides", "", &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	overrides = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overrides))
	assert.Empty(t, overrides)
}

func TestPutOverridesValidation(t *testing.T) {
	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 0)
	router := newFeaturesRouter(newTestService(repo))

	rec := doRequest(t, router, http.MethodPut, "/features/user/42/overrides", `{}`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/features/user/42/overrides", `{"not_a_feature": true}`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/features/user/0/overrides", `{"analytics": true}`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
