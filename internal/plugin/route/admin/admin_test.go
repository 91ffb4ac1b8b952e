package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chirino/docstore-registry/internal/config"
	"github.com/chirino/docstore-registry/internal/connections"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/chirino/docstore-registry/internal/testutil/fakedriver"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var identities = map[string]security.Identity{
	"alice": security.NewIdentity("alice", []string{security.RoleAdmin}, nil),
	"carol": security.NewIdentity("carol", nil, []string{"mongodb"}),
}

func fakeAuth(c *gin.Context) {
	id, ok := identities[strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown token"})
		return
	}
	c.Set(security.ContextKeyIdentity, id)
	c.Next()
}

type fixture struct {
	router  *gin.Engine
	reg     *connections.Registry
	advance func(time.Duration)
}

func newFixture(t *testing.T, prometheusURL string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	reg := connections.New(fakedriver.New(), security.NewGate("mongodb"), connections.WithClock(clock))
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	cfg := config.DefaultConfig()
	cfg.PrometheusURL = prometheusURL
	r := gin.New()
	MountRoutes(r, reg, &cfg, fakeAuth)
	return &fixture{
		router: r,
		reg:    reg,
		advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		},
	}
}

func (f *fixture) do(t *testing.T, user, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+user)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	alice := identities["alice"]

	stale, err := f.reg.Create(ctx, "dbstore://localhost:27017", alice)
	require.NoError(t, err)
	f.advance(time.Hour)
	_, err = f.reg.Create(ctx, "dbstore://localhost:27018", alice)
	require.NoError(t, err)

	code, body := f.do(t, "alice", http.MethodPost, "/v1/admin/evict", `{"maxIdle":"PT30M"}`)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["evicted"])
	require.EqualValues(t, 1, body["remaining"])

	_, err = f.reg.Lookup(stale)
	require.Error(t, err)
}

func TestEvict_Validation(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, "alice", http.MethodPost, "/v1/admin/evict", `{}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "validation_error", body["code"])

	for _, maxIdle := range []string{"soon", "-5m", "0s"} {
		code, body = f.do(t, "alice", http.MethodPost, "/v1/admin/evict", `{"maxIdle":"`+maxIdle+`"}`)
		require.Equal(t, http.StatusBadRequest, code, maxIdle)
		require.Contains(t, body["error"], "invalid maxIdle", maxIdle)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newFixture(t, "")

	code, _ := f.do(t, "carol", http.MethodPost, "/v1/admin/evict", `{"maxIdle":"1m"}`)
	require.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, "carol", http.MethodGet, "/v1/admin/stats/open-connections", "")
	require.Equal(t, http.StatusForbidden, code)
}

func TestStats_PrometheusNotConfigured(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, "alice", http.MethodGet, "/v1/admin/stats/open-connections", "")
	require.Equal(t, http.StatusNotImplemented, code)
	require.Equal(t, "prometheus_not_configured", body["code"])
}

func TestStats_QueriesPrometheus(t *testing.T) {
	var mu sync.Mutex
	var gotQuery, gotStep string
	lastQuery := func() string {
		mu.Lock()
		defer mu.Unlock()
		return gotQuery
	}
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		gotQuery, gotStep = r.FormValue("query"), r.FormValue("step")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"outcome":"ok"},"values":[[1767258000,"2.5"],[1767258060,"NaN"]]},
			{"metric":{"outcome":"permission"},"values":[[1767258000,"0.1"]]}
		]}}`))
	}))
	t.Cleanup(prom.Close)
	f := newFixture(t, prom.URL)

	code, body := f.do(t, "alice", http.MethodGet, "/v1/admin/stats/create-rate?step=30s", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, createRateQuery, lastQuery())
	mu.Lock()
	require.Equal(t, "30", gotStep)
	mu.Unlock()
	require.Equal(t, "create_rate", body["metric"])

	series := body["series"].([]any)
	require.Len(t, series, 2)
	first := series[0].(map[string]any)
	require.Equal(t, "ok", first["label"])
	points := first["data"].([]any)
	require.Len(t, points, 2)
	require.EqualValues(t, 2.5, points[0].(map[string]any)["value"])
	require.Nil(t, points[1].(map[string]any)["value"])

	code, body = f.do(t, "alice", http.MethodGet, "/v1/admin/stats/open-connections", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, openConnectionsQuery, lastQuery())
	require.Len(t, body["data"].([]any), 2)
}

func TestStats_InvalidRange(t *testing.T) {
	prom := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(prom.Close)
	f := newFixture(t, prom.URL)

	code, body := f.do(t, "alice", http.MethodGet, "/v1/admin/stats/request-rate?step=-1s", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "invalid step")

	code, body = f.do(t, "alice", http.MethodGet, "/v1/admin/stats/request-rate?start=2026-03-01T10:00:00Z&end=2026-03-01T09:00:00Z", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "end must be after start")
}

func TestStats_PrometheusUnavailable(t *testing.T) {
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(prom.Close)
	f := newFixture(t, prom.URL)

	code, body := f.do(t, "alice", http.MethodGet, "/v1/admin/stats/driver-latency-p95", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "prometheus_unavailable", body["code"])
}
