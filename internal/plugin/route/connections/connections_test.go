package connections

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirino/docstore-registry/internal/connections"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/chirino/docstore-registry/internal/testutil/fakedriver"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var identities = map[string]security.Identity{
	"alice": security.NewIdentity("alice", []string{security.RoleAdmin}, nil),
	"carol": security.NewIdentity("carol", nil, []string{"mongodb"}),
	"dave":  security.NewIdentity("dave", nil, []string{"mongodb"}),
	"bob":   security.NewIdentity("bob", nil, []string{"jms"}),
}

// fakeAuth resolves the bearer token directly to a known identity.
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
	router *gin.Engine
	reg    *connections.Registry
	driver *fakedriver.Driver
}

func newFixture(t *testing.T, opts ...connections.Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d := fakedriver.New()
	gate := security.NewGate("mongodb")
	reg := connections.New(d, gate, opts...)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	r := gin.New()
	MountRoutes(r, reg, gate, fakeAuth)
	return &fixture{router: r, reg: reg, driver: d}
}

func (f *fixture) do(t *testing.T, user, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+user)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (f *fixture) create(t *testing.T, user, url string) string {
	t.Helper()
	code, body := f.do(t, user, http.MethodPost, "/v1/connections", `{"url":"`+url+`"}`)
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func TestCreateAndUseConnection(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice", "dbstore://localhost:27017")
	require.Len(t, id, 36)

	code, body := f.do(t, "alice", http.MethodGet, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, id, body["id"])
	require.Equal(t, "alice", body["owner"])
	require.Equal(t, "dbstore://localhost:27017", body["url"])

	code, body = f.do(t, "alice", http.MethodPost, "/v1/connections/"+id+"/ping", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = f.do(t, "alice", http.MethodGet, "/v1/connections/"+id+"/databases", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"admin", "local"}, body["data"])

	code, body = f.do(t, "alice", http.MethodGet, "/v1/connections/"+id+"/databases/local/collections", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"startup_log"}, body["data"])

	code, _ = f.do(t, "alice", http.MethodDelete, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusNoContent, code)
	require.True(t, f.driver.Handles()[0].Closed())

	code, body = f.do(t, "alice", http.MethodDelete, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["code"])
}

func TestCreateErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		user   string
		body   string
		status int
		code   string
	}{
		{"outsider", "bob", `{"url":"dbstore://localhost:27017"}`, http.StatusForbidden, "forbidden"},
		{"unreachable", "alice", `{"url":"dbstore://nonexistent-host:1"}`, http.StatusBadGateway, "unreachable_host"},
		{"bad scheme", "alice", `{"url":"http://localhost:27017"}`, http.StatusBadRequest, "protocol_error"},
		{"driver failure", "alice", `{"url":"dbstore://broken:27017"}`, http.StatusInternalServerError, "unknown_error"},
		{"missing url", "alice", `{}`, http.StatusBadRequest, "validation_error"},
		{"not json", "alice", `url=x`, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			code, body := f.do(t, tc.user, http.MethodPost, "/v1/connections", tc.body)
			require.Equal(t, tc.status, code, body)
			require.Equal(t, tc.code, body["code"])
			require.Equal(t, 0, f.reg.Len())
		})
	}
}

func TestPermissionMessageNamesUserAndGroup(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, "bob", http.MethodPost, "/v1/connections", `{"url":"dbstore://localhost:27017"}`)
	require.Contains(t, body["error"], "bob")
	require.Contains(t, body["error"], "mongodb")
	require.Equal(t, 0, f.driver.Calls())
}

func TestOperationsOnExistingConnectionsAreGated(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice", "dbstore://localhost:27017")

	code, body := f.do(t, "bob", http.MethodGet, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "forbidden", body["code"])

	code, _ = f.do(t, "bob", http.MethodDelete, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, 1, f.reg.Len())
}

func TestMembersOnlySeeTheirOwnConnections(t *testing.T) {
	f := newFixture(t)
	carols := f.create(t, "carol", "dbstore://localhost:27017")

	code, _ := f.do(t, "dave", http.MethodGet, "/v1/connections/"+carols, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, "dave", http.MethodDelete, "/v1/connections/"+carols, "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, "carol", http.MethodPost, "/v1/connections/"+carols+"/ping", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, "alice", http.MethodGet, "/v1/connections/"+carols, "")
	require.Equal(t, http.StatusOK, code)
}

func TestListIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.create(t, "carol", "dbstore://localhost:27017")
	f.create(t, "alice", "dbstore://localhost:27018")

	code, _ := f.do(t, "carol", http.MethodGet, "/v1/connections", "")
	require.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, "alice", http.MethodGet, "/v1/connections", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["data"], 2)
}

func TestUnknownIDIsNotFound(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, "alice", http.MethodPost, "/v1/connections/00000000-0000-0000-0000-000000000000/ping", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, body["error"], "00000000-0000-0000-0000-000000000000")
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, "mallory", http.MethodPost, "/v1/connections", `{"url":"dbstore://localhost:27017"}`)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestConnectionHeldByAnotherReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	dir, err := connections.NewDirectory(context.Background(), "redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	a := newFixture(t, connections.WithDirectory(dir, "replica-a:8080"))
	b := newFixture(t, connections.WithDirectory(dir, "replica-b:8080"))

	id := a.create(t, "carol", "dbstore://localhost:27017")

	code, body := b.do(t, "carol", http.MethodGet, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusMisdirectedRequest, code)
	require.Equal(t, "misdirected", body["code"])
	require.Equal(t, "replica-a:8080", body["replica"])

	code, _ = b.do(t, "alice", http.MethodPost, "/v1/connections/"+id+"/ping", "")
	require.Equal(t, http.StatusMisdirectedRequest, code)

	// Other members do not learn where someone else's connection lives.
	code, body = b.do(t, "dave", http.MethodGet, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["code"])

	code, _ = a.do(t, "carol", http.MethodDelete, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = b.do(t, "carol", http.MethodGet, "/v1/connections/"+id, "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestOnlyAuthorizedLookupsDeferEviction(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	f := newFixture(t, connections.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	polled := f.create(t, "carol", "dbstore://localhost:27017")
	used := f.create(t, "carol", "dbstore://localhost:27018")
	advance(10 * time.Minute)

	code, _ := f.do(t, "dave", http.MethodGet, "/v1/connections/"+polled, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, "carol", http.MethodPost, "/v1/connections/"+used+"/ping", "")
	require.Equal(t, http.StatusOK, code)

	require.Equal(t, 1, f.reg.EvictIdle(context.Background(), 5*time.Minute))
	code, _ = f.do(t, "carol", http.MethodGet, "/v1/connections/"+polled, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, "carol", http.MethodGet, "/v1/connections/"+used, "")
	require.Equal(t, http.StatusOK, code)
}
