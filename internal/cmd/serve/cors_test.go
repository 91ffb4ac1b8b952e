package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestParseOrigins(t *testing.T) {
	require.True(t, parseOrigins("")["*"])
	origins := parseOrigins(" https://a.example , ,https://b.example")
	require.Len(t, origins, 2)
	require.True(t, origins["https://b.example"])
}

func newCORSRouter(origins string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(origins))
	router.GET("/v1/connections", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestCorsMiddleware_AllowsConfiguredOrigin(t *testing.T) {
	router := newCORSRouter("https://console.example")

	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestCorsMiddleware_IgnoresUnknownOriginAndAnswersPreflight(t *testing.T) {
	router := newCORSRouter("https://console.example")

	req := httptest.NewRequest(http.MethodOptions, "/v1/connections", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
