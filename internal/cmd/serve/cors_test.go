package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func corsRouter(origins string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(origins))
	router.GET("/v1/conversations", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestParseOrigins_DefaultsToWildcard(t *testing.T) {
	origins := parseOrigins(" , ")
	require.True(t, origins["*"])
}

func TestCorsMiddleware_AllowsConfiguredOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Origin", "https://planner.example.com")
	rec := httptest.NewRecorder()
	corsRouter("https://planner.example.com").ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://planner.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
	require.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestCorsMiddleware_IgnoresOtherOrigins(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/conversations", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	corsRouter("https://planner.example.com").ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
