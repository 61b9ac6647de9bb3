package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIdentityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(IdentityMiddleware())
	router.GET("/who", func(c *gin.Context) {
		c.String(http.StatusOK, "%s|%s|%s", GetUserID(c), GetUserName(c), GetTier(c))
	})

	t.Run("missing user is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/who", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("headers populate the identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/who", nil)
		req.Header.Set(HeaderUserID, "u1")
		req.Header.Set(HeaderUserName, "Una")
		req.Header.Set(HeaderUserTier, " PRO ")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "u1|Una|pro", rec.Body.String())
	})

	for _, id := range []string{"a.b", "$where"} {
		t.Run("field path id "+id+" is rejected", func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			req.Header.Set(HeaderUserID, id)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD", "pod-7")
	labels, err := ParseMetricsLabels("service=messaging-service,pod=${POD}")
	require.NoError(t, err)
	require.Equal(t, "messaging-service", labels["service"])
	require.Equal(t, "pod-7", labels["pod"])

	_, err = ParseMetricsLabels("bad-key=x")
	require.Error(t, err)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)
}

func TestRecordersAreSafeBeforeInit(t *testing.T) {
	require.NotPanics(t, func() {
		CounterFallback("incr")
		SpamRejected()
		QuotaRejected("messages_per_day")
		QuotaEvaluationFailed()
		NotifyFailed("message.sent")
		MessageSent()
	})
}
