// Package testapi serves the API route plugins over a process-local store for handler tests.
package testapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	countermemory "github.com/plannr/messaging-service/internal/plugin/counter/memory"
	"github.com/plannr/messaging-service/internal/plugin/notify/none"
	"github.com/plannr/messaging-service/internal/plugin/route/bulk"
	"github.com/plannr/messaging-service/internal/plugin/route/conversations"
	"github.com/plannr/messaging-service/internal/plugin/route/messages"
	"github.com/plannr/messaging-service/internal/plugin/store/memory"
	"github.com/plannr/messaging-service/internal/sanitize"
	"github.com/plannr/messaging-service/internal/security"
	"github.com/plannr/messaging-service/internal/service"
	"github.com/plannr/messaging-service/internal/spam"
	"github.com/stretchr/testify/require"
)

// API is a router with every API route mounted under /v1.
type API struct {
	Router  *gin.Engine
	Store   *memory.Store
	Service *service.MessagingService
}

// New builds an API backed by a fresh memory store.
func New(t *testing.T) *API {
	t.Helper()
	store := memory.New()
	counters := countermemory.New()
	opts := service.DefaultOptions()
	opts.Spam.Keywords = []string{"casino"}
	svc := service.NewMessagingService(store, sanitize.NewHTML(), spam.NewDetector(counters, counters), none.Dispatcher{}, opts)
	t.Cleanup(svc.Wait)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	v1 := router.Group("/v1", security.IdentityMiddleware())
	conversations.MountRoutes(v1, svc)
	messages.MountRoutes(v1, svc)
	bulk.MountRoutes(v1, svc)
	return &API{Router: router, Store: store, Service: svc}
}

// Do sends body as JSON on behalf of userID. An empty userID sends no identity headers.
func (a *API) Do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(security.HeaderUserID, userID)
		req.Header.Set(security.HeaderUserName, "User "+userID)
		req.Header.Set(security.HeaderUserTier, service.TierPro)
	}
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	return w
}

// Decode unmarshals the response body into a map.
func Decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// Direct creates a direct conversation between a and b and returns its ID.
func (a *API) Direct(t *testing.T, x, y string) string {
	t.Helper()
	w := a.Do(t, http.MethodPost, "/v1/conversations", x, map[string]any{
		"type": "direct",
		"participants": []map[string]any{
			{"userId": x, "displayName": "User " + x, "role": "customer"},
			{"userId": y, "displayName": "User " + y, "role": "supplier"},
		},
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, w.Code, w.Body.String())
	conv := Decode(t, w)["conversation"].(map[string]any)
	return conv["id"].(string)
}

// Send posts content to convID as sender and returns the new message ID.
func (a *API) Send(t *testing.T, convID, sender, content string) string {
	t.Helper()
	w := a.Do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages", sender, map[string]any{"content": content})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return Decode(t, w)["id"].(string)
}
