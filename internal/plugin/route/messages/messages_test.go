package messages_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/plannr/messaging-service/internal/testutil/testapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSanitizesContent(t *testing.T) {
	api := testapi.New(t)
	id := api.Direct(t, "alice", "bob")

	w := api.Do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", "alice", map[string]any{
		"content": "<b>Hi</b> <script>alert(1)</script>",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msg := testapi.Decode(t, w)
	assert.Contains(t, msg["content"], "<b>Hi</b>")
	assert.NotContains(t, msg["content"], "<script")
	assert.Equal(t, "alice", msg["senderId"])
	assert.Equal(t, "User alice", msg["senderName"])

	w = api.Do(t, http.MethodGet, "/v1/conversations/"+id+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, testapi.Decode(t, w)["data"].([]any), 1)
}

func TestSendRejections(t *testing.T) {
	api := testapi.New(t)
	id := api.Direct(t, "alice", "bob")
	path := "/v1/conversations/" + id + "/messages"

	w := api.Do(t, http.MethodPost, path, "alice", map[string]any{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.Do(t, http.MethodPost, path, "mallory", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	api.Send(t, id, "alice", "see you at the venue")
	w = api.Do(t, http.MethodPost, path, "alice", map[string]any{"content": "see you at the venue"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "spam_detected", testapi.Decode(t, w)["code"])
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	w = api.Do(t, http.MethodPost, path, "alice", map[string]any{"content": strings.Repeat("x", 5001)})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "quota_exceeded", testapi.Decode(t, w)["code"])
}

func TestEditDeleteAndReact(t *testing.T) {
	api := testapi.New(t)
	id := api.Direct(t, "alice", "bob")
	msgID := api.Send(t, id, "alice", "first draft")

	w := api.Do(t, http.MethodPatch, "/v1/messages/"+msgID, "bob", map[string]any{"content": "hijacked"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.Do(t, http.MethodPatch, "/v1/messages/"+msgID, "alice", map[string]any{"content": "final copy"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "final copy", testapi.Decode(t, w)["content"])

	w = api.Do(t, http.MethodPost, "/v1/messages/"+msgID+"/reactions", "bob", map[string]any{"emoji": "👍"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, testapi.Decode(t, w)["reactions"].([]any), 1)

	w = api.Do(t, http.MethodPost, "/v1/messages/"+msgID+"/reactions", "bob", map[string]any{"emoji": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.Do(t, http.MethodDelete, "/v1/messages/"+msgID, "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = api.Do(t, http.MethodDelete, "/v1/messages/"+msgID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
