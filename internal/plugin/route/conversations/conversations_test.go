package conversations_test

import (
	"net/http"
	"testing"

	"github.com/plannr/messaging-service/internal/testutil/testapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConversationIsIdempotent(t *testing.T) {
	api := testapi.New(t)
	body := map[string]any{
		"type": "direct",
		"participants": []map[string]any{
			{"userId": "alice", "displayName": "Alice", "role": "customer"},
			{"userId": "bob", "displayName": "Bob", "role": "supplier"},
		},
	}

	first := api.Do(t, http.MethodPost, "/v1/conversations", "alice", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, true, testapi.Decode(t, first)["created"])

	second := api.Do(t, http.MethodPost, "/v1/conversations", "bob", body)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	payload := testapi.Decode(t, second)
	assert.Equal(t, false, payload["created"])
	assert.Equal(t,
		testapi.Decode(t, first)["conversation"].(map[string]any)["id"],
		payload["conversation"].(map[string]any)["id"])
}

func TestCreateConversationRejectsInvalidInput(t *testing.T) {
	api := testapi.New(t)
	w := api.Do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{
		"type":         "direct",
		"participants": []map[string]any{{"userId": "alice", "displayName": "Alice", "role": "customer"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", testapi.Decode(t, w)["code"])

	w = api.Do(t, http.MethodPost, "/v1/conversations", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	api := testapi.New(t)
	w := api.Do(t, http.MethodGet, "/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNonParticipantSeesNotFound(t *testing.T) {
	api := testapi.New(t)
	id := api.Direct(t, "alice", "bob")

	w := api.Do(t, http.MethodGet, "/v1/conversations/"+id, "mallory", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "conversation not found", testapi.Decode(t, w)["error"])

	w = api.Do(t, http.MethodGet, "/v1/conversations/does-not-exist", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndReadConversation(t *testing.T) {
	api := testapi.New(t)
	id := api.Direct(t, "alice", "bob")
	api.Send(t, id, "alice", "hello")
	api.Send(t, id, "alice", "are you free on the 12th?")

	w := api.Do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	payload := testapi.Decode(t, w)
	data := payload["data"].([]any)
	require.Len(t, data, 1)
	assert.EqualValues(t, 2, data[0].(map[string]any)["unreadCount"])
	assert.NotNil(t, payload["nextBefore"])

	w = api.Do(t, http.MethodPost, "/v1/conversations/"+id+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, testapi.Decode(t, w)["marked"])

	w = api.Do(t, http.MethodGet, "/v1/conversations/"+id, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, testapi.Decode(t, w)["unreadCount"])

	w = api.Do(t, http.MethodGet, "/v1/conversations?status=bogus", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = api.Do(t, http.MethodGet, "/v1/conversations?before=yesterday", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsArchiveAndDelete(t *testing.T) {
	api := testapi.New(t)
	id := api.Direct(t, "alice", "bob")

	w := api.Do(t, http.MethodPatch, "/v1/conversations/"+id+"/settings", "alice", map[string]any{"isPinned": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.Do(t, http.MethodPatch, "/v1/conversations/"+id+"/settings", "alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.Do(t, http.MethodPost, "/v1/conversations/"+id+"/archive", "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = api.Do(t, http.MethodGet, "/v1/conversations?status=archived", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, testapi.Decode(t, w)["data"].([]any), 1)

	w = api.Do(t, http.MethodDelete, "/v1/conversations/"+id, "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = api.Do(t, http.MethodGet, "/v1/conversations/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
