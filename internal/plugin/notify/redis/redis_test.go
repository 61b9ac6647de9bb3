package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPublisher(t *testing.T) (*Publisher, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

func receive(t *testing.T, ch <-chan *goredis.Message) *goredis.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
		return nil
	}
}

func TestMessageSentPublishesToEventsAndRecipients(t *testing.T) {
	p, rdb := newPublisher(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, EventsChannel, UserChannel("u2"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	event := registrynotify.MessageSent{
		ConversationID: "c1", MessageID: "m1", SenderID: "u1",
		RecipientIDs: []string{"u2"}, SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.MessageSent(ctx, event))

	channels := map[string]string{}
	for range 2 {
		msg := receive(t, ch)
		channels[msg.Channel] = msg.Payload
	}
	require.Contains(t, channels, EventsChannel)
	require.Contains(t, channels, "notifications:user:u2")

	var env struct {
		Type string                     `json:"type"`
		Data registrynotify.MessageSent `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(channels[EventsChannel]), &env))
	assert.Equal(t, registrynotify.EventMessageSent, env.Type)
	assert.Equal(t, event, env.Data)
}

func TestConversationCreatedSkipsCreator(t *testing.T) {
	p, rdb := newPublisher(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, UserChannel("creator"), UserChannel("other"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	require.NoError(t, p.ConversationCreated(ctx, registrynotify.ConversationCreated{
		ConversationID: "c1", ParticipantIDs: []string{"creator", "other"}, CreatedBy: "creator",
	}))
	msg := receive(t, ch)
	assert.Equal(t, "notifications:user:other", msg.Channel)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected publish to %s", extra.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishErrorIsReturned(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	err = New(rdb).MessageSent(context.Background(), registrynotify.MessageSent{ConversationID: "c1"})
	assert.Error(t, err)
}
