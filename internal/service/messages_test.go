package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/participants"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndReadEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	msg := e.send(t, conv.ID, "a", "<b>Hi</b> <script>bad()</script>")
	assert.Contains(t, msg.Content, "<b>Hi</b>")
	assert.NotContains(t, msg.Content, "<script")
	assert.NotContains(t, msg.Content, "bad()")
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assert.Equal(t, []model.ReadReceipt{{UserID: "a", ReadAt: t0}}, msg.ReadBy)
	assert.Empty(t, msg.Reactions)

	stored := e.conversation(t, conv.ID)
	assert.Equal(t, int64(1), participants.UnreadCount(stored, "b"))
	assert.Equal(t, int64(0), participants.UnreadCount(stored, "a"))
	assert.Equal(t, int64(1), stored.MessageCount)
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, "Hi", stored.LastMessage.Content)

	n, err := e.svc.MarkAsRead(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored = e.conversation(t, conv.ID)
	assert.Equal(t, int64(0), participants.UnreadCount(stored, "b"))
	assert.Equal(t, model.MessageStatusRead, e.message(t, msg.ID).Status)
}

func TestUnreadAccounting(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	const n = 7
	var ids []string
	for i := range n {
		ids = append(ids, e.send(t, conv.ID, "a", numbered("update", i)).ID)
		e.clock.advance(time.Second)
	}
	assert.Equal(t, int64(n), participants.UnreadCount(e.conversation(t, conv.ID), "b"))

	marked, err := e.svc.MarkAsRead(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(n), marked)
	assert.Equal(t, int64(0), participants.UnreadCount(e.conversation(t, conv.ID), "b"))
	for _, id := range ids {
		assert.True(t, e.message(t, id).HasReadBy("b"), id)
	}

	again, err := e.svc.MarkAsRead(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestConcurrentSendsKeepEveryIncrement(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv, _, err := e.svc.CreateConversation(ctx, CreateConversationRequest{
		Type: model.ConversationTypeMarketplace, Participants: people("a", "b", "c"), CreatorID: "a",
	})
	require.NoError(t, err)

	const each = 10
	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b"} {
		for i := range each {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.svc.SendMessage(ctx, SendMessageRequest{
					ConversationID: conv.ID, SenderID: sender, SenderTier: TierPro, Content: numbered(sender+" says", i),
				})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	stored := e.conversation(t, conv.ID)
	assert.Equal(t, int64(2*each), stored.MessageCount)
	assert.Equal(t, int64(2*each), participants.UnreadCount(stored, "c"))
	assert.Equal(t, int64(each), participants.UnreadCount(stored, "a"))
	assert.Equal(t, int64(each), participants.UnreadCount(stored, "b"))
}

func TestSendMessageRejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	t.Run("empty after sanitizing", func(t *testing.T) {
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: "<script>x()</script>"})
		var verr *registrystore.ValidationError
		require.True(t, errors.As(err, &verr), "got %v", err)
		assert.Equal(t, "content", verr.Field)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: "x", Type: "video"})
		var verr *registrystore.ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	t.Run("non participant", func(t *testing.T) {
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "mallory", Content: "let me in"})
		var forbidden *registrystore.ForbiddenError
		assert.True(t, errors.As(err, &forbidden))
	})

	t.Run("missing conversation", func(t *testing.T) {
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: "nope", SenderID: "a", Content: "hello?"})
		var nf *registrystore.NotFoundError
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("too many links", func(t *testing.T) {
		links := strings.Repeat("see https://example.com/x ", 7)
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: links})
		var rl *RateLimitError
		require.True(t, errors.As(err, &rl), "got %v", err)
		assert.GreaterOrEqual(t, rl.Score, 60)
		assert.Contains(t, rl.Reason, "too many links")
	})

	t.Run("duplicate", func(t *testing.T) {
		e.send(t, conv.ID, "b", "same thing")
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "b", Content: "same thing"})
		var rl *RateLimitError
		require.True(t, errors.As(err, &rl), "got %v", err)
		assert.Equal(t, 5*time.Second, rl.RetryAfter)
	})

	t.Run("too long for tier", func(t *testing.T) {
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: strings.Repeat("a", 1001)})
		var quota *QuotaExceededError
		require.True(t, errors.As(err, &quota), "got %v", err)
		assert.Equal(t, QuotaMessageLength, quota.Quota)
		assert.Equal(t, 1000, quota.Limit)
	})

	stored := e.conversation(t, conv.ID)
	assert.Equal(t, int64(1), stored.MessageCount)
	msgs, err := e.svc.ListMessages(ctx, conv.ID, "a", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"same thing"}, contents(msgs))
}

func TestHourlyQuota(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")
	limit := TierFor(TierFree).MessagesPerHour

	for i := range limit {
		_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: numbered("note", i)})
		require.NoError(t, err)
	}
	_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: "one more"})
	var quota *QuotaExceededError
	require.True(t, errors.As(err, &quota), "got %v", err)
	assert.Equal(t, QuotaMessagesPerHour, quota.Quota)
	assert.Equal(t, time.Hour, quota.RetryAfter)

	e.clock.advance(time.Hour + time.Second)
	_, err = e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: "later"})
	require.NoError(t, err)
}

func TestSendRollsBackWhenCountersFail(t *testing.T) {
	boom := errors.New("write conflict")
	e := newTestEnv(t, withStore(func(s registrystore.MessagingStore) registrystore.MessagingStore {
		return &failingStore{MessagingStore: s, recordErr: boom}
	}))
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	_, err := e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "a", Content: "lost"})
	require.ErrorIs(t, err, boom)

	msgs, err := e.store.ListMessages(ctx, registrystore.MessageListQuery{Conversation: conv})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, e.conversation(t, conv.ID).MessageCount)
	e.svc.Wait()
	assert.Empty(t, e.notifier.sent)
}

func TestEditWindow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	fresh := e.send(t, conv.ID, "a", "first draft")
	e.clock.advance(14 * time.Minute)
	edited, err := e.svc.EditMessage(ctx, EditMessageRequest{MessageID: fresh.ID, UserID: "a", Content: "<i>final</i> draft"})
	require.NoError(t, err)
	assert.Equal(t, "<i>final</i> draft", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, t0.Add(14*time.Minute), *edited.EditedAt)

	stale := e.send(t, conv.ID, "a", "old news")
	e.clock.advance(16 * time.Minute)
	_, err = e.svc.EditMessage(ctx, EditMessageRequest{MessageID: stale.ID, UserID: "a", Content: "rewrite"})
	var expired *EditWindowExpiredError
	require.True(t, errors.As(err, &expired), "got %v", err)
	assert.Equal(t, 15*time.Minute, expired.Window)
	assert.Equal(t, "old news", e.message(t, stale.ID).Content)

	for _, id := range []string{fresh.ID, stale.ID} {
		_, err = e.svc.EditMessage(ctx, EditMessageRequest{MessageID: id, UserID: "b", Content: "hijack"})
		var forbidden *registrystore.ForbiddenError
		assert.True(t, errors.As(err, &forbidden), "got %v", err)
	}

	recent := e.send(t, conv.ID, "b", "mine")
	_, err = e.svc.EditMessage(ctx, EditMessageRequest{MessageID: recent.ID, UserID: "a", Content: "hijack"})
	var forbidden *registrystore.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))
}

func TestEditRejectsSpamContent(t *testing.T) {
	e := newTestEnv(t)
	conv := e.direct(t, "a", "b")
	msg := e.send(t, conv.ID, "a", "hello")

	_, err := e.svc.EditMessage(context.Background(), EditMessageRequest{
		MessageID: msg.ID, UserID: "a", Content: strings.Repeat("https://spam.example ", 8),
	})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Equal(t, "hello", e.message(t, msg.ID).Content)
}

func TestEditRefreshesPreviewOnlyForLastMessage(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	older := e.send(t, conv.ID, "a", "older")
	e.clock.advance(time.Second)
	newer := e.send(t, conv.ID, "a", "newer")

	_, err := e.svc.EditMessage(ctx, EditMessageRequest{MessageID: older.ID, UserID: "a", Content: "older, edited"})
	require.NoError(t, err)
	last := e.conversation(t, conv.ID).LastMessage
	assert.Equal(t, newer.ID, last.MessageID)
	assert.Equal(t, "newer", last.Content)

	_, err = e.svc.EditMessage(ctx, EditMessageRequest{MessageID: newer.ID, UserID: "a", Content: "<b>newer</b>, edited"})
	require.NoError(t, err)
	last = e.conversation(t, conv.ID).LastMessage
	assert.Equal(t, newer.ID, last.MessageID)
	assert.Equal(t, "newer, edited", last.Content)
}

func TestDeleteMessageRecomputesPreview(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")

	var msgs []*model.Message
	for _, text := range []string{"one", "two", "three"} {
		msgs = append(msgs, e.send(t, conv.ID, "a", text))
		e.clock.advance(time.Second)
	}

	var forbidden *registrystore.ForbiddenError
	require.True(t, errors.As(e.svc.DeleteMessage(ctx, msgs[1].ID, "b"), &forbidden))

	require.NoError(t, e.svc.DeleteMessage(ctx, msgs[1].ID, "a"))
	deleted := e.message(t, msgs[1].ID)
	assert.Equal(t, model.DeletedContent, deleted.Content)
	assert.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, msgs[2].ID, e.conversation(t, conv.ID).LastMessage.MessageID)

	require.NoError(t, e.svc.DeleteMessage(ctx, msgs[2].ID, "a"))
	stored := e.conversation(t, conv.ID)
	assert.Equal(t, msgs[0].ID, stored.LastMessage.MessageID)
	assert.Equal(t, "one", stored.LastMessage.Content)
	require.NotNil(t, stored.LastMessageAt)
	assert.Equal(t, msgs[0].CreatedAt, *stored.LastMessageAt)
	assert.Equal(t, int64(3), stored.MessageCount)

	require.NoError(t, e.svc.DeleteMessage(ctx, msgs[0].ID, "a"))
	stored = e.conversation(t, conv.ID)
	assert.Nil(t, stored.LastMessage)
	assert.Nil(t, stored.LastMessageAt)
	assert.Empty(t, stored.LastMessagePreview)

	var nf *registrystore.NotFoundError
	assert.True(t, errors.As(e.svc.DeleteMessage(ctx, msgs[0].ID, "a"), &nf))
}

func TestToggleReaction(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")
	msg := e.send(t, conv.ID, "a", "party on saturday?")

	var got *model.Message
	var err error
	for i := 1; i <= 5; i++ {
		got, err = e.svc.ToggleReaction(ctx, msg.ID, "b", "B", "🎉")
		require.NoError(t, err)
		if i%2 == 1 {
			require.Len(t, got.Reactions, 1, "after %d toggles", i)
			assert.Equal(t, "b", got.Reactions[0].UserID)
		} else {
			assert.Empty(t, got.Reactions, "after %d toggles", i)
		}
	}

	got, err = e.svc.ToggleReaction(ctx, msg.ID, "a", "A", "🎉")
	require.NoError(t, err)
	assert.Len(t, got.Reactions, 2)

	_, err = e.svc.ToggleReaction(ctx, msg.ID, "mallory", "M", "👍")
	var forbidden *registrystore.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))

	_, err = e.svc.ToggleReaction(ctx, msg.ID, "b", "B", "  ")
	var verr *registrystore.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestListMessagesPaging(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")
	for i := range 5 {
		e.send(t, conv.ID, "a", numbered("m", i))
		e.clock.advance(time.Second)
	}

	page, err := e.svc.ListMessages(ctx, conv.ID, "b", nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m 4", "m 3"}, contents(page))

	// A message arriving between pages must not shift the next page.
	e.send(t, conv.ID, "b", "interleaved")

	cursor := page[len(page)-1].CreatedAt
	page, err = e.svc.ListMessages(ctx, conv.ID, "b", &cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m 2", "m 1"}, contents(page))

	_, err = e.svc.ListMessages(ctx, conv.ID, "mallory", nil, 2)
	var forbidden *registrystore.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))
}

func TestLegacyThreadMessaging(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.store.SeedConversation(model.Conversation{
		ID:          "thd_1",
		CustomerID:  "c1",
		SupplierID:  "s1",
		RecipientID: "s1",
		CreatedAt:   t0,
		UpdatedAt:   t0,
	})

	msg := e.send(t, "thd_1", "c1", "is the venue free in june?")
	assert.Equal(t, "thd_1", msg.ConversationID)
	stored := e.conversation(t, "thd_1")
	assert.Equal(t, int64(1), stored.UnreadCounts["s1"])
	assert.NotContains(t, stored.UnreadCounts, "c1")

	view, err := e.svc.GetConversation(ctx, "thd_1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.UnreadCount)
	assert.Equal(t, []string{"c1", "s1"}, view.ParticipantIDs)

	_, err = e.svc.MarkAsRead(ctx, "thd_1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.conversation(t, "thd_1").UnreadCounts["s1"])
	assert.Equal(t, model.MessageStatusRead, e.message(t, msg.ID).Status)

	_, err = e.svc.SendMessage(ctx, SendMessageRequest{ConversationID: "thd_1", SenderID: "x9", Content: "hi"})
	var forbidden *registrystore.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))
}

func TestEditAndDeleteInDeletedConversation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	conv := e.direct(t, "a", "b")
	msg := e.send(t, conv.ID, "a", "see you at the venue")
	require.NoError(t, e.svc.DeleteConversation(ctx, conv.ID, "a"))

	var nf *registrystore.NotFoundError
	_, err := e.svc.EditMessage(ctx, EditMessageRequest{MessageID: msg.ID, UserID: "a", Content: "changed", Tier: TierPro})
	assert.True(t, errors.As(err, &nf), "edit: %v", err)
	assert.True(t, errors.As(e.svc.DeleteMessage(ctx, msg.ID, "a"), &nf), "delete")

	stored := e.message(t, msg.ID)
	assert.Equal(t, "see you at the venue", stored.Content)
	assert.Nil(t, stored.DeletedAt)
}
