package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreateConversationDedup(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	created := make([]bool, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, ok, err := s.CreateConversation(ctx, &model.Conversation{
				Type:           model.ConversationTypeDirect,
				ParticipantIDs: []string{"a", "b"},
				Status:         model.ConversationStatusActive,
				DedupKey:       "direct:a|b",
			})
			require.NoError(t, err)
			ids[i], created[i] = conv.ID, ok
		}(i)
	}
	wg.Wait()

	n := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			n++
		}
	}
	assert.Equal(t, 1, n)

	conv, err := s.GetConversation(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, s.SetConversationStatus(ctx, conv, model.ConversationStatusArchived, t0))
	again, ok, err := s.CreateConversation(ctx, &model.Conversation{Status: model.ConversationStatusActive, DedupKey: "direct:a|b"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, ids[0], again.ID)
}

func TestLegacyThreadAddressing(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SeedConversation(model.Conversation{
		ID: "65f0c0ffee0000000000abcd", LegacyID: "thd_1", SchemaVersion: model.SchemaVersionLegacy,
		CustomerID: "c1", SupplierID: "s1",
	})
	s.SeedMessage(model.Message{ID: "m1", ConversationID: "thd_1", SenderID: "c1", Content: "hi", CreatedAt: t0})

	conv, err := s.GetConversation(ctx, "thd_1")
	require.NoError(t, err)
	msgs, err := s.ListMessages(ctx, registrystore.MessageListQuery{Conversation: conv})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.RecordMessageSent(ctx, conv, registrystore.MessageSentUpdate{
		LastMessage:  model.LastMessage{MessageID: "m2", Content: "yo", SenderID: "s1", SentAt: t0},
		RecipientIDs: []string{"c1"},
		At:           t0,
	}))
	conv, _ = s.GetConversation(ctx, "65f0c0ffee0000000000abcd")
	assert.Equal(t, int64(1), conv.UnreadCounts["c1"])
	assert.Equal(t, int64(1), conv.MessageCount)

	found, err := s.FindActiveConversations(ctx, registrystore.ConversationQuery{ParticipantIDs: []string{"s1", "c1"}})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = s.GetConversation(ctx, "missing")
	var nf *registrystore.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestToggleReaction(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg, err := s.InsertMessage(ctx, &model.Message{ConversationID: "c", SenderID: "a", CreatedAt: t0})
	require.NoError(t, err)

	r := model.Reaction{UserID: "b", Emoji: "👍", CreatedAt: t0}
	m, err := s.ToggleReaction(ctx, msg.ID, r)
	require.NoError(t, err)
	assert.Len(t, m.Reactions, 1)
	m, _ = s.ToggleReaction(ctx, msg.ID, model.Reaction{UserID: "b", Emoji: "🎉"})
	assert.Len(t, m.Reactions, 2)
	m, _ = s.ToggleReaction(ctx, msg.ID, r)
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, "🎉", m.Reactions[0].Emoji)
}

func TestReplaceLastMessageIsConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv, _, _ := s.CreateConversation(ctx, &model.Conversation{ParticipantIDs: []string{"a", "b"}})
	require.NoError(t, s.RecordMessageSent(ctx, conv, registrystore.MessageSentUpdate{
		LastMessage: model.LastMessage{MessageID: "m2", Content: "new"}, At: t0,
	}))

	require.NoError(t, s.ReplaceLastMessage(ctx, conv, "m1", &model.LastMessage{MessageID: "x"}))
	got, _ := s.GetConversation(ctx, conv.ID)
	assert.Equal(t, "m2", got.LastMessage.MessageID)

	require.NoError(t, s.ReplaceLastMessage(ctx, conv, "m2", &model.LastMessage{MessageID: "m1", Content: "old", SentAt: t0.Add(-time.Minute)}))
	got, _ = s.GetConversation(ctx, conv.ID)
	require.NotNil(t, got.LastMessageAt)
	assert.Equal(t, t0.Add(-time.Minute), *got.LastMessageAt)

	require.NoError(t, s.ReplaceLastMessage(ctx, conv, "m1", nil))
	got, _ = s.GetConversation(ctx, conv.ID)
	assert.Nil(t, got.LastMessage)
	assert.Nil(t, got.LastMessageAt)
	assert.Empty(t, got.LastMessagePreview)
}

func TestReadTrackingAndPromotion(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv, _, _ := s.CreateConversation(ctx, &model.Conversation{ParticipantIDs: []string{"a", "b", "c"}})
	for i := range 3 {
		_, err := s.InsertMessage(ctx, &model.Message{
			ConversationID: conv.ID, SenderID: "a", Status: model.MessageStatusSent,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	n, err := s.MarkMessagesRead(ctx, conv, "b", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, _ = s.MarkMessagesRead(ctx, conv, "b", t0)
	assert.Zero(t, n)

	n, _ = s.PromoteReadMessages(ctx, conv, []string{"a", "b", "c"})
	assert.Zero(t, n)
	_, _ = s.MarkMessagesRead(ctx, conv, "c", t0)
	n, _ = s.PromoteReadMessages(ctx, conv, []string{"a", "b", "c"})
	assert.Equal(t, int64(3), n)
}

func TestBulkOperationConsumeOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	op := &model.BulkOperation{ID: "op1", UserID: "a", ExpiresAt: t0.Add(30 * time.Second)}
	require.NoError(t, s.CreateBulkOperation(ctx, op))

	_, err := s.ConsumeBulkOperation(ctx, "op1", t0)
	require.NoError(t, err)
	_, err = s.ConsumeBulkOperation(ctx, "op1", t0)
	var nf *registrystore.NotFoundError
	assert.ErrorAs(t, err, &nf)

	n, err := s.DeleteExpiredBulkOperations(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSoftDeleteAndRestore(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg, _ := s.InsertMessage(ctx, &model.Message{
		ConversationID: "c", SenderID: "a", Content: "hello",
		Attachments: []model.Attachment{{URL: "https://x/y.png", Filename: "y.png"}}, CreatedAt: t0,
	})
	snap := model.SnapshotOf(msg)

	require.NoError(t, s.SoftDeleteMessages(ctx, []string{msg.ID}, model.DeletedContent, t0))
	got, _ := s.GetMessage(ctx, msg.ID)
	assert.True(t, got.Deleted())
	assert.Equal(t, model.DeletedContent, got.Content)
	assert.Empty(t, got.Attachments)

	require.NoError(t, s.RestoreMessages(ctx, []model.MessageSnapshot{snap}, t0))
	got, _ = s.GetMessage(ctx, msg.ID)
	assert.False(t, got.Deleted())
	assert.Equal(t, "hello", got.Content)
	assert.Len(t, got.Attachments, 1)
}

func TestReadAndSettingsKeepListOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	older, _, _ := s.CreateConversation(ctx, &model.Conversation{
		Participants: []model.Participant{{UserID: "a"}, {UserID: "b"}}, UpdatedAt: t0,
	})
	newer, _, _ := s.CreateConversation(ctx, &model.Conversation{
		Participants: []model.Participant{{UserID: "a"}, {UserID: "c"}}, UpdatedAt: t0.Add(time.Minute),
	})

	later := t0.Add(time.Hour)
	require.NoError(t, s.MarkConversationRead(ctx, older, "a", later))
	pinned := true
	require.NoError(t, s.UpdateParticipantSettings(ctx, older, "a", registrystore.ParticipantSettings{IsPinned: &pinned}))

	cursor := t0.Add(time.Minute)
	page, err := s.ListConversations(ctx, registrystore.ConversationListQuery{UserID: "a", Before: &cursor})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)
	assert.Equal(t, t0, page[0].UpdatedAt)

	all, err := s.ListConversations(ctx, registrystore.ConversationListQuery{UserID: "a"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID, all[0].ID)
}
