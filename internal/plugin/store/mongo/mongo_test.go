package mongo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *MongoStore {
	t.Helper()
	client := testmongo.Connect(t)
	s := New(client, "messaging_test")
	require.NoError(t, EnsureIndexes(context.Background(), s.db))
	return s
}

func TestMongoStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("legacy thread is addressable and counted", func(t *testing.T) {
		_, err := s.conversations().InsertOne(ctx, bson.M{
			"_id":         "thd_legacy",
			"customerId":  "cust-1",
			"supplierId":  "sup-1",
			"unreadCount": bson.M{"cust-1": int32(2)},
			"createdAt":   t0,
			"updatedAt":   t0,
		})
		require.NoError(t, err)
		_, err = s.messages().InsertOne(ctx, bson.M{
			"_id": bson.NewObjectID(), "threadId": "thd_legacy", "senderId": "sup-1",
			"content": "old hello", "createdAt": t0,
		})
		require.NoError(t, err)

		conv, err := s.GetConversation(ctx, "thd_legacy")
		require.NoError(t, err)
		assert.Equal(t, model.ConversationStatusActive, conv.Status)
		assert.Equal(t, int64(2), conv.UnreadCounts["cust-1"])

		msgs, err := s.ListMessages(ctx, registrystore.MessageListQuery{Conversation: conv})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "thd_legacy", msgs[0].ConversationID)
		assert.Equal(t, model.MessageTypeText, msgs[0].Type)

		require.NoError(t, s.RecordMessageSent(ctx, conv, registrystore.MessageSentUpdate{
			LastMessage:  model.LastMessage{MessageID: "m", Content: "hi", SenderID: "sup-1", SentAt: t0},
			RecipientIDs: []string{"cust-1"},
			At:           t0,
		}))
		conv, _ = s.GetConversation(ctx, "thd_legacy")
		assert.Equal(t, int64(3), conv.UnreadCounts["cust-1"])

		found, err := s.FindActiveConversations(ctx, registrystore.ConversationQuery{ParticipantIDs: []string{"sup-1", "cust-1"}})
		require.NoError(t, err)
		assert.Len(t, found, 1)

		list, err := s.ListConversations(ctx, registrystore.ConversationListQuery{UserID: "sup-1"})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("record shape counters", func(t *testing.T) {
		conv, created, err := s.CreateConversation(ctx, &model.Conversation{
			Type:          model.ConversationTypeMarketplace,
			SchemaVersion: model.SchemaVersionGold,
			Status:        model.ConversationStatusActive,
			Participants: []model.Participant{
				{UserID: "a", Role: model.RoleCustomer, JoinedAt: t0},
				{UserID: "b", Role: model.RoleSupplier, JoinedAt: t0},
			},
			CreatedBy: "a", CreatedAt: t0, UpdatedAt: t0,
		})
		require.NoError(t, err)
		require.True(t, created)

		require.NoError(t, s.RecordMessageSent(ctx, conv, registrystore.MessageSentUpdate{
			LastMessage:  model.LastMessage{MessageID: "m1", Content: "hey", SenderID: "a", SentAt: t0},
			RecipientIDs: []string{"b"},
			At:           t0,
		}))
		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.MessageCount)
		assert.Equal(t, int64(1), got.Participants[1].UnreadCount)
		assert.Zero(t, got.Participants[0].UnreadCount)
		assert.Equal(t, "m1", got.LastMessage.MessageID)

		require.NoError(t, s.MarkConversationRead(ctx, got, "b", t0))
		got, _ = s.GetConversation(ctx, conv.ID)
		assert.Zero(t, got.Participants[1].UnreadCount)
		require.NotNil(t, got.Participants[1].LastReadAt)

		pinned := true
		require.NoError(t, s.UpdateParticipantSettings(ctx, got, "a", registrystore.ParticipantSettings{IsPinned: &pinned}))
		got, _ = s.GetConversation(ctx, conv.ID)
		assert.True(t, got.Participants[0].IsPinned)
		assert.False(t, got.Participants[1].IsPinned)

		require.NoError(t, s.MarkConversationRead(ctx, got, "b", t0.Add(time.Hour)))
		got, _ = s.GetConversation(ctx, conv.ID)
		assert.True(t, got.UpdatedAt.Equal(t0), "read and settings keep the list position")

		require.NoError(t, s.ReplaceLastMessage(ctx, got, "m1", &model.LastMessage{MessageID: "m0", Content: "older", SenderID: "a", SentAt: t0.Add(-time.Minute)}))
		got, _ = s.GetConversation(ctx, conv.ID)
		require.NotNil(t, got.LastMessageAt)
		assert.True(t, got.LastMessageAt.Equal(t0.Add(-time.Minute)))
		require.NoError(t, s.ReplaceLastMessage(ctx, got, "m0", nil))
		got, _ = s.GetConversation(ctx, conv.ID)
		assert.Nil(t, got.LastMessage)
		assert.Nil(t, got.LastMessageAt)

		n, err := s.CountConversationsCreatedSince(ctx, "a", t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("dedup key is unique among active conversations", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := make(chan string, 6)
		for range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conv, _, err := s.CreateConversation(ctx, &model.Conversation{
					Type: model.ConversationTypeDirect, Status: model.ConversationStatusActive,
					ParticipantIDs: []string{"x", "y"}, DedupKey: "direct:x|y",
					CreatedAt: t0, UpdatedAt: t0,
				})
				if assert.NoError(t, err) {
					ids <- conv.ID
				}
			}()
		}
		wg.Wait()
		close(ids)
		seen := map[string]bool{}
		for id := range ids {
			seen[id] = true
		}
		assert.Len(t, seen, 1)
	})

	t.Run("messages", func(t *testing.T) {
		conv := &model.Conversation{ID: bson.NewObjectID().Hex()}
		var ids []string
		for i := range 3 {
			m, err := s.InsertMessage(ctx, &model.Message{
				ConversationID: conv.ID, SenderID: "a", Content: "hello",
				Type: model.MessageTypeText, Status: model.MessageStatusSent,
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			ids = append(ids, m.ID)
		}

		m, err := s.ToggleReaction(ctx, ids[0], model.Reaction{UserID: "b", Emoji: "👍", CreatedAt: t0})
		require.NoError(t, err)
		assert.Len(t, m.Reactions, 1)
		m, err = s.ToggleReaction(ctx, ids[0], model.Reaction{UserID: "b", Emoji: "👍", CreatedAt: t0})
		require.NoError(t, err)
		assert.Empty(t, m.Reactions)

		n, err := s.MarkMessagesRead(ctx, conv, "b", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		n, err = s.PromoteReadMessages(ctx, conv, []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		before, _ := s.GetMessage(ctx, ids[2])
		snap := model.SnapshotOf(before)
		require.NoError(t, s.SoftDeleteMessages(ctx, ids[2:], model.DeletedContent, t0))
		latest, err := s.LatestVisibleMessage(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, ids[1], latest.ID)

		require.NoError(t, s.RestoreMessages(ctx, []model.MessageSnapshot{snap}, t0))
		restored, _ := s.GetMessage(ctx, ids[2])
		assert.False(t, restored.Deleted())
		assert.Equal(t, "hello", restored.Content)

		edited, err := s.UpdateMessageContent(ctx, ids[2], "edited", t0)
		require.NoError(t, err)
		assert.NotNil(t, edited.EditedAt)

		page, err := s.ListMessages(ctx, registrystore.MessageListQuery{Conversation: conv, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
	})

	t.Run("bulk operation consumed once", func(t *testing.T) {
		require.NoError(t, s.CreateBulkOperation(ctx, &model.BulkOperation{
			ID: "op-1", UserID: "a", Kind: model.BulkOperationDelete,
			Snapshots: []model.MessageSnapshot{{MessageID: "m", Content: "c"}},
			UndoToken: "tok", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: t0,
		}))
		op, err := s.ConsumeBulkOperation(ctx, "op-1", t0)
		require.NoError(t, err)
		require.Len(t, op.Snapshots, 1)
		assert.Equal(t, "tok", op.UndoToken)

		_, err = s.ConsumeBulkOperation(ctx, "op-1", t0)
		var nf *registrystore.NotFoundError
		assert.ErrorAs(t, err, &nf)

		require.NoError(t, s.DeleteBulkOperation(ctx, "op-1"))
		_, err = s.GetBulkOperation(ctx, "op-1")
		assert.ErrorAs(t, err, &nf)
		require.NoError(t, s.DeleteBulkOperation(ctx, "op-1"))
	})
}
