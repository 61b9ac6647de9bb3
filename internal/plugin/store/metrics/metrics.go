package metrics

import (
	"context"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/security"
)

// Wrap returns a MessagingStore that records StoreLatency for every operation.
func Wrap(inner store.MessagingStore) store.MessagingStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MessagingStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetConversation(ctx context.Context, ref string) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, ref)
}

func (m *metricsStore) FindActiveConversations(ctx context.Context, query store.ConversationQuery) ([]model.Conversation, error) {
	defer observe("find_active_conversations", time.Now())
	return m.inner.FindActiveConversations(ctx, query)
}

func (m *metricsStore) CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, conv)
}

func (m *metricsStore) ListConversations(ctx context.Context, query store.ConversationListQuery) ([]model.Conversation, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, query)
}

func (m *metricsStore) CountConversationsCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	defer observe("count_conversations_created", time.Now())
	return m.inner.CountConversationsCreatedSince(ctx, userID, since)
}

func (m *metricsStore) SetConversationStatus(ctx context.Context, conv *model.Conversation, status model.ConversationStatus, at time.Time) error {
	defer observe("set_conversation_status", time.Now())
	return m.inner.SetConversationStatus(ctx, conv, status, at)
}

func (m *metricsStore) UpdateParticipantSettings(ctx context.Context, conv *model.Conversation, userID string, settings store.ParticipantSettings) error {
	defer observe("update_participant_settings", time.Now())
	return m.inner.UpdateParticipantSettings(ctx, conv, userID, settings)
}

func (m *metricsStore) RecordMessageSent(ctx context.Context, conv *model.Conversation, update store.MessageSentUpdate) error {
	defer observe("record_message_sent", time.Now())
	return m.inner.RecordMessageSent(ctx, conv, update)
}

func (m *metricsStore) ReplaceLastMessage(ctx context.Context, conv *model.Conversation, expectedMessageID string, last *model.LastMessage) error {
	defer observe("replace_last_message", time.Now())
	return m.inner.ReplaceLastMessage(ctx, conv, expectedMessageID, last)
}

func (m *metricsStore) MarkConversationRead(ctx context.Context, conv *model.Conversation, userID string, at time.Time) error {
	defer observe("mark_conversation_read", time.Now())
	return m.inner.MarkConversationRead(ctx, conv, userID, at)
}

func (m *metricsStore) InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	defer observe("insert_message", time.Now())
	return m.inner.InsertMessage(ctx, msg)
}

func (m *metricsStore) DeleteMessageRecord(ctx context.Context, messageID string) error {
	defer observe("delete_message_record", time.Now())
	return m.inner.DeleteMessageRecord(ctx, messageID)
}

func (m *metricsStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, messageID)
}

func (m *metricsStore) GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error) {
	defer observe("get_messages", time.Now())
	return m.inner.GetMessages(ctx, messageIDs)
}

func (m *metricsStore) ListMessages(ctx context.Context, query store.MessageListQuery) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, query)
}

func (m *metricsStore) LatestVisibleMessage(ctx context.Context, conv *model.Conversation) (*model.Message, error) {
	defer observe("latest_visible_message", time.Now())
	return m.inner.LatestVisibleMessage(ctx, conv)
}

func (m *metricsStore) CountMessagesSentSince(ctx context.Context, senderID string, since time.Time) (int64, error) {
	defer observe("count_messages_sent", time.Now())
	return m.inner.CountMessagesSentSince(ctx, senderID, since)
}

func (m *metricsStore) UpdateMessageContent(ctx context.Context, messageID, content string, editedAt time.Time) (*model.Message, error) {
	defer observe("update_message_content", time.Now())
	return m.inner.UpdateMessageContent(ctx, messageID, content, editedAt)
}

func (m *metricsStore) SoftDeleteMessages(ctx context.Context, messageIDs []string, tombstone string, at time.Time) error {
	defer observe("soft_delete_messages", time.Now())
	return m.inner.SoftDeleteMessages(ctx, messageIDs, tombstone, at)
}

func (m *metricsStore) SetMessageFlags(ctx context.Context, messageIDs []string, flags store.MessageFlags, at time.Time) error {
	defer observe("set_message_flags", time.Now())
	return m.inner.SetMessageFlags(ctx, messageIDs, flags, at)
}

func (m *metricsStore) RestoreMessages(ctx context.Context, snapshots []model.MessageSnapshot, at time.Time) error {
	defer observe("restore_messages", time.Now())
	return m.inner.RestoreMessages(ctx, snapshots, at)
}

func (m *metricsStore) ToggleReaction(ctx context.Context, messageID string, reaction model.Reaction) (*model.Message, error) {
	defer observe("toggle_reaction", time.Now())
	return m.inner.ToggleReaction(ctx, messageID, reaction)
}

func (m *metricsStore) MarkMessagesRead(ctx context.Context, conv *model.Conversation, userID string, at time.Time) (int64, error) {
	defer observe("mark_messages_read", time.Now())
	return m.inner.MarkMessagesRead(ctx, conv, userID, at)
}

func (m *metricsStore) PromoteReadMessages(ctx context.Context, conv *model.Conversation, participantIDs []string) (int64, error) {
	defer observe("promote_read_messages", time.Now())
	return m.inner.PromoteReadMessages(ctx, conv, participantIDs)
}

func (m *metricsStore) CreateBulkOperation(ctx context.Context, op *model.BulkOperation) error {
	defer observe("create_bulk_operation", time.Now())
	return m.inner.CreateBulkOperation(ctx, op)
}

func (m *metricsStore) GetBulkOperation(ctx context.Context, operationID string) (*model.BulkOperation, error) {
	defer observe("get_bulk_operation", time.Now())
	return m.inner.GetBulkOperation(ctx, operationID)
}

func (m *metricsStore) ConsumeBulkOperation(ctx context.Context, operationID string, at time.Time) (*model.BulkOperation, error) {
	defer observe("consume_bulk_operation", time.Now())
	return m.inner.ConsumeBulkOperation(ctx, operationID, at)
}

func (m *metricsStore) DeleteBulkOperation(ctx context.Context, operationID string) error {
	defer observe("delete_bulk_operation", time.Now())
	return m.inner.DeleteBulkOperation(ctx, operationID)
}

func (m *metricsStore) DeleteExpiredBulkOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("delete_expired_bulk_operations", time.Now())
	return m.inner.DeleteExpiredBulkOperations(ctx, cutoff)
}
