package store

import (
	"context"
	"fmt"
	"time"

	"github.com/plannr/messaging-service/internal/model"
)

// ConversationQuery narrows FindActiveConversations. The store may return a
// superset; callers filter exactly with the participants adapter.
type ConversationQuery struct {
	ParticipantIDs []string
	ContextType    string
	ContextID      string
	Types          []model.ConversationType
}

// ConversationListQuery holds parameters for listing a user's conversations.
type ConversationListQuery struct {
	UserID string
	Status model.ConversationStatus
	Before *time.Time
	Limit  int
}

// MessageListQuery holds parameters for paging through a conversation. Pages
// are newest first, skip soft-deleted messages and only include messages
// created strictly before Before.
type MessageListQuery struct {
	Conversation *model.Conversation
	Before       *time.Time
	Limit        int
}

// MessageSentUpdate is the set of derived-counter changes applied after a message insert.
type MessageSentUpdate struct {
	LastMessage  model.LastMessage
	RecipientIDs []string
	At           time.Time
}

// ParticipantSettings holds the per-participant toggles. Nil fields are left unchanged.
type ParticipantSettings struct {
	IsPinned   *bool `json:"isPinned,omitempty"`
	IsMuted    *bool `json:"isMuted,omitempty"`
	IsArchived *bool `json:"isArchived,omitempty"`
}

// MessageFlags holds bulk-settable message flags. Nil fields are left unchanged.
type MessageFlags struct {
	IsStarred  *bool
	IsArchived *bool
}

// MessagingStore is the persistence contract of the messaging core. Every
// mutation is a single atomic document update; nothing read-modify-writes a
// whole document.
type MessagingStore interface {
	// Conversations
	GetConversation(ctx context.Context, ref string) (*model.Conversation, error)
	FindActiveConversations(ctx context.Context, query ConversationQuery) ([]model.Conversation, error)
	// CreateConversation inserts conv. When conv.DedupKey collides with an
	// active conversation the existing one is returned with created=false.
	CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error)
	ListConversations(ctx context.Context, query ConversationListQuery) ([]model.Conversation, error)
	CountConversationsCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SetConversationStatus(ctx context.Context, conv *model.Conversation, status model.ConversationStatus, at time.Time) error
	// UpdateParticipantSettings and MarkConversationRead are per-participant
	// and leave updatedAt, the list ordering key, untouched.
	UpdateParticipantSettings(ctx context.Context, conv *model.Conversation, userID string, settings ParticipantSettings) error

	// Derived counters
	RecordMessageSent(ctx context.Context, conv *model.Conversation, update MessageSentUpdate) error
	// ReplaceLastMessage sets the cached preview only while it still points at
	// expectedMessageID; an empty expectedMessageID matches a conversation
	// without a preview. A nil last clears the preview.
	ReplaceLastMessage(ctx context.Context, conv *model.Conversation, expectedMessageID string, last *model.LastMessage) error
	MarkConversationRead(ctx context.Context, conv *model.Conversation, userID string, at time.Time) error

	// Messages
	InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	// DeleteMessageRecord hard-deletes a message. Only used to roll back a failed send.
	DeleteMessageRecord(ctx context.Context, messageID string) error
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error)
	ListMessages(ctx context.Context, query MessageListQuery) ([]model.Message, error)
	// LatestVisibleMessage returns the newest non-deleted message, or nil.
	LatestVisibleMessage(ctx context.Context, conv *model.Conversation) (*model.Message, error)
	CountMessagesSentSince(ctx context.Context, senderID string, since time.Time) (int64, error)
	UpdateMessageContent(ctx context.Context, messageID, content string, editedAt time.Time) (*model.Message, error)
	SoftDeleteMessages(ctx context.Context, messageIDs []string, tombstone string, at time.Time) error
	SetMessageFlags(ctx context.Context, messageIDs []string, flags MessageFlags, at time.Time) error
	RestoreMessages(ctx context.Context, snapshots []model.MessageSnapshot, at time.Time) error
	// ToggleReaction removes the (userID, emoji) reaction when present and appends it otherwise.
	ToggleReaction(ctx context.Context, messageID string, reaction model.Reaction) (*model.Message, error)

	// Read tracking
	MarkMessagesRead(ctx context.Context, conv *model.Conversation, userID string, at time.Time) (int64, error)
	// PromoteReadMessages sets status=read on messages every participant has read.
	PromoteReadMessages(ctx context.Context, conv *model.Conversation, participantIDs []string) (int64, error)

	// Bulk operations
	CreateBulkOperation(ctx context.Context, op *model.BulkOperation) error
	GetBulkOperation(ctx context.Context, operationID string) (*model.BulkOperation, error)
	// ConsumeBulkOperation marks the operation undone, failing with
	// NotFoundError if it was already consumed.
	ConsumeBulkOperation(ctx context.Context, operationID string, at time.Time) (*model.BulkOperation, error)
	// DeleteBulkOperation removes an operation record. Missing records are not an error.
	DeleteBulkOperation(ctx context.Context, operationID string) error
	DeleteExpiredBulkOperations(ctx context.Context, cutoff time.Time) (int64, error)
}

// Loader creates a MessagingStore from config.
type Loader func(ctx context.Context) (MessagingStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
