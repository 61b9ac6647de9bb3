package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/participants"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/sanitize"
	"github.com/plannr/messaging-service/internal/security"
)

const maxEmojiLength = 16

// SendMessageRequest holds the inputs of SendMessage.
type SendMessageRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	SenderTier     string
	Content        string
	Type           model.MessageType
	Attachments    []model.Attachment
	ReplyTo        string
	Metadata       map[string]any
}

// EditMessageRequest holds the inputs of EditMessage.
type EditMessageRequest struct {
	MessageID string
	UserID    string
	Tier      string
	Content   string
}

// SendMessage sanitizes, scores and persists a message, then updates the
// conversation counters. The message is removed again if the counter update
// fails.
func (s *MessagingService) SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error) {
	msg := &model.Message{
		SenderID:     strings.TrimSpace(req.SenderID),
		SenderName:   sanitize.PlainText(s.sanitizer, req.SenderName),
		SenderAvatar: req.SenderAvatar,
		Content:      req.Content,
		Type:         req.Type,
		Attachments:  slices.Clone(req.Attachments),
		ReplyTo:      req.ReplyTo,
		Metadata:     maps.Clone(req.Metadata),
	}
	sanitize.SanitizeMessage(s.sanitizer, msg, false)

	if msg.SenderID == "" {
		return nil, &registrystore.ValidationError{Field: "senderId", Message: "sender ID is required"}
	}
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}
	if !msg.Type.Valid() {
		return nil, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("invalid message type %q", msg.Type)}
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return nil, &registrystore.ValidationError{Field: "content", Message: "message content is empty"}
	}
	for i, a := range msg.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return nil, &registrystore.ValidationError{Field: fmt.Sprintf("attachments[%d].url", i), Message: "attachment URL is required"}
		}
	}

	if err := s.checkSpam(ctx, msg.SenderID, msg.Content, s.opts.Spam); err != nil {
		return nil, err
	}
	tier := TierFor(req.SenderTier)
	if err := s.checkLength(tier, msg.Content); err != nil {
		return nil, err
	}
	countSent := func(ctx context.Context, since time.Time) (int64, error) {
		return s.store.CountMessagesSentSince(ctx, msg.SenderID, since)
	}
	if err := s.checkQuota(ctx, QuotaMessagesPerHour, tier, tier.MessagesPerHour, hour, countSent); err != nil {
		return nil, err
	}
	if err := s.checkQuota(ctx, QuotaMessagesPerDay, tier, tier.MessagesPerDay, day, countSent); err != nil {
		return nil, err
	}

	conv, err := s.participantConversation(ctx, req.ConversationID, msg.SenderID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	msg.ConversationID = conv.ID
	msg.Status = model.MessageStatusSent
	msg.Reactions = []model.Reaction{}
	msg.ReadBy = []model.ReadReceipt{{UserID: msg.SenderID, ReadAt: now}}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	saved, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	recipients := participants.Recipients(conv, msg.SenderID)
	if err := s.store.RecordMessageSent(ctx, conv, registrystore.MessageSentUpdate{
		LastMessage:  s.preview(saved),
		RecipientIDs: recipients,
		At:           now,
	}); err != nil {
		if derr := s.store.DeleteMessageRecord(ctx, saved.ID); derr != nil {
			log.Error("Failed to roll back message insert", "message", saved.ID, "err", derr)
		}
		return nil, fmt.Errorf("update conversation counters: %w", err)
	}
	security.MessageSent()

	event := registrynotify.MessageSent{
		ConversationID: conv.ID,
		MessageID:      saved.ID,
		SenderID:       saved.SenderID,
		RecipientIDs:   recipients,
		SentAt:         now,
	}
	s.dispatch(ctx, registrynotify.EventMessageSent, func(ctx context.Context, d registrynotify.Dispatcher) error {
		return d.MessageSent(ctx, event)
	})
	return saved, nil
}

// senderMessage loads a visible message of a conversation userID still
// belongs to and requires userID to be its sender.
func (s *MessagingService) senderMessage(ctx context.Context, messageID, userID string) (*model.Message, *model.Conversation, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Deleted() {
		return nil, nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	conv, err := s.participantConversation(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != userID {
		return nil, nil, &registrystore.ForbiddenError{Resource: "message", Reason: "only the sender can change a message"}
	}
	return msg, conv, nil
}

// EditMessage replaces the content of a message within the edit window.
func (s *MessagingService) EditMessage(ctx context.Context, req EditMessageRequest) (*model.Message, error) {
	msg, conv, err := s.senderMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.Sub(msg.CreatedAt) > s.opts.EditWindow {
		return nil, &EditWindowExpiredError{Window: s.opts.EditWindow}
	}
	content := s.sanitizer.Sanitize(req.Content, false)
	if strings.TrimSpace(content) == "" && len(msg.Attachments) == 0 {
		return nil, &registrystore.ValidationError{Field: "content", Message: "message content is empty"}
	}
	if err := s.checkSpam(ctx, req.UserID, content, s.opts.Spam.ContentOnly()); err != nil {
		return nil, err
	}
	if err := s.checkLength(TierFor(req.Tier), content); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateMessageContent(ctx, msg.ID, content, now)
	if err != nil {
		return nil, err
	}
	last := s.preview(updated)
	if err := s.store.ReplaceLastMessage(ctx, conv, updated.ID, &last); err != nil {
		log.Error("Failed to refresh conversation preview", "conversation", updated.ConversationID, "err", err)
	}
	return updated, nil
}

// DeleteMessage soft-deletes a message. The conversation preview is
// recomputed only when it showed the deleted message.
func (s *MessagingService) DeleteMessage(ctx context.Context, messageID, userID string) error {
	msg, conv, err := s.senderMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeleteMessages(ctx, []string{msg.ID}, model.DeletedContent, s.now()); err != nil {
		return err
	}
	if conv.LastMessage != nil && conv.LastMessage.MessageID == msg.ID {
		if err := s.syncPreview(ctx, conv); err != nil {
			log.Error("Failed to refresh conversation preview", "conversation", conv.ID, "err", err)
		}
	}
	return nil
}

// ToggleReaction adds the (userID, emoji) reaction or removes it if present.
func (s *MessagingService) ToggleReaction(ctx context.Context, messageID, userID, userName, emoji string) (*model.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return nil, &registrystore.ValidationError{Field: "emoji", Message: "a single emoji is required"}
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	if _, err := s.participantConversation(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return s.store.ToggleReaction(ctx, msg.ID, model.Reaction{
		UserID:    userID,
		UserName:  sanitize.PlainText(s.sanitizer, userName),
		Emoji:     s.sanitizer.Sanitize(emoji, true),
		CreatedAt: s.now(),
	})
}

// MarkAsRead clears the unread counter of userID in ref and records read
// receipts. It returns the number of messages newly marked read.
func (s *MessagingService) MarkAsRead(ctx context.Context, ref, userID string) (int64, error) {
	conv, err := s.participantConversation(ctx, ref, userID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if err := s.store.MarkConversationRead(ctx, conv, userID, now); err != nil {
		return 0, err
	}
	n, err := s.store.MarkMessagesRead(ctx, conv, userID, now)
	if err != nil {
		return 0, err
	}
	if _, err := s.store.PromoteReadMessages(ctx, conv, participants.IDs(conv)); err != nil {
		return n, err
	}
	return n, nil
}

// ListMessages pages through ref newest first. before is an exclusive
// creation-time cursor.
func (s *MessagingService) ListMessages(ctx context.Context, ref, userID string, before *time.Time, limit int) ([]model.Message, error) {
	conv, err := s.participantConversation(ctx, ref, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, registrystore.MessageListQuery{
		Conversation: conv,
		Before:       before,
		Limit:        limit,
	})
}
