// Package service implements the messaging core: conversation creation with
// deduplication, message send/edit/delete, reactions, read tracking and
// undoable bulk operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/plannr/messaging-service/internal/config"
	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/participants"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/sanitize"
	"github.com/plannr/messaging-service/internal/security"
	"github.com/plannr/messaging-service/internal/spam"
)

// PreviewLength is the maximum number of runes kept in a conversation preview.
const PreviewLength = 100

// Options tunes the messaging rules.
type Options struct {
	Spam spam.Options
	// QuotaFailOpen allows an action when its quota cannot be evaluated.
	QuotaFailOpen bool
	EditWindow    time.Duration
	UndoWindow    time.Duration
	NotifyTimeout time.Duration
}

// DefaultOptions returns the standard messaging rules.
func DefaultOptions() Options {
	return Options{
		Spam:          spam.DefaultOptions(),
		QuotaFailOpen: true,
		EditWindow:    15 * time.Minute,
		UndoWindow:    30 * time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	opts.Spam.RateLimit = cfg.SpamRateLimit
	opts.Spam.RateWindow = cfg.SpamRateWindow
	opts.Spam.DuplicateWindow = cfg.SpamDuplicateWindow
	opts.Spam.MaxURLCount = cfg.SpamMaxURLs
	opts.Spam.Keywords = cfg.Keywords()
	opts.QuotaFailOpen = cfg.QuotaFailOpen
	if cfg.EditWindow > 0 {
		opts.EditWindow = cfg.EditWindow
	}
	if cfg.UndoWindow > 0 {
		opts.UndoWindow = cfg.UndoWindow
	}
	opts.NotifyTimeout = cfg.NotifyTimeout
	return opts
}

// MessagingService orchestrates the messaging operations over a store.
type MessagingService struct {
	store     registrystore.MessagingStore
	sanitizer sanitize.Sanitizer
	spam      *spam.Detector
	notifier  registrynotify.Dispatcher
	opts      Options
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewMessagingService creates the service. detector and notifier may be nil
// to disable spam scoring and notification dispatch.
func NewMessagingService(store registrystore.MessagingStore, sanitizer sanitize.Sanitizer, detector *spam.Detector, notifier registrynotify.Dispatcher, opts Options) *MessagingService {
	if sanitizer == nil {
		sanitizer = sanitize.NewHTML()
	}
	return &MessagingService{
		store:     store,
		sanitizer: sanitizer,
		spam:      detector,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *MessagingService) WithClock(now func() time.Time) *MessagingService {
	s.now = now
	return s
}

// Wait blocks until all in-flight notification dispatches have returned.
func (s *MessagingService) Wait() {
	s.wg.Wait()
}

// participantConversation loads ref and requires userID to be a member.
// Deleted conversations are reported as not found.
func (s *MessagingService) participantConversation(ctx context.Context, ref, userID string) (*model.Conversation, error) {
	if ref == "" {
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "conversation ID is required"}
	}
	conv, err := s.store.GetConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.ConversationStatusDeleted {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: ref}
	}
	if !participants.IsParticipant(conv, userID) {
		return nil, &registrystore.ForbiddenError{Resource: "conversation", Reason: "not a participant"}
	}
	return conv, nil
}

// checkQuota counts the actions in the trailing window and rejects once
// limit is reached. Count failures honour QuotaFailOpen.
func (s *MessagingService) checkQuota(ctx context.Context, quota string, tier Tier, limit int, window time.Duration, count func(context.Context, time.Time) (int64, error)) error {
	if limit == Unlimited {
		return nil
	}
	n, err := count(ctx, s.now().Add(-window))
	if err != nil {
		security.QuotaEvaluationFailed()
		if s.opts.QuotaFailOpen {
			log.Warn("Quota evaluation failed, allowing action", "quota", quota, "err", err)
			return nil
		}
		return fmt.Errorf("evaluate %s quota: %w", quota, err)
	}
	if n >= int64(limit) {
		security.QuotaRejected(quota)
		return &QuotaExceededError{Quota: quota, Limit: limit, Tier: tier.Name, RetryAfter: window}
	}
	return nil
}

func (s *MessagingService) checkLength(tier Tier, content string) error {
	if tier.MaxMessageLength == Unlimited || utf8.RuneCountInString(content) <= tier.MaxMessageLength {
		return nil
	}
	security.QuotaRejected(QuotaMessageLength)
	return &QuotaExceededError{Quota: QuotaMessageLength, Limit: tier.MaxMessageLength, Tier: tier.Name}
}

func (s *MessagingService) checkSpam(ctx context.Context, senderID, content string, opts spam.Options) error {
	if s.spam == nil {
		return nil
	}
	res := s.spam.Check(ctx, senderID, content, opts)
	if !res.IsSpam {
		return nil
	}
	security.SpamRejected()
	log.Warn("Message rejected as spam", "sender", senderID, "score", res.Score, "reason", res.Reason)
	var retry time.Duration
	switch {
	case res.Details.RateLimited:
		retry = opts.RateWindow
	case res.Details.Duplicate:
		retry = opts.DuplicateWindow
	}
	return &RateLimitError{Reason: res.Reason, Score: res.Score, RetryAfter: retry}
}

// preview builds the denormalized last-message fields for msg.
func (s *MessagingService) preview(msg *model.Message) model.LastMessage {
	text := sanitize.PlainText(s.sanitizer, msg.Content)
	if text == "" && len(msg.Attachments) > 0 {
		text = msg.Attachments[0].Filename
	}
	if utf8.RuneCountInString(text) > PreviewLength {
		text = string([]rune(text)[:PreviewLength])
	}
	return model.LastMessage{
		MessageID:  msg.ID,
		Content:    text,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		SentAt:     msg.CreatedAt,
	}
}

// syncPreview points the cached preview of conv at its newest visible message.
func (s *MessagingService) syncPreview(ctx context.Context, conv *model.Conversation) error {
	expected := ""
	if conv.LastMessage != nil {
		expected = conv.LastMessage.MessageID
	}
	latest, err := s.store.LatestVisibleMessage(ctx, conv)
	if err != nil {
		return err
	}
	var last *model.LastMessage
	switch {
	case latest == nil && expected == "":
		return nil
	case latest != nil && latest.ID == expected:
		return nil
	case latest != nil:
		p := s.preview(latest)
		last = &p
	}
	return s.store.ReplaceLastMessage(ctx, conv, expected, last)
}

// syncPreviews re-syncs the preview of every conversation in refs.
func (s *MessagingService) syncPreviews(ctx context.Context, refs []string) {
	for _, ref := range refs {
		conv, err := s.store.GetConversation(ctx, ref)
		if err == nil {
			err = s.syncPreview(ctx, conv)
		}
		if err != nil {
			log.Error("Failed to refresh conversation preview", "conversation", ref, "err", err)
		}
	}
}

// dispatch runs fn in the background. The caller's mutation is already
// committed, so failures are only logged.
func (s *MessagingService) dispatch(ctx context.Context, event string, fn func(context.Context, registrynotify.Dispatcher) error) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.opts.NotifyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.NotifyTimeout)
			defer cancel()
		}
		if err := fn(ctx, s.notifier); err != nil {
			security.NotifyFailed(event)
			log.Warn("Notification dispatch failed", "event", event, "err", err)
		}
	}()
}

func isNotFound(err error) bool {
	var nf *registrystore.NotFoundError
	return errors.As(err, &nf)
}
