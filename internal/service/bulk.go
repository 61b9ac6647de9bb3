package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/plannr/messaging-service/internal/model"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
)

// MaxBulkItems bounds the number of IDs accepted by a bulk operation.
const MaxBulkItems = 100

// BulkDeleteResult is returned by BulkDelete. UndoToken is only ever
// returned here; the store keeps its hash.
type BulkDeleteResult struct {
	Operation *model.BulkOperation `json:"operation"`
	UndoToken string               `json:"undoToken"`
}

func newUndoToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate undo token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(hash, token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(hashToken(token))) == 1
}

func bulkIDs(field string, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, &registrystore.ValidationError{Field: field, Message: "at least one ID is required"}
	}
	if len(out) > MaxBulkItems {
		return nil, &registrystore.ValidationError{Field: field, Message: fmt.Sprintf("at most %d IDs per request", MaxBulkItems)}
	}
	return out, nil
}

// loadMessages fetches every ID or fails with NotFoundError on the first missing one.
func (s *MessagingService) loadMessages(ctx context.Context, ids []string) ([]model.Message, error) {
	msgs, err := s.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(msgs) == len(ids) {
		return msgs, nil
	}
	for _, id := range ids {
		if !slices.ContainsFunc(msgs, func(m model.Message) bool { return m.ID == id }) {
			return nil, &registrystore.NotFoundError{Resource: "message", ID: id}
		}
	}
	return msgs, nil
}

func conversationIDs(msgs []model.Message) []string {
	var out []string
	for _, m := range msgs {
		if !slices.Contains(out, m.ConversationID) {
			out = append(out, m.ConversationID)
		}
	}
	return out
}

// BulkDelete soft-deletes messages sent by userID and records a snapshot
// that UndoOperation can restore until the undo window closes.
func (s *MessagingService) BulkDelete(ctx context.Context, userID string, messageIDs []string) (*BulkDeleteResult, error) {
	ids, err := bulkIDs("messageIds", messageIDs)
	if err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	var targets []model.Message
	for _, m := range msgs {
		if m.SenderID != userID {
			return nil, &registrystore.ForbiddenError{Resource: "message", Reason: "only the sender can delete a message"}
		}
		if !m.Deleted() {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return nil, &registrystore.ValidationError{Field: "messageIds", Message: "all messages are already deleted"}
	}
	for _, ref := range conversationIDs(targets) {
		if _, err := s.participantConversation(ctx, ref, userID); err != nil {
			return nil, err
		}
	}

	token, err := newUndoToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	op := &model.BulkOperation{
		ID:              uuid.NewString(),
		UserID:          userID,
		Kind:            model.BulkOperationDelete,
		ConversationIDs: conversationIDs(targets),
		UndoToken:       hashToken(token),
		ExpiresAt:       now.Add(s.opts.UndoWindow),
		CreatedAt:       now,
	}
	for i := range targets {
		op.MessageIDs = append(op.MessageIDs, targets[i].ID)
		op.Snapshots = append(op.Snapshots, model.SnapshotOf(&targets[i]))
	}
	if err := s.store.CreateBulkOperation(ctx, op); err != nil {
		return nil, err
	}
	if err := s.store.SoftDeleteMessages(ctx, op.MessageIDs, model.DeletedContent, now); err != nil {
		if derr := s.store.DeleteBulkOperation(ctx, op.ID); derr != nil {
			log.Error("Failed to drop undo record of a failed bulk delete", "operation", op.ID, "err", derr)
		}
		return nil, err
	}
	s.syncPreviews(ctx, op.ConversationIDs)
	log.Info("Bulk delete", "operation", op.ID, "user", userID, "messages", len(op.MessageIDs))

	out := *op
	out.Snapshots = nil
	out.UndoToken = ""
	return &BulkDeleteResult{Operation: &out, UndoToken: token}, nil
}

// UndoOperation restores every message of a bulk operation to its
// snapshotted state. Each operation can be undone once by its owner.
func (s *MessagingService) UndoOperation(ctx context.Context, operationID, token, userID string) (*model.BulkOperation, error) {
	op, err := s.store.GetBulkOperation(ctx, operationID)
	if isNotFound(err) {
		return nil, &UndoNotFoundError{OperationID: operationID}
	}
	if err != nil {
		return nil, err
	}
	if op.UserID != userID || op.UndoneAt != nil || !tokenMatches(op.UndoToken, token) {
		return nil, &UndoNotFoundError{OperationID: operationID}
	}
	now := s.now()
	if now.After(op.ExpiresAt) {
		return nil, &UndoExpiredError{OperationID: operationID, ExpiredAt: op.ExpiresAt}
	}
	op, err = s.store.ConsumeBulkOperation(ctx, operationID, now)
	if isNotFound(err) {
		return nil, &UndoNotFoundError{OperationID: operationID}
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.RestoreMessages(ctx, op.Snapshots, now); err != nil {
		log.Error("Undo restore failed after the operation was consumed", "operation", operationID, "err", err)
		return nil, err
	}
	s.syncPreviews(ctx, op.ConversationIDs)
	log.Info("Bulk operation undone", "operation", op.ID, "user", userID, "messages", len(op.MessageIDs))
	op.Snapshots = nil
	op.UndoToken = ""
	return op, nil
}

// BulkMarkRead marks every listed conversation read for userID and returns
// the total number of messages newly marked read.
func (s *MessagingService) BulkMarkRead(ctx context.Context, userID string, conversationIDs []string) (int64, error) {
	ids, err := bulkIDs("conversationIds", conversationIDs)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		n, err := s.MarkAsRead(ctx, id, userID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// BulkFlag stars or unstars messages in conversations userID belongs to.
func (s *MessagingService) BulkFlag(ctx context.Context, userID string, messageIDs []string, starred bool) (int, error) {
	return s.setFlags(ctx, userID, messageIDs, registrystore.MessageFlags{IsStarred: &starred})
}

// BulkArchive archives or unarchives messages in conversations userID belongs to.
func (s *MessagingService) BulkArchive(ctx context.Context, userID string, messageIDs []string, archived bool) (int, error) {
	return s.setFlags(ctx, userID, messageIDs, registrystore.MessageFlags{IsArchived: &archived})
}

func (s *MessagingService) setFlags(ctx context.Context, userID string, messageIDs []string, flags registrystore.MessageFlags) (int, error) {
	ids, err := bulkIDs("messageIds", messageIDs)
	if err != nil {
		return 0, err
	}
	msgs, err := s.loadMessages(ctx, ids)
	if err != nil {
		return 0, err
	}
	for _, ref := range conversationIDs(msgs) {
		if _, err := s.participantConversation(ctx, ref, userID); err != nil {
			return 0, err
		}
	}
	if err := s.store.SetMessageFlags(ctx, ids, flags, s.now()); err != nil {
		return 0, err
	}
	return len(ids), nil
}
