package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/participants"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
)

// ParticipantInput describes a member of a new conversation.
type ParticipantInput struct {
	UserID      string                `json:"userId"`
	DisplayName string                `json:"displayName"`
	Avatar      string                `json:"avatar,omitempty"`
	Role        model.ParticipantRole `json:"role"`
}

// CreateConversationRequest holds the inputs of CreateConversation.
type CreateConversationRequest struct {
	Type         model.ConversationType
	Participants []ParticipantInput
	Context      *model.ConversationContext
	Metadata     map[string]any
	CreatorID    string
	CreatorTier  string
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	*model.Conversation
	// ParticipantIDs is resolved for every schema shape.
	ParticipantIDs []string `json:"participantIds"`
	UnreadCount    int64    `json:"unreadCount"`
}

func viewFor(conv *model.Conversation, userID string) *ConversationView {
	return &ConversationView{
		Conversation:   conv,
		ParticipantIDs: participants.IDs(conv),
		UnreadCount:    participants.UnreadCount(conv, userID),
	}
}

func (s *MessagingService) validateCreate(req *CreateConversationRequest) ([]string, error) {
	if !req.Type.Valid() {
		return nil, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("invalid conversation type %q", req.Type)}
	}
	if len(req.Participants) < 2 {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "at least 2 participants are required"}
	}
	if req.Type == model.ConversationTypeDirect && len(req.Participants) != 2 {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "direct conversations have exactly 2 participants"}
	}
	ids := make([]string, 0, len(req.Participants))
	for i := range req.Participants {
		p := &req.Participants[i]
		p.UserID = strings.TrimSpace(p.UserID)
		p.DisplayName = s.sanitizer.Sanitize(p.DisplayName, true)
		switch {
		case p.UserID == "":
			return nil, &registrystore.ValidationError{Field: fmt.Sprintf("participants[%d].userId", i), Message: "user ID is required"}
		case !participants.ValidUserID(p.UserID):
			return nil, &registrystore.ValidationError{Field: fmt.Sprintf("participants[%d].userId", i), Message: "user ID must not contain '.' or start with '$'"}
		case strings.TrimSpace(p.DisplayName) == "":
			return nil, &registrystore.ValidationError{Field: fmt.Sprintf("participants[%d].displayName", i), Message: "display name is required"}
		case !p.Role.Valid():
			return nil, &registrystore.ValidationError{Field: fmt.Sprintf("participants[%d].role", i), Message: fmt.Sprintf("invalid role %q", p.Role)}
		case slices.Contains(ids, p.UserID):
			return nil, &registrystore.ValidationError{Field: "participants", Message: "duplicate participant " + p.UserID}
		}
		ids = append(ids, p.UserID)
	}
	if req.CreatorID == "" || !slices.Contains(ids, req.CreatorID) {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "the creator must be a participant"}
	}
	if req.Context != nil {
		if req.Context.ReferenceType == "" || req.Context.ReferenceID == "" {
			return nil, &registrystore.ValidationError{Field: "context", Message: "referenceType and referenceId are required"}
		}
		req.Context.ReferenceTitle = s.sanitizer.Sanitize(req.Context.ReferenceTitle, true)
	}
	return ids, nil
}

// findExisting returns the active conversation a create request resolves to, or nil.
func (s *MessagingService) findExisting(ctx context.Context, typ model.ConversationType, ids []string, cctx *model.ConversationContext) (*model.Conversation, error) {
	var query registrystore.ConversationQuery
	switch {
	case typ == model.ConversationTypeDirect:
		query = registrystore.ConversationQuery{ParticipantIDs: ids, Types: []model.ConversationType{model.ConversationTypeDirect}}
	case cctx.Bound():
		query = registrystore.ConversationQuery{ParticipantIDs: ids, ContextType: cctx.ReferenceType, ContextID: cctx.ReferenceID}
	default:
		return nil, nil
	}
	candidates, err := s.store.FindActiveConversations(ctx, query)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if !participants.SameSet(participants.IDs(c), ids) {
			continue
		}
		if typ == model.ConversationTypeDirect || participants.MatchesContext(c, cctx) {
			return c, nil
		}
	}
	return nil, nil
}

// CreateConversation returns the existing active conversation for the same
// participants (and context) when there is one, and otherwise inserts a new
// one. created reports whether an insert happened.
func (s *MessagingService) CreateConversation(ctx context.Context, req CreateConversationRequest) (conv *model.Conversation, created bool, err error) {
	ids, err := s.validateCreate(&req)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.findExisting(ctx, req.Type, ids, req.Context)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	tier := TierFor(req.CreatorTier)
	if err := s.checkQuota(ctx, QuotaConversationsPerDay, tier, tier.ConversationsPerDay, day, func(ctx context.Context, since time.Time) (int64, error) {
		return s.store.CountConversationsCreatedSince(ctx, req.CreatorID, since)
	}); err != nil {
		return nil, false, err
	}

	now := s.now()
	members := make([]model.Participant, 0, len(req.Participants))
	for _, p := range req.Participants {
		members = append(members, model.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Avatar:      p.Avatar,
			Role:        p.Role,
			JoinedAt:    now,
		})
	}
	conv, created, err = s.store.CreateConversation(ctx, &model.Conversation{
		SchemaVersion: model.SchemaVersionGold,
		Type:          req.Type,
		Participants:  members,
		Status:        model.ConversationStatusActive,
		Context:       req.Context,
		Metadata:      maps.Clone(req.Metadata),
		CreatedBy:     req.CreatorID,
		DedupKey:      participants.DedupKey(req.Type, ids, req.Context),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return conv, false, nil
	}

	log.Info("Conversation created", "conversation", conv.ID, "type", conv.Type, "participants", len(ids))
	event := registrynotify.ConversationCreated{
		ConversationID: conv.ID,
		ParticipantIDs: ids,
		CreatedBy:      req.CreatorID,
		CreatedAt:      now,
	}
	s.dispatch(ctx, registrynotify.EventConversationCreated, func(ctx context.Context, d registrynotify.Dispatcher) error {
		return d.ConversationCreated(ctx, event)
	})
	return conv, true, nil
}

// GetConversation returns ref as seen by userID.
func (s *MessagingService) GetConversation(ctx context.Context, ref, userID string) (*ConversationView, error) {
	conv, err := s.participantConversation(ctx, ref, userID)
	if err != nil {
		return nil, err
	}
	return viewFor(conv, userID), nil
}

// ListConversations pages through the conversations of userID, most recently updated first.
func (s *MessagingService) ListConversations(ctx context.Context, userID string, status model.ConversationStatus, before *time.Time, limit int) ([]ConversationView, error) {
	switch status {
	case "", model.ConversationStatusActive, model.ConversationStatusArchived:
	default:
		return nil, &registrystore.ValidationError{Field: "status", Message: fmt.Sprintf("invalid status %q", status)}
	}
	convs, err := s.store.ListConversations(ctx, registrystore.ConversationListQuery{
		UserID: userID,
		Status: status,
		Before: before,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]ConversationView, 0, len(convs))
	for i := range convs {
		out = append(out, *viewFor(&convs[i], userID))
	}
	return out, nil
}

// UpdateParticipantSettings changes the pinned, muted and archived toggles of userID.
func (s *MessagingService) UpdateParticipantSettings(ctx context.Context, ref, userID string, settings registrystore.ParticipantSettings) (*ConversationView, error) {
	if settings.IsPinned == nil && settings.IsMuted == nil && settings.IsArchived == nil {
		return nil, &registrystore.ValidationError{Field: "settings", Message: "no settings supplied"}
	}
	conv, err := s.participantConversation(ctx, ref, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateParticipantSettings(ctx, conv, userID, settings); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, conv.ID, userID)
}

// ArchiveConversation moves ref to the archived status.
func (s *MessagingService) ArchiveConversation(ctx context.Context, ref, userID string) error {
	return s.setStatus(ctx, ref, userID, model.ConversationStatusArchived)
}

// DeleteConversation hides ref from every participant. Messages are kept.
func (s *MessagingService) DeleteConversation(ctx context.Context, ref, userID string) error {
	return s.setStatus(ctx, ref, userID, model.ConversationStatusDeleted)
}

func (s *MessagingService) setStatus(ctx context.Context, ref, userID string, status model.ConversationStatus) error {
	conv, err := s.participantConversation(ctx, ref, userID)
	if err != nil {
		return err
	}
	if err := s.store.SetConversationStatus(ctx, conv, status, s.now()); err != nil {
		return err
	}
	log.Info("Conversation status changed", "conversation", conv.ID, "status", status, "user", userID)
	return nil
}
