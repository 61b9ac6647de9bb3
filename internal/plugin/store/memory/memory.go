// Package memory is a process-local MessagingStore. It keeps every document
// behind one mutex, so each mutation is atomic in the same way a single Mongo
// document update is. Data does not survive a restart.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/participants"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(_ context.Context) (registrystore.MessagingStore, error) {
			return New(), nil
		},
	})
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Store is an in-memory MessagingStore.
type Store struct {
	mu            sync.Mutex
	conversations []*model.Conversation
	messages      map[string]*model.Message
	operations    map[string]*model.BulkOperation
}

var _ registrystore.MessagingStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		messages:   map[string]*model.Message{},
		operations: map[string]*model.BulkOperation{},
	}
}

// SeedConversation stores conv verbatim, keeping whatever schema shape it has.
func (s *Store) SeedConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneConversation(&conv)
	s.conversations = append(s.conversations, c)
}

// SeedMessage stores msg verbatim.
func (s *Store) SeedMessage(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = cloneMessage(&msg)
}

func newID() string {
	return bson.NewObjectID().Hex()
}

func limitOf(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

// findConversation returns the stored pointer addressed by ref. Caller holds mu.
func (s *Store) findConversation(ref string) *model.Conversation {
	for _, c := range s.conversations {
		if participants.Matches(c, ref) {
			return c
		}
	}
	return nil
}

func (s *Store) GetConversation(_ context.Context, ref string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findConversation(ref)
	if c == nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: ref}
	}
	return cloneConversation(c), nil
}

func isActive(c *model.Conversation) bool {
	return c.Status == "" || c.Status == model.ConversationStatusActive
}

func (s *Store) FindActiveConversations(_ context.Context, query registrystore.ConversationQuery) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, c := range s.conversations {
		if !isActive(c) {
			continue
		}
		if len(query.Types) > 0 && c.Type != "" && !slices.Contains(query.Types, c.Type) {
			continue
		}
		if query.ContextType != "" && (c.Context == nil || c.Context.ReferenceType != query.ContextType || c.Context.ReferenceID != query.ContextID) {
			continue
		}
		ids := participants.IDs(c)
		matched := true
		for _, id := range query.ParticipantIDs {
			if !slices.Contains(ids, id) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, *cloneConversation(c))
		}
	}
	return out, nil
}

func (s *Store) CreateConversation(_ context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.DedupKey != "" {
		for _, c := range s.conversations {
			if c.DedupKey == conv.DedupKey && isActive(c) {
				return cloneConversation(c), false, nil
			}
		}
	}
	c := cloneConversation(conv)
	if c.ID == "" {
		c.ID = newID()
	}
	s.conversations = append(s.conversations, c)
	return cloneConversation(c), true, nil
}

func (s *Store) ListConversations(_ context.Context, query registrystore.ConversationListQuery) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := query.Status
	if status == "" {
		status = model.ConversationStatusActive
	}
	var out []model.Conversation
	for _, c := range s.conversations {
		if !participants.IsParticipant(c, query.UserID) {
			continue
		}
		if status == model.ConversationStatusActive {
			if !isActive(c) {
				continue
			}
		} else if c.Status != status {
			continue
		}
		if query.Before != nil && !c.UpdatedAt.Before(*query.Before) {
			continue
		}
		out = append(out, *cloneConversation(c))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit := limitOf(query.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountConversationsCreatedSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.conversations {
		if c.CreatedBy == userID && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) mustConversation(conv *model.Conversation) (*model.Conversation, error) {
	c := s.findConversation(conv.ID)
	if c == nil {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conv.ID}
	}
	return c, nil
}

func (s *Store) SetConversationStatus(_ context.Context, conv *model.Conversation, status model.ConversationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustConversation(conv)
	if err != nil {
		return err
	}
	c.Status = status
	c.UpdatedAt = at
	return nil
}

func (s *Store) UpdateParticipantSettings(_ context.Context, conv *model.Conversation, userID string, settings registrystore.ParticipantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustConversation(conv)
	if err != nil {
		return err
	}
	p := participants.Record(c, userID)
	if p == nil {
		return &registrystore.ValidationError{Field: "participants", Message: "conversation has no participant records"}
	}
	if settings.IsPinned != nil {
		p.IsPinned = *settings.IsPinned
	}
	if settings.IsMuted != nil {
		p.IsMuted = *settings.IsMuted
	}
	if settings.IsArchived != nil {
		p.IsArchived = *settings.IsArchived
	}
	return nil
}

func (s *Store) RecordMessageSent(_ context.Context, conv *model.Conversation, update registrystore.MessageSentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustConversation(conv)
	if err != nil {
		return err
	}
	c.MessageCount++
	last := update.LastMessage
	c.LastMessage = &last
	at := update.At
	c.LastMessageAt = &at
	c.LastMessagePreview = last.Content
	c.LastMessageSenderID = last.SenderID
	c.UpdatedAt = update.At
	for _, id := range update.RecipientIDs {
		if p := participants.Record(c, id); p != nil {
			p.UnreadCount++
			continue
		}
		if c.UnreadCounts == nil {
			c.UnreadCounts = map[string]int64{}
		}
		c.UnreadCounts[id]++
	}
	return nil
}

func (s *Store) ReplaceLastMessage(_ context.Context, conv *model.Conversation, expectedMessageID string, last *model.LastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustConversation(conv)
	if err != nil {
		return err
	}
	current := ""
	if c.LastMessage != nil {
		current = c.LastMessage.MessageID
	}
	if current != expectedMessageID {
		return nil
	}
	if last == nil {
		c.LastMessage = nil
		c.LastMessageAt = nil
		c.LastMessagePreview = ""
		c.LastMessageSenderID = ""
		return nil
	}
	l := *last
	c.LastMessage = &l
	sentAt := l.SentAt
	c.LastMessageAt = &sentAt
	c.LastMessagePreview = l.Content
	c.LastMessageSenderID = l.SenderID
	return nil
}

func (s *Store) MarkConversationRead(_ context.Context, conv *model.Conversation, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.mustConversation(conv)
	if err != nil {
		return err
	}
	if p := participants.Record(c, userID); p != nil {
		p.UnreadCount = 0
		t := at
		p.LastReadAt = &t
	} else {
		if c.UnreadCounts == nil {
			c.UnreadCounts = map[string]int64{}
		}
		c.UnreadCounts[userID] = 0
	}
	return nil
}

func (s *Store) InsertMessage(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := cloneMessage(msg)
	if m.ID == "" {
		m.ID = newID()
	}
	if _, ok := s.messages[m.ID]; ok {
		return nil, &registrystore.ConflictError{Message: "message already exists", Code: "duplicate_message"}
	}
	s.messages[m.ID] = m
	return cloneMessage(m), nil
}

func (s *Store) DeleteMessageRecord(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
	return nil
}

func (s *Store) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	return cloneMessage(m), nil
}

func (s *Store) GetMessages(_ context.Context, messageIDs []string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		if m, ok := s.messages[id]; ok {
			out = append(out, *cloneMessage(m))
		}
	}
	return out, nil
}

// conversationMessages returns the messages of conv, newest first. Caller holds mu.
func (s *Store) conversationMessages(conv *model.Conversation) []*model.Message {
	var out []*model.Message
	for _, m := range s.messages {
		if participants.Matches(conv, m.ConversationID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) ListMessages(_ context.Context, query registrystore.MessageListQuery) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := limitOf(query.Limit)
	var out []model.Message
	for _, m := range s.conversationMessages(query.Conversation) {
		if m.Deleted() || query.Before != nil && !m.CreatedAt.Before(*query.Before) {
			continue
		}
		out = append(out, *cloneMessage(m))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LatestVisibleMessage(_ context.Context, conv *model.Conversation) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.conversationMessages(conv) {
		if !m.Deleted() {
			return cloneMessage(m), nil
		}
	}
	return nil, nil
}

func (s *Store) CountMessagesSentSince(_ context.Context, senderID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.SenderID == senderID && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateMessageContent(_ context.Context, messageID, content string, editedAt time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Deleted() {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	m.UpdatedAt = editedAt
	return cloneMessage(m), nil
}

func (s *Store) SoftDeleteMessages(_ context.Context, messageIDs []string, tombstone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.Deleted() {
			continue
		}
		m.Content = tombstone
		m.Attachments = []model.Attachment{}
		t := at
		m.DeletedAt = &t
		m.UpdatedAt = at
	}
	return nil
}

func (s *Store) SetMessageFlags(_ context.Context, messageIDs []string, flags registrystore.MessageFlags, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if flags.IsStarred != nil {
			m.IsStarred = *flags.IsStarred
		}
		if flags.IsArchived != nil {
			m.IsArchived = *flags.IsArchived
		}
		m.UpdatedAt = at
	}
	return nil
}

func (s *Store) RestoreMessages(_ context.Context, snapshots []model.MessageSnapshot, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snapshots {
		m, ok := s.messages[snap.MessageID]
		if !ok {
			continue
		}
		m.Content = snap.Content
		m.Attachments = slices.Clone(snap.Attachments)
		m.Status = snap.Status
		m.IsStarred = snap.IsStarred
		m.IsArchived = snap.IsArchived
		m.DeletedAt = nil
		if snap.DeletedAt != nil {
			t := *snap.DeletedAt
			m.DeletedAt = &t
		}
		m.UpdatedAt = at
	}
	return nil
}

func (s *Store) ToggleReaction(_ context.Context, messageID string, reaction model.Reaction) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	idx := slices.IndexFunc(m.Reactions, func(r model.Reaction) bool {
		return r.UserID == reaction.UserID && r.Emoji == reaction.Emoji
	})
	if idx >= 0 {
		m.Reactions = slices.Delete(m.Reactions, idx, idx+1)
	} else {
		m.Reactions = append(m.Reactions, reaction)
	}
	return cloneMessage(m), nil
}

func (s *Store) MarkMessagesRead(_ context.Context, conv *model.Conversation, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.conversationMessages(conv) {
		if m.Deleted() || m.SenderID == userID || m.HasReadBy(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, model.ReadReceipt{UserID: userID, ReadAt: at})
		n++
	}
	return n, nil
}

func (s *Store) PromoteReadMessages(_ context.Context, conv *model.Conversation, participantIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.conversationMessages(conv) {
		if m.Deleted() || m.Status == model.MessageStatusRead {
			continue
		}
		all := true
		for _, id := range participantIDs {
			if id != m.SenderID && !m.HasReadBy(id) {
				all = false
				break
			}
		}
		if all {
			m.Status = model.MessageStatusRead
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateBulkOperation(_ context.Context, op *model.BulkOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; ok {
		return &registrystore.ConflictError{Message: "operation already exists", Code: "duplicate_operation"}
	}
	s.operations[op.ID] = cloneOperation(op)
	return nil
}

func (s *Store) GetBulkOperation(_ context.Context, operationID string) (*model.BulkOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[operationID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "operation", ID: operationID}
	}
	return cloneOperation(op), nil
}

func (s *Store) ConsumeBulkOperation(_ context.Context, operationID string, at time.Time) (*model.BulkOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[operationID]
	if !ok || op.UndoneAt != nil {
		return nil, &registrystore.NotFoundError{Resource: "operation", ID: operationID}
	}
	t := at
	op.UndoneAt = &t
	return cloneOperation(op), nil
}

func (s *Store) DeleteBulkOperation(_ context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operations, operationID)
	return nil
}

func (s *Store) DeleteExpiredBulkOperations(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, op := range s.operations {
		if op.ExpiresAt.Before(cutoff) {
			delete(s.operations, id)
			n++
		}
	}
	return n, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	for i := range out.Participants {
		out.Participants[i].LastReadAt = cloneTime(c.Participants[i].LastReadAt)
	}
	out.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.Context != nil {
		ctx := *c.Context
		out.Context = &ctx
	}
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	out.LastMessageAt = cloneTime(c.LastMessageAt)
	if c.UnreadCounts != nil {
		out.UnreadCounts = make(map[string]int64, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			out.UnreadCounts[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneMessage(m *model.Message) *model.Message {
	out := *m
	out.Attachments = slices.Clone(m.Attachments)
	out.Reactions = slices.Clone(m.Reactions)
	out.ReadBy = slices.Clone(m.ReadBy)
	out.EditedAt = cloneTime(m.EditedAt)
	out.DeletedAt = cloneTime(m.DeletedAt)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneOperation(op *model.BulkOperation) *model.BulkOperation {
	out := *op
	out.ConversationIDs = slices.Clone(op.ConversationIDs)
	out.MessageIDs = slices.Clone(op.MessageIDs)
	out.Snapshots = make([]model.MessageSnapshot, len(op.Snapshots))
	for i, snap := range op.Snapshots {
		out.Snapshots[i] = snap
		out.Snapshots[i].Attachments = slices.Clone(snap.Attachments)
		out.Snapshots[i].DeletedAt = cloneTime(snap.DeletedAt)
	}
	out.UndoneAt = cloneTime(op.UndoneAt)
	return &out
}
