package mongo

import (
	"fmt"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// convDoc decodes every stored conversation shape. Participants holds either
// bare user IDs (ID-list shape) or participant records.
type convDoc struct {
	ID            any    `bson:"_id"`
	LegacyID      string `bson:"id,omitempty"`
	SchemaVersion int    `bson:"schemaVersion,omitempty"`
	Type          string `bson:"type,omitempty"`

	Participants []any  `bson:"participants,omitempty"`
	CustomerID   string `bson:"customerId,omitempty"`
	SupplierID   string `bson:"supplierId,omitempty"`
	RecipientID  string `bson:"recipientId,omitempty"`

	Status   string         `bson:"status,omitempty"`
	Context  *contextDoc    `bson:"context,omitempty"`
	Metadata map[string]any `bson:"metadata,omitempty"`

	LastMessage         *lastMessageDoc  `bson:"lastMessage,omitempty"`
	LastMessageAt       *time.Time       `bson:"lastMessageAt,omitempty"`
	LastMessagePreview  string           `bson:"lastMessagePreview,omitempty"`
	LastMessageSenderID string           `bson:"lastMessageSenderId,omitempty"`
	MessageCount        int64            `bson:"messageCount"`
	UnreadCount         map[string]int64 `bson:"unreadCount,omitempty"`

	CreatedBy string    `bson:"createdBy,omitempty"`
	DedupKey  string    `bson:"dedupKey,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type participantDoc struct {
	UserID      string     `bson:"userId"`
	DisplayName string     `bson:"displayName"`
	Avatar      string     `bson:"avatar,omitempty"`
	Role        string     `bson:"role"`
	IsPinned    bool       `bson:"isPinned"`
	IsMuted     bool       `bson:"isMuted"`
	IsArchived  bool       `bson:"isArchived"`
	UnreadCount int64      `bson:"unreadCount"`
	LastReadAt  *time.Time `bson:"lastReadAt,omitempty"`
	JoinedAt    time.Time  `bson:"joinedAt"`
}

type contextDoc struct {
	ReferenceType  string `bson:"referenceType"`
	ReferenceID    string `bson:"referenceId"`
	ReferenceTitle string `bson:"referenceTitle,omitempty"`
}

type lastMessageDoc struct {
	MessageID  string    `bson:"messageId"`
	Content    string    `bson:"content"`
	SenderID   string    `bson:"senderId"`
	SenderName string    `bson:"senderName,omitempty"`
	SentAt     time.Time `bson:"sentAt"`
}

type messageDoc struct {
	ID             any              `bson:"_id"`
	LegacyID       string           `bson:"id,omitempty"`
	ConversationID string           `bson:"conversationId,omitempty"`
	ThreadID       string           `bson:"threadId,omitempty"`
	SenderID       string           `bson:"senderId"`
	SenderName     string           `bson:"senderName,omitempty"`
	SenderAvatar   string           `bson:"senderAvatar,omitempty"`
	Content        string           `bson:"content"`
	Type           string           `bson:"type,omitempty"`
	Attachments    []attachmentDoc  `bson:"attachments"`
	Reactions      []reactionDoc    `bson:"reactions"`
	ReadBy         []readReceiptDoc `bson:"readBy"`
	ReplyTo        string           `bson:"replyTo,omitempty"`
	Metadata       map[string]any   `bson:"metadata,omitempty"`
	Status         string           `bson:"status,omitempty"`
	IsStarred      bool             `bson:"isStarred"`
	IsArchived     bool             `bson:"isArchived"`
	EditedAt       *time.Time       `bson:"editedAt,omitempty"`
	DeletedAt      *time.Time       `bson:"deletedAt,omitempty"`
	CreatedAt      time.Time        `bson:"createdAt"`
	UpdatedAt      time.Time        `bson:"updatedAt"`
}

type attachmentDoc struct {
	URL      string `bson:"url"`
	Filename string `bson:"filename"`
	MimeType string `bson:"mimeType,omitempty"`
	Size     int64  `bson:"size,omitempty"`
}

type reactionDoc struct {
	UserID    string    `bson:"userId"`
	UserName  string    `bson:"userName,omitempty"`
	Emoji     string    `bson:"emoji"`
	CreatedAt time.Time `bson:"createdAt"`
}

type readReceiptDoc struct {
	UserID string    `bson:"userId"`
	ReadAt time.Time `bson:"readAt"`
}

type snapshotDoc struct {
	MessageID   string          `bson:"messageId"`
	Content     string          `bson:"content"`
	Attachments []attachmentDoc `bson:"attachments"`
	Status      string          `bson:"status"`
	IsStarred   bool            `bson:"isStarred"`
	IsArchived  bool            `bson:"isArchived"`
	DeletedAt   *time.Time      `bson:"deletedAt,omitempty"`
}

type bulkOperationDoc struct {
	ID              string        `bson:"_id"`
	UserID          string        `bson:"userId"`
	Kind            string        `bson:"kind"`
	ConversationIDs []string      `bson:"conversationIds"`
	MessageIDs      []string      `bson:"messageIds"`
	Snapshots       []snapshotDoc `bson:"snapshots"`
	UndoToken       string        `bson:"undoToken"`
	ExpiresAt       time.Time     `bson:"expiresAt"`
	CreatedAt       time.Time     `bson:"createdAt"`
	UndoneAt        *time.Time    `bson:"undoneAt,omitempty"`
}

func (d *convDoc) toModel() (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:                  idString(d.ID),
		LegacyID:            d.LegacyID,
		SchemaVersion:       d.SchemaVersion,
		Type:                model.ConversationType(d.Type),
		CustomerID:          d.CustomerID,
		SupplierID:          d.SupplierID,
		RecipientID:         d.RecipientID,
		Status:              model.ConversationStatus(d.Status),
		Metadata:            d.Metadata,
		LastMessageAt:       d.LastMessageAt,
		LastMessagePreview:  d.LastMessagePreview,
		LastMessageSenderID: d.LastMessageSenderID,
		MessageCount:        d.MessageCount,
		UnreadCounts:        d.UnreadCount,
		CreatedBy:           d.CreatedBy,
		DedupKey:            d.DedupKey,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	if conv.Status == "" {
		conv.Status = model.ConversationStatusActive
	}
	for _, p := range d.Participants {
		switch v := p.(type) {
		case string:
			conv.ParticipantIDs = append(conv.ParticipantIDs, v)
		default:
			raw, err := bson.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("conversation %s: unreadable participant: %w", conv.ID, err)
			}
			var pd participantDoc
			if err := bson.Unmarshal(raw, &pd); err != nil {
				return nil, fmt.Errorf("conversation %s: unreadable participant: %w", conv.ID, err)
			}
			conv.Participants = append(conv.Participants, model.Participant{
				UserID:      pd.UserID,
				DisplayName: pd.DisplayName,
				Avatar:      pd.Avatar,
				Role:        model.ParticipantRole(pd.Role),
				IsPinned:    pd.IsPinned,
				IsMuted:     pd.IsMuted,
				IsArchived:  pd.IsArchived,
				UnreadCount: pd.UnreadCount,
				LastReadAt:  pd.LastReadAt,
				JoinedAt:    pd.JoinedAt,
			})
		}
	}
	if d.Context != nil {
		conv.Context = &model.ConversationContext{
			ReferenceType:  d.Context.ReferenceType,
			ReferenceID:    d.Context.ReferenceID,
			ReferenceTitle: d.Context.ReferenceTitle,
		}
	}
	if d.LastMessage != nil {
		last := model.LastMessage(*d.LastMessage)
		conv.LastMessage = &last
	}
	return conv, nil
}

// newConvDoc encodes conv in the shape it carries: records when present,
// otherwise a bare ID list.
func newConvDoc(conv *model.Conversation) convDoc {
	d := convDoc{
		ID:            bson.NewObjectID(),
		SchemaVersion: conv.SchemaVersion,
		Type:          string(conv.Type),
		CustomerID:    conv.CustomerID,
		SupplierID:    conv.SupplierID,
		RecipientID:   conv.RecipientID,
		Status:        string(conv.Status),
		Metadata:      conv.Metadata,
		MessageCount:  conv.MessageCount,
		UnreadCount:   conv.UnreadCounts,
		CreatedBy:     conv.CreatedBy,
		DedupKey:      conv.DedupKey,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
	if oid, err := bson.ObjectIDFromHex(conv.ID); err == nil {
		d.ID = oid
	}
	for _, p := range conv.Participants {
		d.Participants = append(d.Participants, participantDoc{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Avatar:      p.Avatar,
			Role:        string(p.Role),
			IsPinned:    p.IsPinned,
			IsMuted:     p.IsMuted,
			IsArchived:  p.IsArchived,
			UnreadCount: p.UnreadCount,
			LastReadAt:  p.LastReadAt,
			JoinedAt:    p.JoinedAt,
		})
	}
	if len(conv.Participants) == 0 {
		for _, id := range conv.ParticipantIDs {
			d.Participants = append(d.Participants, id)
		}
	}
	if conv.Context != nil {
		d.Context = &contextDoc{
			ReferenceType:  conv.Context.ReferenceType,
			ReferenceID:    conv.Context.ReferenceID,
			ReferenceTitle: conv.Context.ReferenceTitle,
		}
	}
	if conv.LastMessage != nil {
		last := lastMessageDoc(*conv.LastMessage)
		d.LastMessage = &last
	}
	return d
}

func (d *messageDoc) toModel() *model.Message {
	conversationID := d.ConversationID
	if conversationID == "" {
		conversationID = d.ThreadID
	}
	msg := &model.Message{
		ID:             idString(d.ID),
		ConversationID: conversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		SenderAvatar:   d.SenderAvatar,
		Content:        d.Content,
		Type:           model.MessageType(d.Type),
		Attachments:    toAttachments(d.Attachments),
		Reactions:      make([]model.Reaction, 0, len(d.Reactions)),
		ReadBy:         make([]model.ReadReceipt, 0, len(d.ReadBy)),
		ReplyTo:        d.ReplyTo,
		Metadata:       d.Metadata,
		Status:         model.MessageStatus(d.Status),
		IsStarred:      d.IsStarred,
		IsArchived:     d.IsArchived,
		EditedAt:       d.EditedAt,
		DeletedAt:      d.DeletedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}
	if msg.Status == "" {
		msg.Status = model.MessageStatusSent
	}
	for _, r := range d.Reactions {
		msg.Reactions = append(msg.Reactions, model.Reaction(r))
	}
	for _, r := range d.ReadBy {
		msg.ReadBy = append(msg.ReadBy, model.ReadReceipt(r))
	}
	return msg
}

func newMessageDoc(msg *model.Message) messageDoc {
	d := messageDoc{
		ID:             bson.NewObjectID(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SenderAvatar:   msg.SenderAvatar,
		Content:        msg.Content,
		Type:           string(msg.Type),
		Attachments:    fromAttachments(msg.Attachments),
		Reactions:      []reactionDoc{},
		ReadBy:         []readReceiptDoc{},
		ReplyTo:        msg.ReplyTo,
		Metadata:       msg.Metadata,
		Status:         string(msg.Status),
		IsStarred:      msg.IsStarred,
		IsArchived:     msg.IsArchived,
		EditedAt:       msg.EditedAt,
		DeletedAt:      msg.DeletedAt,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if oid, err := bson.ObjectIDFromHex(msg.ID); err == nil {
		d.ID = oid
	}
	for _, r := range msg.Reactions {
		d.Reactions = append(d.Reactions, reactionDoc(r))
	}
	for _, r := range msg.ReadBy {
		d.ReadBy = append(d.ReadBy, readReceiptDoc(r))
	}
	return d
}

func toAttachments(docs []attachmentDoc) []model.Attachment {
	out := make([]model.Attachment, 0, len(docs))
	for _, a := range docs {
		out = append(out, model.Attachment(a))
	}
	return out
}

func fromAttachments(attachments []model.Attachment) []attachmentDoc {
	out := make([]attachmentDoc, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, attachmentDoc(a))
	}
	return out
}

func newBulkOperationDoc(op *model.BulkOperation) bulkOperationDoc {
	d := bulkOperationDoc{
		ID:              op.ID,
		UserID:          op.UserID,
		Kind:            string(op.Kind),
		ConversationIDs: op.ConversationIDs,
		MessageIDs:      op.MessageIDs,
		UndoToken:       op.UndoToken,
		ExpiresAt:       op.ExpiresAt,
		CreatedAt:       op.CreatedAt,
		UndoneAt:        op.UndoneAt,
	}
	for _, snap := range op.Snapshots {
		d.Snapshots = append(d.Snapshots, snapshotDoc{
			MessageID:   snap.MessageID,
			Content:     snap.Content,
			Attachments: fromAttachments(snap.Attachments),
			Status:      string(snap.Status),
			IsStarred:   snap.IsStarred,
			IsArchived:  snap.IsArchived,
			DeletedAt:   snap.DeletedAt,
		})
	}
	return d
}

func (d *bulkOperationDoc) toModel() *model.BulkOperation {
	op := &model.BulkOperation{
		ID:              d.ID,
		UserID:          d.UserID,
		Kind:            model.BulkOperationKind(d.Kind),
		ConversationIDs: d.ConversationIDs,
		MessageIDs:      d.MessageIDs,
		UndoToken:       d.UndoToken,
		ExpiresAt:       d.ExpiresAt,
		CreatedAt:       d.CreatedAt,
		UndoneAt:        d.UndoneAt,
	}
	for _, snap := range d.Snapshots {
		op.Snapshots = append(op.Snapshots, model.MessageSnapshot{
			MessageID:   snap.MessageID,
			Content:     snap.Content,
			Attachments: toAttachments(snap.Attachments),
			Status:      model.MessageStatus(snap.Status),
			IsStarred:   snap.IsStarred,
			IsArchived:  snap.IsArchived,
			DeletedAt:   snap.DeletedAt,
		})
	}
	return op
}
