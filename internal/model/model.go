package model

import "time"

// ConversationType is the kind of conversation.
type ConversationType string

const (
	ConversationTypeDirect      ConversationType = "direct"
	ConversationTypeMarketplace ConversationType = "marketplace"
	ConversationTypeEnquiry     ConversationType = "enquiry"
	ConversationTypeSupport     ConversationType = "support"
)

// Valid reports whether t is one of the known conversation types.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationTypeDirect, ConversationTypeMarketplace, ConversationTypeEnquiry, ConversationTypeSupport:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
	ConversationStatusDeleted  ConversationStatus = "deleted"
)

// ParticipantRole is the marketplace role a participant plays.
type ParticipantRole string

const (
	RoleCustomer ParticipantRole = "customer"
	RoleSupplier ParticipantRole = "supplier"
	RoleAdmin    ParticipantRole = "admin"
	RoleSupport  ParticipantRole = "support"
)

// Valid reports whether r is one of the known roles.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleCustomer, RoleSupplier, RoleAdmin, RoleSupport:
		return true
	}
	return false
}

// Schema generations of stored conversations. Zero means the document
// carries no explicit version and is treated as legacy.
const (
	SchemaVersionLegacy = 1
	SchemaVersionIDList = 2
	SchemaVersionGold   = 5
)

// Participant is a member record of a modern conversation.
type Participant struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Avatar      string          `json:"avatar,omitempty"`
	Role        ParticipantRole `json:"role"`
	IsPinned    bool            `json:"isPinned"`
	IsMuted     bool            `json:"isMuted"`
	IsArchived  bool            `json:"isArchived"`
	UnreadCount int64           `json:"unreadCount"`
	LastReadAt  *time.Time      `json:"lastReadAt,omitempty"`
	JoinedAt    time.Time       `json:"joinedAt"`
}

// ConversationContext binds a conversation to a marketplace object such as a listing or quote.
type ConversationContext struct {
	ReferenceType  string `json:"referenceType"`
	ReferenceID    string `json:"referenceId"`
	ReferenceTitle string `json:"referenceTitle,omitempty"`
}

// Bound reports whether the context names a concrete reference.
func (c *ConversationContext) Bound() bool {
	return c != nil && c.ReferenceType != "" && c.ReferenceID != ""
}

// LastMessage is the denormalized preview of the newest visible message.
type LastMessage struct {
	MessageID  string    `json:"messageId"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

// Conversation is a conversation or legacy thread in any of the coexisting schema shapes.
//
// Modern documents carry Participants (records) or ParticipantIDs (bare ID list).
// Legacy threads carry the flat CustomerID/SupplierID/RecipientID fields and keep
// unread counters in UnreadCounts keyed by user ID.
type Conversation struct {
	ID            string           `json:"id"`
	LegacyID      string           `json:"legacyId,omitempty"`
	SchemaVersion int              `json:"schemaVersion,omitempty"`
	Type          ConversationType `json:"type,omitempty"`

	Participants   []Participant `json:"participants,omitempty"`
	ParticipantIDs []string      `json:"participantIds,omitempty"`
	CustomerID     string        `json:"customerId,omitempty"`
	SupplierID     string        `json:"supplierId,omitempty"`
	RecipientID    string        `json:"recipientId,omitempty"`

	Status   ConversationStatus   `json:"status"`
	Context  *ConversationContext `json:"context,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`

	LastMessage         *LastMessage     `json:"lastMessage,omitempty"`
	LastMessageAt       *time.Time       `json:"lastMessageAt,omitempty"`
	LastMessagePreview  string           `json:"lastMessagePreview,omitempty"`
	LastMessageSenderID string           `json:"lastMessageSenderId,omitempty"`
	MessageCount        int64            `json:"messageCount"`
	UnreadCounts        map[string]int64 `json:"unreadCount,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	DedupKey  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// DeletedContent replaces the content of a soft-deleted message.
const DeletedContent = "[This message was deleted]"

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Reaction is a single user's emoji reaction.
type Reaction struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is a single message in a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	SenderAvatar   string         `json:"senderAvatar,omitempty"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	Attachments    []Attachment   `json:"attachments"`
	Reactions      []Reaction     `json:"reactions"`
	ReadBy         []ReadReceipt  `json:"readBy"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Status         MessageStatus  `json:"status"`
	IsStarred      bool           `json:"isStarred"`
	IsArchived     bool           `json:"isArchived"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// HasReadBy reports whether userID has a read receipt on the message.
func (m *Message) HasReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MessageSnapshot holds the mutable fields of a message prior to a bulk operation.
type MessageSnapshot struct {
	MessageID   string        `json:"messageId"`
	Content     string        `json:"content"`
	Attachments []Attachment  `json:"attachments"`
	Status      MessageStatus `json:"status"`
	IsStarred   bool          `json:"isStarred"`
	IsArchived  bool          `json:"isArchived"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
}

// SnapshotOf captures the restorable state of m.
func SnapshotOf(m *Message) MessageSnapshot {
	attachments := make([]Attachment, len(m.Attachments))
	copy(attachments, m.Attachments)
	var deletedAt *time.Time
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		deletedAt = &t
	}
	return MessageSnapshot{
		MessageID:   m.ID,
		Content:     m.Content,
		Attachments: attachments,
		Status:      m.Status,
		IsStarred:   m.IsStarred,
		IsArchived:  m.IsArchived,
		DeletedAt:   deletedAt,
	}
}

// BulkOperationKind names an undoable bulk mutation.
type BulkOperationKind string

const (
	BulkOperationDelete BulkOperationKind = "delete"
)

// BulkOperation is a persisted undo record for a destructive bulk mutation.
type BulkOperation struct {
	ID              string            `json:"operationId"`
	UserID          string            `json:"userId"`
	Kind            BulkOperationKind `json:"kind"`
	ConversationIDs []string          `json:"conversationIds"`
	MessageIDs      []string          `json:"messageIds"`
	Snapshots       []MessageSnapshot `json:"-"`
	UndoToken       string            `json:"-"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	CreatedAt       time.Time         `json:"createdAt"`
	UndoneAt        *time.Time        `json:"undoneAt,omitempty"`
}
