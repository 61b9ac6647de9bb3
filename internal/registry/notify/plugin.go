package notify

import (
	"context"
	"fmt"
	"time"
)

// Event names carried in the envelope of every dispatched notification.
const (
	EventMessageSent         = "message.sent"
	EventConversationCreated = "conversation.created"
)

// MessageSent is emitted after a message and its counters are committed.
type MessageSent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	RecipientIDs   []string  `json:"recipientIds"`
	SentAt         time.Time `json:"sentAt"`
}

// ConversationCreated is emitted after a new conversation is inserted.
type ConversationCreated struct {
	ConversationID string    `json:"conversationId"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Dispatcher hands domain events to the notification collaborator. Callers
// never roll back on a dispatch error.
type Dispatcher interface {
	MessageSent(ctx context.Context, event MessageSent) error
	ConversationCreated(ctx context.Context, event ConversationCreated) error
}

// Loader creates a Dispatcher from config.
type Loader func(ctx context.Context) (Dispatcher, error)

// Plugin represents a notify plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notify plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notify plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notify plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notifier %q; valid: %v", name, Names())
}
