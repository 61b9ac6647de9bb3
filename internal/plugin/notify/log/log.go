// Package log dispatches notifications to the structured log. It is the
// default for single-node deployments with no downstream fan-out worker.
package log

import (
	"context"

	"github.com/charmbracelet/log"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "log",
		Loader: func(_ context.Context) (registrynotify.Dispatcher, error) {
			return Dispatcher{}, nil
		},
	})
}

// Dispatcher logs every event at Info.
type Dispatcher struct{}

func (Dispatcher) MessageSent(_ context.Context, event registrynotify.MessageSent) error {
	log.Info("Message sent",
		"conversationId", event.ConversationID,
		"messageId", event.MessageID,
		"senderId", event.SenderID,
		"recipients", len(event.RecipientIDs))
	return nil
}

func (Dispatcher) ConversationCreated(_ context.Context, event registrynotify.ConversationCreated) error {
	log.Info("Conversation created",
		"conversationId", event.ConversationID,
		"createdBy", event.CreatedBy,
		"participants", len(event.ParticipantIDs))
	return nil
}
