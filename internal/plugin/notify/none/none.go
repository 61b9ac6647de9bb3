package none

import (
	"context"

	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "none",
		Loader: func(_ context.Context) (registrynotify.Dispatcher, error) {
			return Dispatcher{}, nil
		},
	})
}

// Dispatcher drops every event.
type Dispatcher struct{}

func (Dispatcher) MessageSent(context.Context, registrynotify.MessageSent) error { return nil }

func (Dispatcher) ConversationCreated(context.Context, registrynotify.ConversationCreated) error {
	return nil
}
