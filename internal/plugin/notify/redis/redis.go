package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plannr/messaging-service/internal/config"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	goredis "github.com/redis/go-redis/v9"
)

// EventsChannel receives every event for downstream fan-out workers.
const EventsChannel = "messaging:events"

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Dispatcher, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis notifier: MESSAGING_SERVICE_REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis notifier: ping failed: %w", err)
	}
	return New(client), nil
}

// UserChannel derives the Redis channel name for a user.
func UserChannel(userID string) string {
	return "notifications:user:" + userID
}

// Envelope is the JSON payload published on every channel.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher publishes events with Redis PUBLISH.
type Publisher struct {
	client goredis.UniversalClient
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) MessageSent(ctx context.Context, event registrynotify.MessageSent) error {
	return p.publish(ctx, registrynotify.EventMessageSent, event, event.RecipientIDs)
}

func (p *Publisher) ConversationCreated(ctx context.Context, event registrynotify.ConversationCreated) error {
	var others []string
	for _, id := range event.ParticipantIDs {
		if id != event.CreatedBy {
			others = append(others, id)
		}
	}
	return p.publish(ctx, registrynotify.EventConversationCreated, event, others)
}

func (p *Publisher) publish(ctx context.Context, eventType string, data any, userIDs []string) error {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("redis notifier: marshal %s: %w", eventType, err)
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, EventsChannel, payload)
	for _, id := range userIDs {
		pipe.Publish(ctx, UserChannel(id), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis notifier: publish %s: %w", eventType, err)
	}
	return nil
}

var _ registrynotify.Dispatcher = (*Publisher)(nil)
