package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plannr/messaging-service/internal/config"
	"github.com/plannr/messaging-service/internal/model"
	countermemory "github.com/plannr/messaging-service/internal/plugin/counter/memory"
	"github.com/plannr/messaging-service/internal/plugin/store/memory"
	registrynotify "github.com/plannr/messaging-service/internal/registry/notify"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/sanitize"
	"github.com/plannr/messaging-service/internal/spam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	err     error
	sent    []registrynotify.MessageSent
	created []registrynotify.ConversationCreated
}

func (n *recordingNotifier) MessageSent(_ context.Context, event registrynotify.MessageSent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, event)
	return n.err
}

func (n *recordingNotifier) ConversationCreated(_ context.Context, event registrynotify.ConversationCreated) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, event)
	return n.err
}

type testEnv struct {
	svc      *MessagingService
	store    *memory.Store
	clock    *clock
	notifier *recordingNotifier
}

type envOption func(*Options, *registrystore.MessagingStore)

func withOptions(fn func(*Options)) envOption {
	return func(o *Options, _ *registrystore.MessagingStore) { fn(o) }
}

func withStore(wrap func(registrystore.MessagingStore) registrystore.MessagingStore) envOption {
	return func(_ *Options, s *registrystore.MessagingStore) { *s = wrap(*s) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	store := memory.New()
	clk := &clock{t: t0}
	notifier := &recordingNotifier{}
	counters := countermemory.New()

	o := DefaultOptions()
	o.Spam.Keywords = []string{"casino"}
	var s registrystore.MessagingStore = store
	for _, opt := range opts {
		opt(&o, &s)
	}
	svc := NewMessagingService(s, sanitize.NewHTML(), spam.NewDetector(counters, counters), notifier, o).WithClock(clk.now)
	t.Cleanup(svc.Wait)
	return &testEnv{svc: svc, store: store, clock: clk, notifier: notifier}
}

func people(ids ...string) []ParticipantInput {
	out := make([]ParticipantInput, 0, len(ids))
	for i, id := range ids {
		role := model.RoleCustomer
		if i > 0 {
			role = model.RoleSupplier
		}
		out = append(out, ParticipantInput{UserID: id, DisplayName: "User " + id, Role: role})
	}
	return out
}

func (e *testEnv) direct(t *testing.T, a, b string) *model.Conversation {
	t.Helper()
	conv, _, err := e.svc.CreateConversation(context.Background(), CreateConversationRequest{
		Type:         model.ConversationTypeDirect,
		Participants: people(a, b),
		CreatorID:    a,
		CreatorTier:  TierPro,
	})
	require.NoError(t, err)
	return conv
}

func (e *testEnv) send(t *testing.T, convID, sender, content string) *model.Message {
	t.Helper()
	msg, err := e.svc.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: convID,
		SenderID:       sender,
		SenderName:     "User " + sender,
		SenderTier:     TierPro,
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func (e *testEnv) conversation(t *testing.T, ref string) *model.Conversation {
	t.Helper()
	conv, err := e.store.GetConversation(context.Background(), ref)
	require.NoError(t, err)
	return conv
}

func (e *testEnv) message(t *testing.T, id string) *model.Message {
	t.Helper()
	msg, err := e.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg
}

// failingStore injects errors into selected store calls.
type failingStore struct {
	registrystore.MessagingStore
	countErr  error
	recordErr error
	deleteErr error
}

func (f *failingStore) SoftDeleteMessages(ctx context.Context, messageIDs []string, tombstone string, at time.Time) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MessagingStore.SoftDeleteMessages(ctx, messageIDs, tombstone, at)
}

func (f *failingStore) CountMessagesSentSince(ctx context.Context, senderID string, since time.Time) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.MessagingStore.CountMessagesSentSince(ctx, senderID, since)
}

func (f *failingStore) CountConversationsCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.MessagingStore.CountConversationsCreatedSince(ctx, userID, since)
}

func (f *failingStore) RecordMessageSent(ctx context.Context, conv *model.Conversation, update registrystore.MessageSentUpdate) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	return f.MessagingStore.RecordMessageSent(ctx, conv, update)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, 50, TierFor("").MessagesPerDay)
	assert.Equal(t, TierFree, TierFor("platinum").Name)
	assert.Equal(t, 5000, TierFor(" PRO ").MaxMessageLength)
	assert.Equal(t, Unlimited, TierFor(TierEnterprise).MessagesPerHour)
}

func TestQuotaFailOpen(t *testing.T) {
	down := errors.New("store unavailable")
	wrap := func(s registrystore.MessagingStore) registrystore.MessagingStore {
		return &failingStore{MessagingStore: s, countErr: down}
	}

	t.Run("allows by default", func(t *testing.T) {
		e := newTestEnv(t, withStore(wrap))
		conv, created, err := e.svc.CreateConversation(context.Background(), CreateConversationRequest{
			Type: model.ConversationTypeDirect, Participants: people("a", "b"), CreatorID: "a",
		})
		require.NoError(t, err)
		assert.True(t, created)

		_, err = e.svc.SendMessage(context.Background(), SendMessageRequest{
			ConversationID: conv.ID, SenderID: "a", Content: "hello",
		})
		require.NoError(t, err)
	})

	t.Run("blocks when disabled", func(t *testing.T) {
		e := newTestEnv(t, withStore(wrap), withOptions(func(o *Options) { o.QuotaFailOpen = false }))
		_, _, err := e.svc.CreateConversation(context.Background(), CreateConversationRequest{
			Type: model.ConversationTypeDirect, Participants: people("a", "b"), CreatorID: "a",
		})
		require.ErrorIs(t, err, down)
		var quota *QuotaExceededError
		assert.False(t, errors.As(err, &quota))
	})

	t.Run("unlimited tiers skip counting", func(t *testing.T) {
		e := newTestEnv(t, withStore(wrap), withOptions(func(o *Options) { o.QuotaFailOpen = false }))
		_, _, err := e.svc.CreateConversation(context.Background(), CreateConversationRequest{
			Type: model.ConversationTypeDirect, Participants: people("a", "b"), CreatorID: "a", CreatorTier: TierEnterprise,
		})
		require.NoError(t, err)
	})
}

func TestNotificationFailureDoesNotFailMutation(t *testing.T) {
	e := newTestEnv(t)
	e.notifier.err = errors.New("smtp down")

	conv := e.direct(t, "a", "b")
	msg := e.send(t, conv.ID, "a", "still delivered")
	e.svc.Wait()

	e.notifier.mu.Lock()
	defer e.notifier.mu.Unlock()
	require.Len(t, e.notifier.created, 1)
	require.Len(t, e.notifier.sent, 1)
	assert.Equal(t, msg.ID, e.notifier.sent[0].MessageID)
	assert.Equal(t, []string{"b"}, e.notifier.sent[0].RecipientIDs)
	assert.Equal(t, int64(1), e.conversation(t, conv.ID).MessageCount)
}

func TestNotificationsCarryEventData(t *testing.T) {
	e := newTestEnv(t)
	conv, _, err := e.svc.CreateConversation(context.Background(), CreateConversationRequest{
		Type:         model.ConversationTypeMarketplace,
		Participants: people("a", "b", "c"),
		CreatorID:    "b",
	})
	require.NoError(t, err)
	e.send(t, conv.ID, "b", "hi all")
	e.svc.Wait()

	e.notifier.mu.Lock()
	defer e.notifier.mu.Unlock()
	require.Len(t, e.notifier.created, 1)
	assert.Equal(t, conv.ID, e.notifier.created[0].ConversationID)
	assert.Equal(t, []string{"a", "b", "c"}, e.notifier.created[0].ParticipantIDs)
	assert.Equal(t, "b", e.notifier.created[0].CreatedBy)
	require.Len(t, e.notifier.sent, 1)
	assert.Equal(t, []string{"a", "c"}, e.notifier.sent[0].RecipientIDs)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SpamKeywords = " Casino, free money ,"
	cfg.SpamMaxURLs = 3
	opts := OptionsFromConfig(&cfg)
	assert.True(t, opts.QuotaFailOpen)
	assert.Equal(t, 15*time.Minute, opts.EditWindow)
	assert.Equal(t, 30*time.Second, opts.UndoWindow)
	assert.Equal(t, 3, opts.Spam.MaxURLCount)
	assert.Equal(t, []string{"casino", "free money"}, opts.Spam.Keywords)
	assert.True(t, opts.Spam.CheckDuplicates)

	cfg.QuotaFailOpen = false
	assert.False(t, OptionsFromConfig(&cfg).QuotaFailOpen)
}

func contents(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func numbered(prefix string, i int) string {
	return fmt.Sprintf("%s %d", prefix, i)
}
