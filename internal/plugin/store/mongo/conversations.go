package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/participants"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func limitOf(n int) int64 {
	if n <= 0 {
		return defaultListLimit
	}
	return int64(min(n, maxListLimit))
}

// activeFilter matches active conversations, including legacy threads that never carried a status.
func activeFilter() bson.M {
	return bson.M{"status": bson.M{"$in": bson.A{string(model.ConversationStatusActive), nil}}}
}

// memberFilter matches conversations userID belongs to in any schema shape.
func memberFilter(userID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"participants": userID},
		bson.M{"participants.userId": userID},
		bson.M{"customerId": userID},
		bson.M{"supplierId": userID},
		bson.M{"recipientId": userID},
	}}
}

func (s *MongoStore) decodeConversations(ctx context.Context, cur *mongo.Cursor) ([]model.Conversation, error) {
	defer cur.Close(ctx)
	var out []model.Conversation
	for cur.Next(ctx) {
		var doc convDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		conv, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, cur.Err()
}

func (s *MongoStore) GetConversation(ctx context.Context, ref string) (*model.Conversation, error) {
	for _, filter := range participants.LookupFilters(ref) {
		var doc convDoc
		err := s.conversations().FindOne(ctx, filter).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get conversation: %w", err)
		}
		return doc.toModel()
	}
	return nil, &registrystore.NotFoundError{Resource: "conversation", ID: ref}
}

func (s *MongoStore) FindActiveConversations(ctx context.Context, query registrystore.ConversationQuery) ([]model.Conversation, error) {
	filters := []bson.M{activeFilter()}
	if len(query.ParticipantIDs) > 0 {
		ids := query.ParticipantIDs
		filters = append(filters, bson.M{"$or": bson.A{
			bson.M{"participants": bson.M{"$all": ids}},
			bson.M{"participants.userId": bson.M{"$all": ids}},
			bson.M{
				"customerId": bson.M{"$in": ids},
				"$or": bson.A{
					bson.M{"supplierId": bson.M{"$in": ids}},
					bson.M{"recipientId": bson.M{"$in": ids}},
				},
			},
		}})
	}
	if query.ContextType != "" {
		filters = append(filters, bson.M{
			"context.referenceType": query.ContextType,
			"context.referenceId":   query.ContextID,
		})
	}
	if len(query.Types) > 0 {
		types := bson.A{}
		for _, t := range query.Types {
			types = append(types, string(t))
		}
		filters = append(filters, bson.M{"$or": bson.A{
			bson.M{"type": bson.M{"$in": types}},
			bson.M{"type": bson.M{"$exists": false}},
		}})
	}
	cur, err := s.conversations().Find(ctx, and(filters...), options.Find().SetLimit(maxListLimit))
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	return s.decodeConversations(ctx, cur)
}

func (s *MongoStore) CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	doc := newConvDoc(conv)
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		if !mongo.IsDuplicateKeyError(err) || conv.DedupKey == "" {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
		var existing convDoc
		err := s.conversations().FindOne(ctx, and(bson.M{"dedupKey": conv.DedupKey}, activeFilter())).Decode(&existing)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, &registrystore.ConflictError{Message: "conversation was concurrently modified", Code: "conversation_conflict"}
		}
		if err != nil {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
		out, err := existing.toModel()
		return out, false, err
	}
	out, err := doc.toModel()
	return out, true, err
}

func (s *MongoStore) ListConversations(ctx context.Context, query registrystore.ConversationListQuery) ([]model.Conversation, error) {
	filters := []bson.M{memberFilter(query.UserID)}
	switch query.Status {
	case "", model.ConversationStatusActive:
		filters = append(filters, activeFilter())
	default:
		filters = append(filters, bson.M{"status": string(query.Status)})
	}
	if query.Before != nil {
		filters = append(filters, bson.M{"updatedAt": bson.M{"$lt": *query.Before}})
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limitOf(query.Limit))
	cur, err := s.conversations().Find(ctx, and(filters...), opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return s.decodeConversations(ctx, cur)
}

func (s *MongoStore) CountConversationsCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	n, err := s.conversations().CountDocuments(ctx, bson.M{
		"createdBy": userID,
		"createdAt": bson.M{"$gte": since},
	})
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

func (s *MongoStore) updateConversation(ctx context.Context, conv *model.Conversation, update bson.M, opts ...options.Lister[options.UpdateOneOptions]) error {
	res, err := s.conversations().UpdateOne(ctx, participants.IDFilter(conv.ID), update, opts...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conv.ID}
	}
	return nil
}

func (s *MongoStore) SetConversationStatus(ctx context.Context, conv *model.Conversation, status model.ConversationStatus, at time.Time) error {
	return s.updateConversation(ctx, conv, bson.M{"$set": bson.M{"status": string(status), "updatedAt": at}})
}

func (s *MongoStore) UpdateParticipantSettings(ctx context.Context, conv *model.Conversation, userID string, settings registrystore.ParticipantSettings) error {
	if !participants.HasRecords(conv) {
		return &registrystore.ValidationError{Field: "participants", Message: "conversation has no participant records"}
	}
	set := bson.M{}
	if settings.IsPinned != nil {
		set["participants.$[p].isPinned"] = *settings.IsPinned
	}
	if settings.IsMuted != nil {
		set["participants.$[p].isMuted"] = *settings.IsMuted
	}
	if settings.IsArchived != nil {
		set["participants.$[p].isArchived"] = *settings.IsArchived
	}
	if len(set) == 0 {
		return nil
	}
	return s.updateConversation(ctx, conv, bson.M{"$set": set},
		options.UpdateOne().SetArrayFilters([]any{bson.M{"p.userId": userID}}))
}

func (s *MongoStore) RecordMessageSent(ctx context.Context, conv *model.Conversation, update registrystore.MessageSentUpdate) error {
	last := lastMessageDoc(update.LastMessage)
	set := bson.M{
		"lastMessage":         last,
		"lastMessageAt":       update.At,
		"lastMessagePreview":  last.Content,
		"lastMessageSenderId": last.SenderID,
		"updatedAt":           update.At,
	}
	inc := bson.M{"messageCount": 1}
	doc := bson.M{"$set": set, "$inc": inc}
	if len(update.RecipientIDs) == 0 {
		return s.updateConversation(ctx, conv, doc)
	}
	if participants.HasRecords(conv) {
		inc["participants.$[r].unreadCount"] = 1
		return s.updateConversation(ctx, conv, doc,
			options.UpdateOne().SetArrayFilters([]any{bson.M{"r.userId": bson.M{"$in": update.RecipientIDs}}}))
	}
	for _, id := range update.RecipientIDs {
		inc["unreadCount."+id] = 1
	}
	return s.updateConversation(ctx, conv, doc)
}

func (s *MongoStore) ReplaceLastMessage(ctx context.Context, conv *model.Conversation, expectedMessageID string, last *model.LastMessage) error {
	current := bson.M{"lastMessage.messageId": expectedMessageID}
	if expectedMessageID == "" {
		current = bson.M{"lastMessage": nil}
	}
	filter := and(participants.IDFilter(conv.ID), current)
	var update bson.M
	if last == nil {
		update = bson.M{"$unset": bson.M{"lastMessage": "", "lastMessageAt": "", "lastMessagePreview": "", "lastMessageSenderId": ""}}
	} else {
		update = bson.M{"$set": bson.M{
			"lastMessage":         lastMessageDoc(*last),
			"lastMessageAt":       last.SentAt,
			"lastMessagePreview":  last.Content,
			"lastMessageSenderId": last.SenderID,
		}}
	}
	if _, err := s.conversations().UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("replace last message: %w", err)
	}
	return nil
}

func (s *MongoStore) MarkConversationRead(ctx context.Context, conv *model.Conversation, userID string, at time.Time) error {
	if participants.HasRecords(conv) {
		return s.updateConversation(ctx, conv, bson.M{"$set": bson.M{
			"participants.$[p].unreadCount": 0,
			"participants.$[p].lastReadAt":  at,
		}}, options.UpdateOne().SetArrayFilters([]any{bson.M{"p.userId": userID}}))
	}
	return s.updateConversation(ctx, conv, bson.M{"$set": bson.M{
		"unreadCount." + userID: 0,
	}})
}
