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

// toggleAttempts bounds the pull/push race in ToggleReaction.
const toggleAttempts = 3

// inConversation matches messages of conv, whether they reference it by
// conversationId or by the legacy threadId, under its native or legacy ID.
func inConversation(conv *model.Conversation) bson.M {
	refs := bson.A{conv.ID}
	if conv.LegacyID != "" && conv.LegacyID != conv.ID {
		refs = append(refs, conv.LegacyID)
	}
	return bson.M{"$or": bson.A{
		bson.M{"conversationId": bson.M{"$in": refs}},
		bson.M{"threadId": bson.M{"$in": refs}},
	}}
}

func visible() bson.M {
	return bson.M{"deletedAt": nil}
}

func (s *MongoStore) decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]model.Message, error) {
	defer cur.Close(ctx)
	var out []model.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, *doc.toModel())
	}
	return out, cur.Err()
}

func (s *MongoStore) InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	doc := newMessageDoc(msg)
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "message already exists", Code: "duplicate_message"}
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) DeleteMessageRecord(ctx context.Context, messageID string) error {
	if _, err := s.messages().DeleteOne(ctx, participants.IDFilter(messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, participants.IDFilter(messageID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	cur, err := s.messages().Find(ctx, idsFilter(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return s.decodeMessages(ctx, cur)
}

func (s *MongoStore) ListMessages(ctx context.Context, query registrystore.MessageListQuery) ([]model.Message, error) {
	filters := []bson.M{inConversation(query.Conversation), visible()}
	if query.Before != nil {
		filters = append(filters, bson.M{"createdAt": bson.M{"$lt": *query.Before}})
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limitOf(query.Limit))
	cur, err := s.messages().Find(ctx, and(filters...), opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return s.decodeMessages(ctx, cur)
}

func (s *MongoStore) LatestVisibleMessage(ctx context.Context, conv *model.Conversation) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, and(inConversation(conv), visible()),
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) CountMessagesSentSince(ctx context.Context, senderID string, since time.Time) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{
		"senderId":  senderID,
		"createdAt": bson.M{"$gte": since},
	})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *MongoStore) findAndUpdateMessage(ctx context.Context, filter, update bson.M) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *MongoStore) UpdateMessageContent(ctx context.Context, messageID, content string, editedAt time.Time) (*model.Message, error) {
	msg, err := s.findAndUpdateMessage(ctx,
		and(participants.IDFilter(messageID), visible()),
		bson.M{"$set": bson.M{"content": content, "editedAt": editedAt, "updatedAt": editedAt}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID}
	}
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

func (s *MongoStore) SoftDeleteMessages(ctx context.Context, messageIDs []string, tombstone string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.messages().UpdateMany(ctx, and(idsFilter(messageIDs), visible()), bson.M{"$set": bson.M{
		"content":     tombstone,
		"attachments": bson.A{},
		"deletedAt":   at,
		"updatedAt":   at,
	}})
	if err != nil {
		return fmt.Errorf("soft delete messages: %w", err)
	}
	return nil
}

func (s *MongoStore) SetMessageFlags(ctx context.Context, messageIDs []string, flags registrystore.MessageFlags, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	set := bson.M{"updatedAt": at}
	if flags.IsStarred != nil {
		set["isStarred"] = *flags.IsStarred
	}
	if flags.IsArchived != nil {
		set["isArchived"] = *flags.IsArchived
	}
	if _, err := s.messages().UpdateMany(ctx, idsFilter(messageIDs), bson.M{"$set": set}); err != nil {
		return fmt.Errorf("flag messages: %w", err)
	}
	return nil
}

func (s *MongoStore) RestoreMessages(ctx context.Context, snapshots []model.MessageSnapshot, at time.Time) error {
	if len(snapshots) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(snapshots))
	for _, snap := range snapshots {
		update := bson.M{"$set": bson.M{
			"content":     snap.Content,
			"attachments": fromAttachments(snap.Attachments),
			"status":      string(snap.Status),
			"isStarred":   snap.IsStarred,
			"isArchived":  snap.IsArchived,
			"updatedAt":   at,
		}}
		if snap.DeletedAt != nil {
			update["$set"].(bson.M)["deletedAt"] = *snap.DeletedAt
		} else {
			update["$unset"] = bson.M{"deletedAt": ""}
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(participants.IDFilter(snap.MessageID)).
			SetUpdate(update))
	}
	if _, err := s.messages().BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("restore messages: %w", err)
	}
	return nil
}

func (s *MongoStore) ToggleReaction(ctx context.Context, messageID string, reaction model.Reaction) (*model.Message, error) {
	match := bson.M{"userId": reaction.UserID, "emoji": reaction.Emoji}
	for range toggleAttempts {
		msg, err := s.findAndUpdateMessage(ctx,
			and(participants.IDFilter(messageID), bson.M{"reactions": bson.M{"$elemMatch": match}}),
			bson.M{"$pull": bson.M{"reactions": match}})
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("toggle reaction: %w", err)
		}

		msg, err = s.findAndUpdateMessage(ctx,
			and(participants.IDFilter(messageID), bson.M{"reactions": bson.M{"$not": bson.M{"$elemMatch": match}}}),
			bson.M{"$push": bson.M{"reactions": reactionDoc(reaction)}})
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("toggle reaction: %w", err)
		}
		// Neither matched: the message is gone or a concurrent toggle flipped it.
		if _, err := s.GetMessage(ctx, messageID); err != nil {
			return nil, err
		}
	}
	return nil, &registrystore.ConflictError{Message: "reaction changed concurrently", Code: "reaction_conflict"}
}

func (s *MongoStore) MarkMessagesRead(ctx context.Context, conv *model.Conversation, userID string, at time.Time) (int64, error) {
	res, err := s.messages().UpdateMany(ctx,
		and(inConversation(conv), visible(), bson.M{
			"senderId":      bson.M{"$ne": userID},
			"readBy.userId": bson.M{"$ne": userID},
		}),
		bson.M{"$push": bson.M{"readBy": readReceiptDoc{UserID: userID, ReadAt: at}}})
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) PromoteReadMessages(ctx context.Context, conv *model.Conversation, participantIDs []string) (int64, error) {
	filters := []bson.M{
		inConversation(conv),
		visible(),
		{"status": bson.M{"$ne": string(model.MessageStatusRead)}},
	}
	for _, id := range participantIDs {
		filters = append(filters, bson.M{"$or": bson.A{
			bson.M{"senderId": id},
			bson.M{"readBy.userId": id},
		}})
	}
	res, err := s.messages().UpdateMany(ctx, and(filters...),
		bson.M{"$set": bson.M{"status": string(model.MessageStatusRead)}})
	if err != nil {
		return 0, fmt.Errorf("promote read messages: %w", err)
	}
	return res.ModifiedCount, nil
}
