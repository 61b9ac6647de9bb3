package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plannr/messaging-service/internal/model"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (s *MongoStore) CreateBulkOperation(ctx context.Context, op *model.BulkOperation) error {
	if _, err := s.operations().InsertOne(ctx, newBulkOperationDoc(op)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{Message: "operation already exists", Code: "duplicate_operation"}
		}
		return fmt.Errorf("create bulk operation: %w", err)
	}
	return nil
}

func (s *MongoStore) GetBulkOperation(ctx context.Context, operationID string) (*model.BulkOperation, error) {
	var doc bulkOperationDoc
	err := s.operations().FindOne(ctx, bson.M{"_id": operationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "operation", ID: operationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get bulk operation: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) ConsumeBulkOperation(ctx context.Context, operationID string, at time.Time) (*model.BulkOperation, error) {
	var doc bulkOperationDoc
	err := s.operations().FindOneAndUpdate(ctx,
		bson.M{"_id": operationID, "undoneAt": nil},
		bson.M{"$set": bson.M{"undoneAt": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "operation", ID: operationID}
	}
	if err != nil {
		return nil, fmt.Errorf("consume bulk operation: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) DeleteBulkOperation(ctx context.Context, operationID string) error {
	if _, err := s.operations().DeleteOne(ctx, bson.M{"_id": operationID}); err != nil {
		return fmt.Errorf("delete bulk operation: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteExpiredBulkOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.operations().DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete expired bulk operations: %w", err)
	}
	return res.DeletedCount, nil
}
