package mongo

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/plannr/messaging-service/internal/config"
	"github.com/plannr/messaging-service/internal/model"
	registrymigrate "github.com/plannr/messaging-service/internal/registry/migrate"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	conversationsCollection  = "conversations"
	messagesCollection       = "messages"
	bulkOperationsCollection = "bulk_operations"

	// Expired undo records linger for this long so late undo attempts can be
	// told apart from unknown operations.
	bulkOperationRetentionSeconds = 600
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MessagingStore, error) {
			cfg := config.FromContext(ctx)
			client, err := connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return New(client, cfg.DBName), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func connect(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.DBURL)
	if cfg.DBMaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
	}
	if cfg.DBMaxIdleConns > 0 {
		opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func dbName(cfg *config.Config) string {
	if cfg == nil || cfg.DBName == "" {
		return "messaging"
	}
	return cfg.DBName
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	client, err := connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mongo migration: %w", err)
	}
	defer client.Disconnect(ctx)

	if err := EnsureIndexes(ctx, client.Database(dbName(cfg))); err != nil {
		return err
	}
	log.Info("MongoDB schema migration complete")
	return nil
}

// EnsureIndexes creates the collections and indexes the store relies on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	collections := map[string][]mongo.IndexModel{
		conversationsCollection: {
			{
				// At most one active conversation per direct pair or context binding.
				Keys: bson.D{{Key: "dedupKey", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("unique_active_dedup_key").
					SetPartialFilterExpression(bson.M{
						"dedupKey": bson.M{"$type": "string"},
						"status":   string(model.ConversationStatusActive),
					}),
			},
			{Keys: bson.D{{Key: "participants.userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}}},
			{Keys: bson.D{{Key: "customerId", Value: 1}}},
			{Keys: bson.D{{Key: "supplierId", Value: 1}}},
			{Keys: bson.D{{Key: "recipientId", Value: 1}}},
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "context.referenceType", Value: 1}, {Key: "context.referenceId", Value: 1}}},
			{Keys: bson.D{{Key: "createdBy", Value: 1}, {Key: "createdAt", Value: 1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "threadId", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		bulkOperationsCollection: {
			{Keys: bson.D{{Key: "userId", Value: 1}}},
			{
				Keys:    bson.D{{Key: "expiresAt", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(bulkOperationRetentionSeconds),
			},
		},
	}

	for name, indexes := range collections {
		// Ensure collection exists
		db.CreateCollection(ctx, name)
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}

// MongoStore implements MessagingStore using MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ registrystore.MessagingStore = (*MongoStore)(nil)

// New returns a store backed by the named database of client.
func New(client *mongo.Client, database string) *MongoStore {
	if database == "" {
		database = "messaging"
	}
	return &MongoStore{client: client, db: client.Database(database)}
}

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection(conversationsCollection) }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection(messagesCollection) }
func (s *MongoStore) operations() *mongo.Collection {
	return s.db.Collection(bulkOperationsCollection)
}

func and(filters ...bson.M) bson.M {
	return bson.M{"$and": filters}
}

// idsFilter matches any document addressed by one of ids, native or legacy.
func idsFilter(ids []string) bson.M {
	in := bson.A{}
	for _, id := range ids {
		in = append(in, id)
		if oid, err := bson.ObjectIDFromHex(id); err == nil {
			in = append(in, oid)
		}
	}
	return bson.M{"$or": bson.A{
		bson.M{"_id": bson.M{"$in": in}},
		bson.M{"id": bson.M{"$in": ids}},
	}}
}

func idString(v any) string {
	switch id := v.(type) {
	case bson.ObjectID:
		return id.Hex()
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
