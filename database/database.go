package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	MessagesCollection      = "messages"
	CountersCollection      = "conversation_counters"
	ConversationsCollection = "conversations"
	PushSubsCollection      = "push_subscriptions"
)

// DB bundles the client and the collections the chat backend uses.
type DB struct {
	Client        *mongo.Client
	Database      *mongo.Database
	Messages      *mongo.Collection
	Counters      *mongo.Collection
	Conversations *mongo.Collection
	PushSubs      *mongo.Collection
}

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, uri, name string) (*DB, error) {
	if uri == "" {
		uri = "mongodb://127.0.0.1:27017"
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return Open(client, name), nil
}

func Open(client *mongo.Client, name string) *DB {
	db := client.Database(name)
	return &DB{
		Client:        client,
		Database:      db,
		Messages:      db.Collection(MessagesCollection),
		Counters:      db.Collection(CountersCollection),
		Conversations: db.Collection(ConversationsCollection),
		PushSubs:      db.Collection(PushSubsCollection),
	}
}

// EnsureSchema creates the collections up front (transactions cannot create
// them implicitly on older servers) and the indexes queries rely on.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, name := range []string{MessagesCollection, CountersCollection, ConversationsCollection, PushSubsCollection} {
		if err := db.Database.CreateCollection(ctx, name); err != nil && !isNamespaceExists(err) {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	_, err := db.Messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "clientToken", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"clientToken": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	_, err = db.Conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "lastMessageAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	_, err = db.PushSubs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sub.endpoint", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "subject", Value: 1}}},
		{Keys: bson.D{{Key: "isAdmin", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("push subscription indexes: %w", err)
	}
	return nil
}

func (db *DB) Disconnect(ctx context.Context) error {
	if db == nil || db.Client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return db.Client.Disconnect(ctx)
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == 48
}
