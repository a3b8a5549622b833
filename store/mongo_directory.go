package store

import (
	"context"
	"errors"
	"time"

	"campuscruiser/database"
	"campuscruiser/metrics"
	"campuscruiser/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDirectory stores conversation summaries, one document per
// conversation keyed by its id.
type MongoDirectory struct {
	db     *database.DB
	buffer int
}

func NewMongoDirectory(db *database.DB, buffer int) *MongoDirectory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MongoDirectory{db: db, buffer: buffer}
}

// Upsert applies the patch with $set so concurrent writers touching
// different fields never erase each other. A sequenced patch only matches a
// document holding an older lastSeq; when a newer one is stored the upsert
// collides on _id and only the stale remainder is written.
func (d *MongoDirectory) Upsert(ctx context.Context, conversationID string, patch models.SummaryPatch) error {
	defer metrics.ObserveSince("upsert", time.Now())
	if err := checkConversationID(conversationID); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	filter := bson.M{"_id": conversationID}
	if patch.LastSeq != nil {
		filter["$or"] = bson.A{
			bson.M{"lastSeq": bson.M{"$lt": *patch.LastSeq}},
			bson.M{"lastSeq": bson.M{"$exists": false}},
		}
	}
	_, err := d.db.Conversations.UpdateOne(ctx,
		filter,
		bson.M{"$set": patch.SetFields()},
		options.Update().SetUpsert(true),
	)
	if patch.LastSeq != nil && mongo.IsDuplicateKeyError(err) {
		return d.Upsert(ctx, conversationID, patch.Stale())
	}
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (d *MongoDirectory) Get(ctx context.Context, conversationID string) (*models.ConversationSummary, error) {
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	var sum models.ConversationSummary
	err := d.db.Conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&sum)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(conversationID)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return &sum, nil
}

func (d *MongoDirectory) List(ctx context.Context) ([]models.ConversationSummary, error) {
	cursor, err := d.db.Conversations.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer cursor.Close(ctx)

	out := []models.ConversationSummary{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

// SubscribeAll re-reads the ordered list after each burst of changes and
// delivers it as one snapshot.
func (d *MongoDirectory) SubscribeAll(ctx context.Context) (*DirectorySubscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	cs, err := d.db.Conversations.Watch(subCtx, mongo.Pipeline{})
	if err != nil {
		cancel()
		return nil, unavailable("subscribe", err)
	}
	first, err := d.List(subCtx)
	if err != nil {
		cs.Close(context.Background())
		cancel()
		return nil, err
	}

	sub := newSubscription[models.ConversationSummary](d.buffer)
	sub.stop = cancel
	metrics.ActiveSubscriptions.WithLabelValues("directory").Inc()

	go func() {
		var streamErr error
		defer func() {
			cs.Close(context.Background())
			cancel()
			metrics.ActiveSubscriptions.WithLabelValues("directory").Dec()
			sub.finish(streamErr)
		}()

		if !sub.deliver(subCtx, first) {
			return
		}
		for cs.Next(subCtx) {
			for cs.RemainingBatchLength() > 0 && cs.TryNext(subCtx) {
			}
			list, err := d.List(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					streamErr = err
				}
				return
			}
			if !sub.deliver(subCtx, list) {
				return
			}
		}
		if err := cs.Err(); err != nil && subCtx.Err() == nil {
			streamErr = unavailable("subscribe", err)
		}
	}()
	return sub, nil
}
