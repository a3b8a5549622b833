package store

import (
	"context"
	"time"

	"campuscruiser/database"
	"campuscruiser/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoPushSubscriptions struct {
	db *database.DB
}

func NewMongoPushSubscriptions(db *database.DB) *MongoPushSubscriptions {
	return &MongoPushSubscriptions{db: db}
}

// Save upserts by endpoint: a browser re-subscribing replaces its old keys.
func (p *MongoPushSubscriptions) Save(ctx context.Context, sub models.PushSubscription) error {
	if sub.Sub.Endpoint == "" {
		return invalid("push endpoint is required")
	}
	if sub.CreatedAt == 0 {
		sub.CreatedAt = time.Now().Unix()
	}
	_, err := p.db.PushSubs.UpdateOne(ctx,
		bson.M{"sub.endpoint": sub.Sub.Endpoint},
		bson.M{
			"$set": bson.M{
				"subject": sub.Subject,
				"isAdmin": sub.IsAdmin,
				"sub":     sub.Sub,
			},
			"$setOnInsert": bson.M{"_id": primitive.NewObjectID(), "createdAt": sub.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return unavailable("save push subscription", err)
	}
	return nil
}

func (p *MongoPushSubscriptions) ForSubject(ctx context.Context, subject string) ([]models.PushSubscription, error) {
	return p.find(ctx, bson.M{"subject": subject})
}

func (p *MongoPushSubscriptions) Admins(ctx context.Context) ([]models.PushSubscription, error) {
	return p.find(ctx, bson.M{"isAdmin": true})
}

func (p *MongoPushSubscriptions) Delete(ctx context.Context, endpoint string) error {
	if _, err := p.db.PushSubs.DeleteOne(ctx, bson.M{"sub.endpoint": endpoint}); err != nil {
		return unavailable("delete push subscription", err)
	}
	return nil
}

func (p *MongoPushSubscriptions) find(ctx context.Context, filter bson.M) ([]models.PushSubscription, error) {
	cursor, err := p.db.PushSubs.Find(ctx, filter)
	if err != nil {
		return nil, unavailable("find push subscriptions", err)
	}
	defer cursor.Close(ctx)

	var out []models.PushSubscription
	if err := cursor.All(ctx, &out); err != nil {
		return nil, unavailable("find push subscriptions", err)
	}
	return out, nil
}
