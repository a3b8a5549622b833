package store

import (
	"context"
	"errors"
	"time"

	"campuscruiser/database"
	"campuscruiser/metrics"
	"campuscruiser/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessageStore keeps the message log in MongoDB. Each append runs in a
// transaction that bumps the conversation counter and inserts the message;
// concurrent appends to one conversation conflict on the counter document,
// so Seq order is commit order. Requires a replica set.
type MongoMessageStore struct {
	db     *database.DB
	buffer int
}

func NewMongoMessageStore(db *database.DB, buffer int) *MongoMessageStore {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MongoMessageStore{db: db, buffer: buffer}
}

type counterDoc struct {
	Seq int64     `bson:"seq"`
	At  time.Time `bson:"at"`
}

func (s *MongoMessageStore) Append(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	defer metrics.ObserveSince("append", time.Now())
	if err := checkNew(in); err != nil {
		return nil, err
	}
	if in.ClientToken != "" {
		existing, err := s.byToken(ctx, in.ConversationID, in.ClientToken)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, unavailable("append", err)
		}
	}

	sess, err := s.db.Client.StartSession()
	if err != nil {
		return nil, unavailable("append", err)
	}
	defer sess.EndSession(context.Background())

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var counter counterDoc
		err := s.db.Counters.FindOneAndUpdate(sc,
			bson.M{"_id": in.ConversationID},
			bson.M{"$inc": bson.M{"seq": 1}, "$currentDate": bson.M{"at": true}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&counter)
		if err != nil {
			return nil, err
		}
		at := counter.At.UTC()
		msg := &models.Message{
			ID:             primitive.NewObjectID(),
			ConversationID: in.ConversationID,
			Seq:            counter.Seq,
			Text:           in.Text,
			SenderRole:     in.SenderRole,
			SenderID:       in.SenderID,
			ClientToken:    in.ClientToken,
			CreatedAt:      &at,
		}
		if _, err := s.db.Messages.InsertOne(sc, msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		if in.ClientToken != "" && mongo.IsDuplicateKeyError(err) {
			if existing, ferr := s.byToken(ctx, in.ConversationID, in.ClientToken); ferr == nil {
				return existing, nil
			}
		}
		return nil, unavailable("append", err)
	}
	return res.(*models.Message), nil
}

func (s *MongoMessageStore) ListOnce(ctx context.Context, conversationID string) ([]models.Message, error) {
	defer metrics.ObserveSince("list", time.Now())
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.after(ctx, conversationID, 0)
	if err != nil {
		return nil, unavailable("list", err)
	}
	return msgs, nil
}

// Subscribe opens the change stream before reading the snapshot so that no
// commit can fall between the two; events already covered by the snapshot are
// skipped by Seq.
func (s *MongoMessageStore) Subscribe(ctx context.Context, conversationID string) (*MessageSubscription, error) {
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)

	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{
		{Key: "operationType", Value: "insert"},
		{Key: "fullDocument.conversationId", Value: conversationID},
	}}}}
	cs, err := s.db.Messages.Watch(subCtx, pipeline)
	if err != nil {
		cancel()
		return nil, unavailable("subscribe", err)
	}
	snapshot, err := s.after(subCtx, conversationID, 0)
	if err != nil {
		cs.Close(context.Background())
		cancel()
		return nil, unavailable("subscribe", err)
	}

	sub := newSubscription[models.Message](s.buffer)
	sub.stop = cancel
	metrics.ActiveSubscriptions.WithLabelValues("messages").Inc()

	go func() {
		var streamErr error
		defer func() {
			cs.Close(context.Background())
			cancel()
			metrics.ActiveSubscriptions.WithLabelValues("messages").Dec()
			sub.finish(streamErr)
		}()

		var last int64
		if n := len(snapshot); n > 0 {
			last = snapshot[n-1].Seq
		}
		if !sub.deliver(subCtx, snapshot) {
			return
		}
		for cs.Next(subCtx) {
			var ev struct {
				FullDocument models.Message `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				streamErr = unavailable("subscribe", err)
				return
			}
			if ev.FullDocument.Seq <= last {
				continue
			}
			last = ev.FullDocument.Seq
			if !sub.deliver(subCtx, []models.Message{ev.FullDocument}) {
				return
			}
		}
		if err := cs.Err(); err != nil && subCtx.Err() == nil {
			streamErr = unavailable("subscribe", err)
		}
	}()
	return sub, nil
}

func (s *MongoMessageStore) after(ctx context.Context, conversationID string, seq int64) ([]models.Message, error) {
	cursor, err := s.db.Messages.Find(ctx,
		bson.M{"conversationId": conversationID, "seq": bson.M{"$gt": seq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	msgs := []models.Message{}
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MongoMessageStore) byToken(ctx context.Context, conversationID, token string) (*models.Message, error) {
	var msg models.Message
	err := s.db.Messages.FindOne(ctx, bson.M{"conversationId": conversationID, "clientToken": token}).Decode(&msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
