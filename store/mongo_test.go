//go:build container

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"campuscruiser/database"
	"campuscruiser/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Transactions and change streams need a replica set, so every test gets a
// fresh database on one shared single-node set.
var (
	mongoOnce   sync.Once
	mongoClient *mongo.Client
	mongoErr    error
)

func mongoDB(t *testing.T) *database.DB {
	t.Helper()
	mongoOnce.Do(func() {
		ctx := context.Background()
		container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
		if err != nil {
			mongoErr = err
			return
		}
		uri, err := container.ConnectionString(ctx)
		if err != nil {
			mongoErr = err
			_ = tc.TerminateContainer(container)
			return
		}
		mongoClient, mongoErr = mongo.Connect(ctx, options.Client().ApplyURI(uri).SetDirect(true))
	})
	require.NoError(t, mongoErr)

	name := fmt.Sprintf("chat_%d", time.Now().UnixNano())
	db := database.Open(mongoClient, name)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.EnsureSchema(ctx))
	t.Cleanup(func() { _ = db.Database.Drop(context.Background()) })
	return db
}

func TestMongoAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMongoMessageStore(mongoDB(t), DefaultBuffer)

	m1, err := s.Append(ctx, userMsg("u1", "hello"))
	require.NoError(t, err)
	m2, err := s.Append(ctx, adminMsg("u1", "hi there"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	require.NotNil(t, m1.CreatedAt)
	assert.False(t, m2.CreatedAt.Before(*m1.CreatedAt))

	msgs, err := s.ListOnce(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, models.RoleUser, msgs[0].SenderRole)
	assert.Equal(t, "u1", msgs[0].SenderID)
	assert.NotNil(t, msgs[0].CreatedAt)

	_, err = s.Append(ctx, userMsg("u1", " "))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMongoClientTokenDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMongoMessageStore(mongoDB(t), DefaultBuffer)

	in := userMsg("u1", "once")
	in.ClientToken = "tok"
	first, err := s.Append(ctx, in)
	require.NoError(t, err)
	again, err := s.Append(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	msgs, err := s.ListOnce(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMongoSubscribeOrderUnderConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMongoMessageStore(mongoDB(t), 256)

	_, err := s.Append(ctx, userMsg("u1", "before"))
	require.NoError(t, err)

	subA, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer subB.Close()

	const writers, perWriter = 4, 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Append(ctx, userMsg("u1", fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	const total = writers*perWriter + 1
	collect := func(sub *MessageSubscription) []models.Message {
		var out []models.Message
		deadline := time.After(20 * time.Second)
		for len(out) < total {
			select {
			case b, ok := <-sub.Updates():
				require.True(t, ok, "closed: %v", sub.Err())
				out = append(out, b...)
			case <-deadline:
				t.Fatalf("received %d of %d", len(out), total)
			}
		}
		return out
	}
	a, b := collect(subA), collect(subB)
	for i := range a {
		assert.Equal(t, int64(i+1), a[i].Seq)
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}

func TestMongoDirectory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewMongoDirectory(mongoDB(t), DefaultBuffer)

	_, err := d.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	sub, err := d.SubscribeAll(ctx)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, recv(t, sub))

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	name := "Ada"
	p := summaryAt(at)
	p.DisplayName = &name
	p.SetUnread(models.RoleAdmin, true)
	p.SetUnread(models.RoleUser, false)
	require.NoError(t, d.Upsert(ctx, "u1", p))

	var viewed models.SummaryPatch
	viewed.SetUnread(models.RoleAdmin, false)
	require.NoError(t, d.Upsert(ctx, "u1", viewed))
	require.NoError(t, d.Upsert(ctx, "u2", summaryAt(at.Add(time.Minute))))

	sum, err := d.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", sum.DisplayName)
	assert.True(t, sum.LastMessageAt.Equal(at))
	assert.False(t, sum.UnreadByAdmin)

	assert.Eventually(t, func() bool {
		select {
		case snap := <-sub.Updates():
			return len(snap) == 2 && snap[0].ConversationID == "u2"
		default:
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
}

func TestMongoDirectoryDropsOlderSequence(t *testing.T) {
	ctx := context.Background()
	d := NewMongoDirectory(mongoDB(t), DefaultBuffer)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, d.Upsert(ctx, "u1", sequenced(2, at.Add(time.Second), models.RoleAdmin)))

	late := sequenced(1, at, models.RoleUser)
	name := "Ada"
	late.DisplayName = &name
	require.NoError(t, d.Upsert(ctx, "u1", late))

	sum, err := d.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.LastSeq)
	assert.True(t, sum.LastMessageAt.Equal(at.Add(time.Second)))
	assert.Equal(t, models.RoleAdmin, sum.LastSenderRole)
	assert.True(t, sum.UnreadByUser)
	assert.Equal(t, "Ada", sum.DisplayName)

	require.NoError(t, d.Upsert(ctx, "u1", sequenced(3, at.Add(2*time.Second), models.RoleUser)))
	sum, err = d.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.LastSeq)
	assert.True(t, sum.UnreadByAdmin)
}

func TestMongoPushSubscriptions(t *testing.T) {
	ctx := context.Background()
	p := NewMongoPushSubscriptions(mongoDB(t))

	save := func(subject, endpoint string, admin bool) {
		require.NoError(t, p.Save(ctx, models.PushSubscription{
			Subject: subject, IsAdmin: admin, Sub: webpush.Subscription{Endpoint: endpoint},
		}))
	}
	save("u1", "https://push.example/a", false)
	save("admin1", "https://push.example/b", true)
	save("u2", "https://push.example/a", false)

	mine, err := p.ForSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, mine, "endpoint moved to u2")

	admins, err := p.Admins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)

	require.NoError(t, p.Delete(ctx, "https://push.example/b"))
	admins, err = p.Admins(ctx)
	require.NoError(t, err)
	assert.Empty(t, admins)
}
