package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"campuscruiser/metrics"
	"campuscruiser/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type memConversation struct {
	log    []models.Message
	tokens map[string]int
	lastAt time.Time
}

// MemoryStore is an in-process MessageStore. Appends and subscriber
// registration share one lock, which is what makes the commit order total.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	convs   map[string]*memConversation
	failure error
	feed    *broker[models.Message]
}

func NewMemoryStore(buffer int) *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		convs: make(map[string]*memConversation),
		feed:  newBroker[models.Message]("messages", buffer),
	}
}

// SetClock replaces the commit clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetFailure makes every following operation fail with ErrStoreUnavailable
// wrapping err, until called again with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *MemoryStore) Append(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	defer metrics.ObserveSince("append", time.Now())
	if err := checkNew(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, unavailable("append", s.failure)
	}

	conv, ok := s.convs[in.ConversationID]
	if !ok {
		conv = &memConversation{tokens: make(map[string]int)}
		s.convs[in.ConversationID] = conv
	}
	if in.ClientToken != "" {
		if i, dup := conv.tokens[in.ClientToken]; dup {
			existing := conv.log[i]
			return &existing, nil
		}
	}

	at := s.now().UTC()
	if at.Before(conv.lastAt) {
		at = conv.lastAt
	}
	conv.lastAt = at

	msg := models.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: in.ConversationID,
		Seq:            int64(len(conv.log)) + 1,
		Text:           in.Text,
		SenderRole:     in.SenderRole,
		SenderID:       in.SenderID,
		ClientToken:    in.ClientToken,
		CreatedAt:      &at,
	}
	conv.log = append(conv.log, msg)
	if in.ClientToken != "" {
		conv.tokens[in.ClientToken] = len(conv.log) - 1
	}
	s.feed.publish(in.ConversationID, []models.Message{msg})
	return &msg, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, conversationID string) (*MessageSubscription, error) {
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, unavailable("subscribe", s.failure)
	}
	return s.feed.add(ctx, conversationID, s.snapshotLocked(conversationID)), nil
}

func (s *MemoryStore) ListOnce(ctx context.Context, conversationID string) ([]models.Message, error) {
	defer metrics.ObserveSince("list", time.Now())
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, unavailable("list", s.failure)
	}
	return s.snapshotLocked(conversationID), nil
}

// Subscribers reports the live subscriber count for a conversation.
func (s *MemoryStore) Subscribers(conversationID string) int {
	return s.feed.count(conversationID)
}

// Close ends every live subscription.
func (s *MemoryStore) Close() {
	s.feed.closeAll()
}

func (s *MemoryStore) snapshotLocked(conversationID string) []models.Message {
	conv, ok := s.convs[conversationID]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, len(conv.log))
	copy(out, conv.log)
	return out
}

const directoryTopic = "all"

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu        sync.Mutex
	summaries map[string]*models.ConversationSummary
	failure   error
	feed      *broker[models.ConversationSummary]
}

func NewMemoryDirectory(buffer int) *MemoryDirectory {
	return &MemoryDirectory{
		summaries: make(map[string]*models.ConversationSummary),
		feed:      newBroker[models.ConversationSummary]("directory", buffer),
	}
}

func (d *MemoryDirectory) SetFailure(err error) {
	d.mu.Lock()
	d.failure = err
	d.mu.Unlock()
}

func (d *MemoryDirectory) Upsert(ctx context.Context, conversationID string, patch models.SummaryPatch) error {
	defer metrics.ObserveSince("upsert", time.Now())
	if err := checkConversationID(conversationID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable("upsert", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return unavailable("upsert", d.failure)
	}
	if patch.Empty() {
		return nil
	}
	sum, ok := d.summaries[conversationID]
	if ok && !patch.Supersedes(*sum) {
		if patch = patch.Stale(); patch.Empty() {
			return nil
		}
	}
	if !ok {
		sum = &models.ConversationSummary{ConversationID: conversationID}
		d.summaries[conversationID] = sum
	}
	patch.Apply(sum)
	d.feed.publish(directoryTopic, d.listLocked())
	return nil
}

func (d *MemoryDirectory) Get(ctx context.Context, conversationID string) (*models.ConversationSummary, error) {
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return nil, unavailable("get", d.failure)
	}
	sum, ok := d.summaries[conversationID]
	if !ok {
		return nil, notFound(conversationID)
	}
	out := *sum
	return &out, nil
}

func (d *MemoryDirectory) List(ctx context.Context) ([]models.ConversationSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return nil, unavailable("list", d.failure)
	}
	return d.listLocked(), nil
}

func (d *MemoryDirectory) SubscribeAll(ctx context.Context) (*DirectorySubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return nil, unavailable("subscribe", d.failure)
	}
	return d.feed.add(ctx, directoryTopic, d.listLocked()), nil
}

func (d *MemoryDirectory) Close() {
	d.feed.closeAll()
}

func (d *MemoryDirectory) listLocked() []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(d.summaries))
	for _, s := range d.summaries {
		out = append(out, *s)
	}
	SortSummaries(out)
	return out
}

// SortSummaries orders summaries most recently active first, ties by id.
func SortSummaries(list []models.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ConversationID < b.ConversationID
	})
}

// MemoryPushSubscriptions is an in-process PushSubscriptions.
type MemoryPushSubscriptions struct {
	mu   sync.Mutex
	subs map[string]models.PushSubscription
}

func NewMemoryPushSubscriptions() *MemoryPushSubscriptions {
	return &MemoryPushSubscriptions{subs: make(map[string]models.PushSubscription)}
}

func (p *MemoryPushSubscriptions) Save(ctx context.Context, sub models.PushSubscription) error {
	if sub.Sub.Endpoint == "" {
		return invalid("push endpoint is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.ID.IsZero() {
		sub.ID = primitive.NewObjectID()
	}
	p.subs[sub.Sub.Endpoint] = sub
	return nil
}

func (p *MemoryPushSubscriptions) ForSubject(ctx context.Context, subject string) ([]models.PushSubscription, error) {
	return p.filter(func(s models.PushSubscription) bool { return s.Subject == subject }), nil
}

func (p *MemoryPushSubscriptions) Admins(ctx context.Context) ([]models.PushSubscription, error) {
	return p.filter(func(s models.PushSubscription) bool { return s.IsAdmin }), nil
}

func (p *MemoryPushSubscriptions) Delete(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, endpoint)
	return nil
}

func (p *MemoryPushSubscriptions) filter(keep func(models.PushSubscription) bool) []models.PushSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PushSubscription
	for _, s := range p.subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sub.Endpoint < out[j].Sub.Endpoint })
	return out
}
