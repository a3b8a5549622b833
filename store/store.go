// Package store holds the chat persistence contracts: the append-only
// message log, the conversation directory and push subscriptions, with
// in-memory and MongoDB backends.
package store

import (
	"context"
	"strings"
	"unicode/utf8"

	"campuscruiser/models"
)

// MaxTextLength bounds a single message, in runes.
const MaxTextLength = 4000

// DefaultBuffer is the per-subscriber queue depth, in batches.
const DefaultBuffer = 64

type (
	MessageSubscription   = Subscription[models.Message]
	DirectorySubscription = Subscription[models.ConversationSummary]
)

// MessageStore is the per-conversation ordered message log.
//
// Subscribe delivers the committed prefix as its first batch and every later
// append as incremental batches, ascending by Seq. All subscribers of one
// conversation observe the same order.
type MessageStore interface {
	Append(ctx context.Context, msg models.NewMessage) (*models.Message, error)
	Subscribe(ctx context.Context, conversationID string) (*MessageSubscription, error)
	ListOnce(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Directory keeps one summary per conversation. Upsert is a field-level
// merge. SubscribeAll delivers full snapshots ordered by LastMessageAt
// descending, one per change.
type Directory interface {
	Upsert(ctx context.Context, conversationID string, patch models.SummaryPatch) error
	Get(ctx context.Context, conversationID string) (*models.ConversationSummary, error)
	List(ctx context.Context) ([]models.ConversationSummary, error)
	SubscribeAll(ctx context.Context) (*DirectorySubscription, error)
}

// PushSubscriptions stores browser push endpoints, keyed by endpoint.
type PushSubscriptions interface {
	Save(ctx context.Context, sub models.PushSubscription) error
	ForSubject(ctx context.Context, subject string) ([]models.PushSubscription, error)
	Admins(ctx context.Context) ([]models.PushSubscription, error)
	Delete(ctx context.Context, endpoint string) error
}

func checkNew(in models.NewMessage) error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return invalid("conversation id is required")
	}
	if !in.SenderRole.Valid() {
		return invalid("unknown sender role %q", in.SenderRole)
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return invalid("sender id is required")
	}
	if strings.TrimSpace(in.Text) == "" {
		return invalid("message text is empty")
	}
	if utf8.RuneCountInString(in.Text) > MaxTextLength {
		return invalid("message text exceeds %d characters", MaxTextLength)
	}
	return nil
}

func checkConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("conversation id is required")
	}
	return nil
}
