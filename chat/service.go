// Package chat implements the user <-> admin conversation flow on top of the
// message store and the conversation directory.
package chat

import (
	"context"
	"errors"
	"fmt"

	"campuscruiser/auth"
	"campuscruiser/metrics"
	"campuscruiser/models"
	"campuscruiser/store"

	"github.com/sirupsen/logrus"
)

var ErrForbidden = errors.New("forbidden")

// Notifier is told about every committed message. Implementations must not block.
type Notifier interface {
	MessageSent(ctx context.Context, msg models.Message, sender auth.Identity)
}

type Service struct {
	messages   store.MessageStore
	directory  store.Directory
	controller *Controller
	notifier   Notifier
	log        *logrus.Logger
}

func NewService(messages store.MessageStore, directory store.Directory, notifier Notifier, log *logrus.Logger) *Service {
	return &Service{
		messages:   messages,
		directory:  directory,
		controller: NewController(directory, log),
		notifier:   notifier,
		log:        log,
	}
}

func (s *Service) Controller() *Controller { return s.controller }

// ConversationFor resolves which conversation id acts on. Users only ever
// reach their own conversation, whose id is their subject; admins must name one.
func ConversationFor(id auth.Identity, conversationID string) (string, error) {
	if id.Subject == "" {
		return "", auth.ErrUnauthenticated
	}
	if id.IsAdmin {
		if conversationID == "" {
			return "", fmt.Errorf("%w: conversation id is required", store.ErrValidation)
		}
		return conversationID, nil
	}
	if conversationID != "" && conversationID != id.Subject {
		return "", fmt.Errorf("%w: conversation %s belongs to another user", ErrForbidden, conversationID)
	}
	return id.Subject, nil
}

// Send appends a message and then updates the directory and notifies the
// other side. Only the append can fail the call.
func (s *Service) Send(ctx context.Context, id auth.Identity, conversationID, text, clientToken string) (*models.Message, error) {
	convID, err := ConversationFor(id, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := s.messages.Append(ctx, models.NewMessage{
		ConversationID: convID,
		SenderRole:     id.Role(),
		SenderID:       id.Subject,
		Text:           text,
		ClientToken:    clientToken,
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppended.WithLabelValues(string(msg.SenderRole)).Inc()
	s.log.WithFields(logrus.Fields{
		"conversation_id": msg.ConversationID,
		"sender_role":     msg.SenderRole,
		"seq":             msg.Seq,
	}).Debug("message appended")

	var name string
	if !id.IsAdmin {
		name = id.DisplayName
	}
	s.controller.OnMessageAppended(ctx, *msg, name)
	if s.notifier != nil {
		s.notifier.MessageSent(ctx, *msg, id)
	}
	return msg, nil
}

// View marks the conversation as read for the caller's side.
func (s *Service) View(ctx context.Context, id auth.Identity, conversationID string) (string, error) {
	convID, err := ConversationFor(id, conversationID)
	if err != nil {
		return "", err
	}
	s.controller.OnConversationViewed(ctx, convID, id.Role())
	return convID, nil
}

func (s *Service) History(ctx context.Context, id auth.Identity, conversationID string) ([]models.Message, error) {
	convID, err := ConversationFor(id, conversationID)
	if err != nil {
		return nil, err
	}
	return s.messages.ListOnce(ctx, convID)
}

// Summary returns the directory entry, or nil when the conversation has no
// activity yet.
func (s *Service) Summary(ctx context.Context, id auth.Identity, conversationID string) (*models.ConversationSummary, error) {
	convID, err := ConversationFor(id, conversationID)
	if err != nil {
		return nil, err
	}
	sum, err := s.directory.Get(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sum, err
}

func (s *Service) Inbox(ctx context.Context, id auth.Identity) ([]models.ConversationSummary, error) {
	if !id.IsAdmin {
		return nil, fmt.Errorf("%w: inbox is admin only", ErrForbidden)
	}
	return s.directory.List(ctx)
}

// Watch streams a conversation to fn until ctx ends or the feed fails. After
// every delivered batch, if focused reports true, the conversation is marked
// viewed for the watcher's side: a batch reaching a focused viewer counts as read.
func (s *Service) Watch(ctx context.Context, id auth.Identity, conversationID string, focused func() bool, fn func([]models.Message) error) error {
	convID, err := ConversationFor(id, conversationID)
	if err != nil {
		return err
	}
	sub, err := s.messages.Subscribe(ctx, convID)
	if err != nil {
		return err
	}
	defer sub.Close()

	for batch := range sub.Updates() {
		if err := fn(batch); err != nil {
			return err
		}
		if focused != nil && focused() {
			s.controller.OnConversationViewed(ctx, convID, id.Role())
		}
	}
	if err := sub.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// WatchDirectory streams ordered inbox snapshots to fn. Admin only.
func (s *Service) WatchDirectory(ctx context.Context, id auth.Identity, fn func([]models.ConversationSummary) error) error {
	if !id.IsAdmin {
		return fmt.Errorf("%w: inbox is admin only", ErrForbidden)
	}
	sub, err := s.directory.SubscribeAll(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for snapshot := range sub.Updates() {
		if err := fn(snapshot); err != nil {
			return err
		}
	}
	if err := sub.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
