// Package push delivers web push notifications for new chat messages.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"campuscruiser/auth"
	"campuscruiser/metrics"
	"campuscruiser/models"
	"campuscruiser/store"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
)

const (
	sendTimeout = 10 * time.Second
	bodyLimit   = 100
)

var ErrDisabled = errors.New("push notifications are not configured")

// SendFunc matches webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        int
}

func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier fans a committed message out to the other side's browsers.
// Users' messages go to every admin, admins' messages to the conversation owner.
type Notifier struct {
	cfg   Config
	subs  store.PushSubscriptions
	send  SendFunc
	log   *logrus.Logger
	wg    sync.WaitGroup
	clock func() time.Time
}

func NewNotifier(cfg Config, subs store.PushSubscriptions, log *logrus.Logger) *Notifier {
	if cfg.Subject == "" {
		cfg.Subject = "mailto:admin@campuscruiser.app"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30
	}
	return &Notifier{
		cfg:   cfg,
		subs:  subs,
		send:  webpush.SendNotificationWithContext,
		log:   log,
		clock: time.Now,
	}
}

// SetSender replaces the transport.
func (n *Notifier) SetSender(send SendFunc) {
	n.send = send
}

func (n *Notifier) Enabled() bool { return n.cfg.Enabled() }

func (n *Notifier) PublicKey() string { return n.cfg.PublicKey }

// Subscribe registers a browser endpoint for the identity.
func (n *Notifier) Subscribe(ctx context.Context, id auth.Identity, sub webpush.Subscription) error {
	if !n.Enabled() {
		return ErrDisabled
	}
	return n.subs.Save(ctx, models.PushSubscription{
		Subject:   id.Subject,
		IsAdmin:   id.IsAdmin,
		Sub:       sub,
		CreatedAt: n.clock().Unix(),
	})
}

// MessageSent notifies asynchronously and returns immediately.
func (n *Notifier) MessageSent(ctx context.Context, msg models.Message, sender auth.Identity) {
	if !n.Enabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.WithField("panic", r).Error("push notification panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		n.deliver(ctx, msg, sender)
	}()
}

// Wait blocks until every in-flight notification has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, msg models.Message, sender auth.Identity) {
	var (
		targets []models.PushSubscription
		err     error
	)
	if msg.SenderRole == models.RoleUser {
		targets, err = n.subs.Admins(ctx)
	} else {
		targets, err = n.subs.ForSubject(ctx, msg.ConversationID)
	}
	if err != nil {
		n.log.WithError(err).WithField("conversation_id", msg.ConversationID).
			Warn("failed to load push subscriptions")
		return
	}
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(messagePayload(msg, sender))
	if err != nil {
		n.log.WithError(err).Error("failed to marshal push payload")
		return
	}
	for i := range targets {
		n.sendOne(ctx, payload, &targets[i])
	}
}

func (n *Notifier) sendOne(ctx context.Context, payload []byte, target *models.PushSubscription) {
	fields := logrus.Fields{"subject": target.Subject, "is_admin": target.IsAdmin}
	resp, err := n.send(ctx, payload, &target.Sub, &webpush.Options{
		Subscriber:      n.cfg.Subject,
		VAPIDPublicKey:  n.cfg.PublicKey,
		VAPIDPrivateKey: n.cfg.PrivateKey,
		TTL:             n.cfg.TTL,
	})
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		metrics.PushSent.WithLabelValues("error").Inc()
		n.log.WithError(err).WithFields(fields).Warn("push notification failed")
		return
	}
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		metrics.PushSent.WithLabelValues("expired").Inc()
		n.log.WithFields(fields).Info("push subscription expired, deleting")
		if err := n.subs.Delete(ctx, target.Sub.Endpoint); err != nil {
			n.log.WithError(err).WithFields(fields).Warn("failed to delete expired push subscription")
		}
		return
	}
	if resp.StatusCode >= 400 {
		metrics.PushSent.WithLabelValues("rejected").Inc()
		n.log.WithFields(fields).WithField("status", resp.StatusCode).Warn("push service rejected notification")
		return
	}
	metrics.PushSent.WithLabelValues("sent").Inc()
}

func messagePayload(msg models.Message, sender auth.Identity) Payload {
	title := "New message from support"
	url := "/chat"
	if msg.SenderRole == models.RoleUser {
		name := sender.DisplayName
		if name == "" {
			name = "Someone"
		}
		title = name + " sent a message"
		url = "/admin/conversations/" + msg.ConversationID
	}
	body := []rune(msg.Text)
	text := msg.Text
	if len(body) > bodyLimit {
		text = string(body[:bodyLimit]) + "..."
	}
	return Payload{
		Title: title,
		Body:  text,
		Data: map[string]any{
			"url":            url,
			"conversationId": msg.ConversationID,
			"seq":            msg.Seq,
		},
	}
}
