package chat

import (
	"context"
	"errors"
	"time"

	"campuscruiser/metrics"
	"campuscruiser/models"
	"campuscruiser/store"

	"github.com/sirupsen/logrus"
)

const directoryTimeout = 5 * time.Second

// Controller is the only writer of conversation summaries. Its writes are
// best-effort: failures are logged and counted, never returned.
type Controller struct {
	directory store.Directory
	log       *logrus.Logger
}

func NewController(directory store.Directory, log *logrus.Logger) *Controller {
	return &Controller{directory: directory, log: log}
}

// AppendPatch is the directory change caused by msg: activity time advances,
// the other side becomes unread and the sender's own flag clears. cachedName
// is the display name currently stored for the conversation.
func AppendPatch(msg models.Message, displayName, cachedName string) models.SummaryPatch {
	var p models.SummaryPatch
	if msg.Seq > 0 {
		seq := msg.Seq
		p.LastSeq = &seq
	}
	if msg.CreatedAt != nil {
		at := *msg.CreatedAt
		p.LastMessageAt = &at
	}
	preview := models.Preview(msg.Text)
	p.LastMessage = &preview
	role := msg.SenderRole
	p.LastSenderRole = &role
	p.SetUnread(msg.SenderRole.Opposite(), true)
	p.SetUnread(msg.SenderRole, false)
	if msg.SenderRole == models.RoleUser && displayName != "" && displayName != cachedName {
		name := displayName
		p.DisplayName = &name
	}
	return p
}

// ViewedPatch clears the viewer's own unread flag and nothing else.
func ViewedPatch(viewer models.Role) models.SummaryPatch {
	var p models.SummaryPatch
	p.SetUnread(viewer, false)
	return p
}

func (c *Controller) OnMessageAppended(ctx context.Context, msg models.Message, displayName string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	var cached string
	if msg.SenderRole == models.RoleUser && displayName != "" {
		sum, err := c.directory.Get(ctx, msg.ConversationID)
		switch {
		case err == nil:
			cached = sum.DisplayName
		case !errors.Is(err, store.ErrNotFound):
			c.log.WithError(err).WithField("conversation_id", msg.ConversationID).
				Debug("directory read before append update failed")
		}
	}

	if err := c.directory.Upsert(ctx, msg.ConversationID, AppendPatch(msg, displayName, cached)); err != nil {
		metrics.DirectoryUpsertFailures.WithLabelValues("append").Inc()
		c.log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": msg.ConversationID,
			"sender_role":     msg.SenderRole,
			"seq":             msg.Seq,
		}).Warn("directory update after append failed")
	}
}

// OnConversationViewed clears the viewer's flag. A conversation with no
// summary yet has no messages, so there is nothing to clear.
func (c *Controller) OnConversationViewed(ctx context.Context, conversationID string, viewer models.Role) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := c.directory.Get(ctx, conversationID); errors.Is(err, store.ErrNotFound) {
		return
	}
	if err := c.directory.Upsert(ctx, conversationID, ViewedPatch(viewer)); err != nil {
		metrics.DirectoryUpsertFailures.WithLabelValues("viewed").Inc()
		c.log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"viewer_role":     viewer,
		}).Warn("directory update after view failed")
	}
}

// detached keeps request values but outlives the request, so a client
// disconnecting right after a send does not cancel the summary write.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), directoryTimeout)
}
