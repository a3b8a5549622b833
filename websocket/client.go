package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"campuscruiser/auth"
	"campuscruiser/chat"
	"campuscruiser/models"
	"campuscruiser/store"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const directoryWatch = "conversations"

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type inbound struct {
	Type    string `json:"type"`
	Payload struct {
		ConversationID string `json:"conversationId"`
	} `json:"payload"`
}

type Client struct {
	conn     *websocket.Conn
	identity auth.Identity
	send     chan []byte
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
	focused string
}

type watch struct {
	cancel context.CancelFunc
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.manager.unregister <- c:
		case <-c.manager.baseContext().Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger().WithError(err).Info("websocket read error")
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.emitError("", errors.New("malformed frame"))
			continue
		}

		switch in.Type {
		case "subscribe_chat":
			c.subscribeChat(in.Payload.ConversationID)
		case "unsubscribe_chat":
			c.unsubscribeChat(in.Payload.ConversationID)
		case "focus":
			c.focus(in.Payload.ConversationID)
		case "blur":
			c.blur()
		case "subscribe_conversations":
			c.subscribeConversations()
		case "ping":
			c.emit("pong", map[string]any{"time": time.Now().Unix()})
		default:
			c.emitError("", errors.New("unknown frame type "+in.Type))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func chatWatch(conversationID string) string { return "chat:" + conversationID }

func (c *Client) subscribeChat(requested string) {
	convID, err := chat.ConversationFor(c.identity, requested)
	if err != nil {
		c.emitError(requested, err)
		return
	}
	key := chatWatch(convID)
	ctx, w := c.startWatch(key)
	if w == nil {
		return
	}

	focused := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.focused == convID
	}
	go func() {
		defer c.endWatch(key, w)
		err := c.manager.chat.Watch(ctx, c.identity, convID, focused, func(batch []models.Message) error {
			return c.enqueue(ctx, "messages", map[string]any{
				"conversationId": convID,
				"messages":       batch,
			})
		})
		if err != nil && ctx.Err() == nil {
			c.emitError(convID, err)
		}
	}()
}

func (c *Client) unsubscribeChat(requested string) {
	convID, err := chat.ConversationFor(c.identity, requested)
	if err != nil {
		c.emitError(requested, err)
		return
	}
	c.stopWatch(chatWatch(convID))
}

func (c *Client) subscribeConversations() {
	if !c.identity.IsAdmin {
		c.emitError("", chat.ErrForbidden)
		return
	}
	ctx, w := c.startWatch(directoryWatch)
	if w == nil {
		return
	}
	go func() {
		defer c.endWatch(directoryWatch, w)
		err := c.manager.chat.WatchDirectory(ctx, c.identity, func(snapshot []models.ConversationSummary) error {
			return c.enqueue(ctx, "conversations", map[string]any{"conversations": snapshot})
		})
		if err != nil && ctx.Err() == nil {
			c.emitError("", err)
		}
	}()
}

// focus marks the conversation as on screen. Everything already delivered
// is now visible, so it counts as viewed immediately.
func (c *Client) focus(requested string) {
	convID, err := chat.ConversationFor(c.identity, requested)
	if err != nil {
		c.emitError(requested, err)
		return
	}
	c.mu.Lock()
	c.focused = convID
	c.mu.Unlock()
	if _, err := c.manager.chat.View(c.ctx, c.identity, convID); err != nil {
		c.emitError(convID, err)
	}
}

func (c *Client) blur() {
	c.mu.Lock()
	c.focused = ""
	c.mu.Unlock()
}

// startWatch reserves key; it returns a nil watch when one already runs.
func (c *Client) startWatch(key string) (context.Context, *watch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.watches[key]; running {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	w := &watch{cancel: cancel}
	c.watches[key] = w
	return ctx, w
}

func (c *Client) stopWatch(key string) {
	c.mu.Lock()
	w, ok := c.watches[key]
	delete(c.watches, key)
	c.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// endWatch releases key unless a newer watch has taken it over.
func (c *Client) endWatch(key string, w *watch) {
	w.cancel()
	c.mu.Lock()
	if c.watches[key] == w {
		delete(c.watches, key)
	}
	c.mu.Unlock()
}

// enqueue waits for room in the send buffer so batches keep their order.
// A stalled socket backs up into the subscription, which then lags out.
func (c *Client) enqueue(ctx context.Context, kind string, payload any) error {
	msg, err := encode(kind, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) emit(kind string, payload any) {
	if err := c.enqueue(c.ctx, kind, payload); err != nil && c.ctx.Err() == nil {
		c.logger().WithError(err).Warn("failed to queue websocket frame")
	}
}

func (c *Client) emitError(conversationID string, err error) {
	code, retryable := errorCode(err)
	c.logger().WithError(err).WithField("conversation_id", conversationID).Debug("websocket request failed")
	c.emit("error", map[string]any{
		"error":          code,
		"message":        err.Error(),
		"conversationId": conversationID,
		"retryable":      retryable,
	})
}

func errorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, store.ErrSubscriberLagged):
		return "subscriber_lagged", true
	case errors.Is(err, store.ErrStoreUnavailable):
		return "store_unavailable", true
	case errors.Is(err, store.ErrValidation):
		return "validation_error", false
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden", false
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated", false
	default:
		return "bad_request", false
	}
}

func (c *Client) logger() *logrus.Entry {
	return c.manager.log.WithField("subject", c.identity.Subject)
}
