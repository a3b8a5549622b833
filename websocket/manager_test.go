package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"campuscruiser/auth"
	"campuscruiser/chat"
	"campuscruiser/models"
	"campuscruiser/store"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	url       string
	svc       *chat.Service
	directory *store.MemoryDirectory
	jwt       *auth.JWTProvider
	manager   *Manager
	cancel    context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	messages := store.NewMemoryStore(store.DefaultBuffer)
	directory := store.NewMemoryDirectory(store.DefaultBuffer)
	svc := chat.NewService(messages, directory, nil, log)
	issuer, err := auth.NewJWTProvider("ws-secret", time.Hour)
	require.NoError(t, err)

	m := NewManager(svc, issuer, log)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		messages.Close()
		directory.Close()
	})
	return &harness{
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		svc:       svc,
		directory: directory,
		jwt:       issuer,
		manager:   m,
		cancel:    cancel,
	}
}

func (h *harness) dial(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()
	token, _, err := h.jwt.Issue(id)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(h.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	expect(t, conn, "connected")
	return conn
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// expect reads frames until one of type kind arrives.
func expect(t *testing.T, conn *websocket.Conn, kind string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f received
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", kind)
		if f.Type == kind {
			return f.Payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, kind, conversationID string) {
	t.Helper()
	frame := map[string]any{"type": kind, "payload": map[string]string{"conversationId": conversationID}}
	require.NoError(t, conn.WriteJSON(frame))
}

type messagesPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
}

var (
	ada   = auth.Identity{Subject: "u1", DisplayName: "Ada"}
	staff = auth.Identity{Subject: "admin1", IsAdmin: true}
)

func TestRejectsMissingOrBadToken(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.url+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeChatStreamsInOrder(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, ada)

	send(t, conn, "subscribe_chat", "")
	var p messagesPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, "messages"), &p))
	assert.Equal(t, "u1", p.ConversationID)
	assert.Empty(t, p.Messages)

	ctx := context.Background()
	_, err := h.svc.Send(ctx, ada, "", "m1", "")
	require.NoError(t, err)
	_, err = h.svc.Send(ctx, staff, "u1", "m2", "")
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		require.NoError(t, json.Unmarshal(expect(t, conn, "messages"), &p))
		for _, m := range p.Messages {
			got = append(got, m.Text)
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestUserCannotSubscribeToOthers(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, ada)

	send(t, conn, "subscribe_chat", "u2")
	var e map[string]any
	require.NoError(t, json.Unmarshal(expect(t, conn, "error"), &e))
	assert.Equal(t, "forbidden", e["error"])

	send(t, conn, "subscribe_conversations", "")
	require.NoError(t, json.Unmarshal(expect(t, conn, "error"), &e))
	assert.Equal(t, "forbidden", e["error"])
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, ada)

	send(t, conn, "ping", "")
	expect(t, conn, "pong")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expect(t, conn, "error")
}

func TestAdminFocusMarksViewed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Send(ctx, ada, "", "hello?", "")
	require.NoError(t, err)

	conn := h.dial(t, staff)
	send(t, conn, "subscribe_conversations", "")
	var inbox struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(expect(t, conn, "conversations"), &inbox))
	require.Len(t, inbox.Conversations, 1)
	assert.True(t, inbox.Conversations[0].UnreadByAdmin)

	send(t, conn, "subscribe_chat", "u1")
	expect(t, conn, "messages")
	send(t, conn, "focus", "u1")

	// the directory change is pushed to the same socket
	require.NoError(t, json.Unmarshal(expect(t, conn, "conversations"), &inbox))
	require.Len(t, inbox.Conversations, 1)
	assert.False(t, inbox.Conversations[0].UnreadByAdmin)
	assert.False(t, inbox.Conversations[0].UnreadByUser)

	// once blurred, new user messages stay unread; the pong proves blur was handled
	send(t, conn, "blur", "")
	send(t, conn, "ping", "")
	expect(t, conn, "pong")
	_, err = h.svc.Send(ctx, ada, "", "still there?", "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		sum, err := h.directory.Get(ctx, "u1")
		return err == nil && sum.UnreadByAdmin
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, ada)
	require.Eventually(t, func() bool { return h.manager.ConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
}
