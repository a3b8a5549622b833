package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"campuscruiser/auth"
	"campuscruiser/chat"
	"campuscruiser/handlers"
	"campuscruiser/middleware"
	"campuscruiser/push"
	"campuscruiser/store"
	"campuscruiser/websocket"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	router   *gin.Engine
	messages *store.MemoryStore
	jwt      *auth.JWTProvider
}

func newServer(t *testing.T) *server {
	t.Helper()
	log, _ := test.NewNullLogger()
	messages := store.NewMemoryStore(store.DefaultBuffer)
	directory := store.NewMemoryDirectory(store.DefaultBuffer)
	notifier := push.NewNotifier(push.Config{}, store.NewMemoryPushSubscriptions(), log)
	svc := chat.NewService(messages, directory, notifier, log)

	issuer, err := auth.NewJWTProvider("test-secret", time.Hour)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	router := SetupRouter(Deps{
		Handlers: handlers.New(handlers.Options{
			Chat:   svc,
			Push:   notifier,
			Admins: auth.AdminAccounts{"admin1": hash},
			Issuer: issuer,
			Log:    log,
		}),
		WebSocket:   websocket.NewManager(svc, issuer, log),
		Provider:    issuer,
		RateLimiter: middleware.NewRateLimiter(1000, 1000),
		CORSOrigins: []string{"http://localhost:3000"},
		Log:         log,
	})
	t.Cleanup(func() {
		messages.Close()
		directory.Close()
	})
	return &server{router: router, messages: messages, jwt: issuer}
}

func (s *server) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, _, err := s.jwt.Issue(id)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

var (
	ada   = auth.Identity{Subject: "u1", DisplayName: "Ada"}
	grace = auth.Identity{Subject: "u2", DisplayName: "Grace"}
	staff = auth.Identity{Subject: "admin1", IsAdmin: true}
)

func TestHealthAndMetricsArePublic(t *testing.T) {
	s := newServer(t)
	code, body := s.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s := newServer(t)
	code, body := s.do(t, http.MethodPost, "/api/messages", "", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", body["error"])

	code, _ = s.do(t, http.MethodGet, "/api/me/conversation", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestChatFlowOverHTTP(t *testing.T) {
	s := newServer(t)
	user, admin := s.token(t, ada), s.token(t, staff)

	code, body := s.do(t, http.MethodGet, "/api/me/conversation", user, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["summary"], "no conversation yet")

	code, body = s.do(t, http.MethodPost, "/api/messages", user, map[string]string{"text": "Hi, need help"})
	require.Equal(t, http.StatusCreated, code)
	msg := body["message"].(map[string]any)
	assert.EqualValues(t, 1, msg["seq"])
	assert.Equal(t, "user", msg["senderRole"])
	assert.NotNil(t, msg["createdAt"])

	code, body = s.do(t, http.MethodGet, "/api/conversations", admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	inbox := body["conversations"].([]any)
	first := inbox[0].(map[string]any)
	assert.Equal(t, "u1", first["conversationId"])
	assert.Equal(t, true, first["unreadByAdmin"])
	assert.Equal(t, "Ada", first["displayName"])

	code, _ = s.do(t, http.MethodPost, "/api/conversations/u1/viewed", admin, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, "/api/conversations/u1/messages", admin, map[string]string{"text": "How can I help?"})
	require.Equal(t, http.StatusCreated, code)

	code, body = s.do(t, http.MethodGet, "/api/conversations/u1", user, nil)
	require.Equal(t, http.StatusOK, code)
	sum := body["summary"].(map[string]any)
	assert.Equal(t, true, sum["unreadByUser"])
	assert.Equal(t, false, sum["unreadByAdmin"])

	code, body = s.do(t, http.MethodGet, "/api/conversations/u1/messages", user, nil)
	require.Equal(t, http.StatusOK, code)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "How can I help?", msgs[1].(map[string]any)["text"])
}

func TestUsersStayInTheirOwnConversation(t *testing.T) {
	s := newServer(t)
	user := s.token(t, grace)

	code, body := s.do(t, http.MethodPost, "/api/conversations/u1/messages", user, map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "hi", body["text"])

	code, _ = s.do(t, http.MethodGet, "/api/conversations/u1/messages", user, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodGet, "/api/conversations", user, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestFailedSendEchoesText(t *testing.T) {
	s := newServer(t)
	user := s.token(t, ada)

	code, body := s.do(t, http.MethodPost, "/api/messages", user, map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["error"])
	assert.Equal(t, false, body["retryable"])
	assert.Equal(t, "   ", body["text"])

	s.messages.SetFailure(errors.New("connection refused"))
	code, body = s.do(t, http.MethodPost, "/api/messages", user, map[string]string{"text": "keep me"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "store_unavailable", body["error"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "keep me", body["text"])
}

func TestAdminLogin(t *testing.T) {
	s := newServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/admin/login", "", map[string]string{"adminId": "admin1", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := s.do(t, http.MethodPost, "/api/admin/login", "", map[string]string{"adminId": "admin1", "password": "hunter2"})
	require.Equal(t, http.StatusOK, code)
	token := body["token"].(string)

	code, _ = s.do(t, http.MethodGet, "/api/conversations", token, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestPushWithoutVAPIDKeys(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodGet, "/api/vapid-public-key", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "error")

	sub := map[string]any{"endpoint": "https://push.example/x", "keys": map[string]string{"p256dh": "k", "auth": "a"}}
	code, body = s.do(t, http.MethodPost, "/api/push/subscribe", s.token(t, ada), sub)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "push_disabled", body["error"])
}

func TestUnknownAPIRoute(t *testing.T) {
	s := newServer(t)
	code, body := s.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "/api/nope", body["path"])
}
