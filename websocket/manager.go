// Package websocket is the realtime chat transport: clients subscribe to a
// conversation or to the admin inbox and receive ordered batches.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"campuscruiser/auth"
	"campuscruiser/chat"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 4096
	sendBufferSize = 256
)

type Manager struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	chat     *chat.Service
	provider auth.Provider
	upgrader websocket.Upgrader
	log      *logrus.Logger

	ctx context.Context
}

func NewManager(svc *chat.Service, provider auth.Provider, log *logrus.Logger) *Manager {
	return &Manager{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		chat:       svc,
		provider:   provider,
		log:        log,
		ctx:        context.Background(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SetCheckOrigin restricts which browser origins may connect.
func (m *Manager) SetCheckOrigin(check func(r *http.Request) bool) {
	m.upgrader.CheckOrigin = check
}

// Start runs the registration loop until ctx ends, then disconnects every client.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			total := len(m.clients)
			m.mu.Unlock()
			m.log.WithFields(logrus.Fields{"subject": client.identity.Subject, "clients": total}).
				Debug("websocket client registered")

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				client.cancel()
			}
			total := len(m.clients)
			m.mu.Unlock()
			m.log.WithFields(logrus.Fields{"subject": client.identity.Subject, "clients": total}).
				Debug("websocket client unregistered")

		case <-ctx.Done():
			m.mu.Lock()
			for client := range m.clients {
				client.cancel()
				delete(m.clients, client)
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) ConnectedClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx
}

// Handler authenticates the token query parameter (or bearer header) and
// upgrades the connection.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = auth.BearerToken(r.Header.Get("Authorization"))
		}
		if token == "" {
			http.Error(w, "Token required", http.StatusUnauthorized)
			return
		}
		id, err := m.provider.Resolve(r.Context(), token)
		if err != nil {
			m.log.WithError(err).Debug("websocket token rejected")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.WithError(err).Warn("websocket upgrade failed")
			return
		}

		ctx, cancel := context.WithCancel(m.baseContext())
		client := &Client{
			conn:     conn,
			identity: id,
			send:     make(chan []byte, sendBufferSize),
			manager:  m,
			ctx:      ctx,
			cancel:   cancel,
			watches:  make(map[string]*watch),
		}
		select {
		case m.register <- client:
		case <-ctx.Done():
			cancel()
			conn.Close()
			return
		}

		client.emit("connected", map[string]any{
			"subject": id.Subject,
			"role":    id.Role(),
			"time":    time.Now().Unix(),
		})

		go client.writePump()
		go client.readPump()
	}
}

func encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(frame{Type: kind, Payload: payload})
}
