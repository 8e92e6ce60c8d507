package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Nudge is pushed to websocket clients when a conversation changes.
type Nudge struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

type hubConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	userID string
}

// Hub fans nudges out to the connected clients of a conversation's
// participants.
type Hub struct {
	mu      sync.Mutex
	conns   map[*hubConn]struct{}
	readers map[string]map[string]struct{} // conversation id -> user ids that fetched it
	logger  *zap.Logger
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*hubConn]struct{}),
		readers: make(map[string]map[string]struct{}),
		logger:  logger,
	}
}

// Follow records that a user reads a conversation, making them a recipient
// of its nudges.
func (h *Hub) Follow(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	users, ok := h.readers[conversationID]
	if !ok {
		users = make(map[string]struct{})
		h.readers[conversationID] = users
	}
	users[userID] = struct{}{}
}

func (h *Hub) add(conn *websocket.Conn, userID string) *hubConn {
	hc := &hubConn{conn: conn, userID: userID}
	h.mu.Lock()
	h.conns[hc] = struct{}{}
	h.mu.Unlock()
	return hc
}

func (h *Hub) remove(hc *hubConn) {
	h.mu.Lock()
	delete(h.conns, hc)
	h.mu.Unlock()
	_ = hc.conn.Close()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Notify sends a nudge to the clients of the conversation's readers and of
// the given users, dropping clients that fail. Nobody else learns that the
// conversation exists.
func (h *Hub) Notify(n Nudge, users ...string) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	h.mu.Lock()
	recipients := make(map[string]struct{}, len(users))
	for _, u := range users {
		recipients[u] = struct{}{}
	}
	for u := range h.readers[n.ConversationID] {
		recipients[u] = struct{}{}
	}
	var conns []*hubConn
	for hc := range h.conns {
		if _, ok := recipients[hc.userID]; ok {
			conns = append(conns, hc)
		}
	}
	h.mu.Unlock()

	for _, hc := range conns {
		hc.mu.Lock()
		_ = hc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := hc.conn.WriteMessage(websocket.TextMessage, data)
		hc.mu.Unlock()
		if err != nil {
			h.logger.Warn("ws broadcast failed, dropping connection", zap.String("user_id", hc.userID), zap.Error(err))
			h.remove(hc)
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*hubConn]struct{})
	h.mu.Unlock()
	for hc := range conns {
		_ = hc.conn.Close()
	}
}

// serve reads until the client goes away. Clients never send anything the
// server acts on; reading keeps control frames flowing.
func (h *Hub) serve(hc *hubConn) {
	defer h.remove(hc)
	for {
		if _, _, err := hc.conn.ReadMessage(); err != nil {
			return
		}
	}
}
