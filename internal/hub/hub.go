package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID     uuid.UUID
	UserID int64
	Writer Writer
}

func NewConnection(userID int64, w Writer) *Connection {
	return &Connection{ID: uuid.New(), UserID: userID, Writer: w}
}

type Hub struct {
	mu          sync.RWMutex
	connections map[int64]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[int64]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[*Connection]struct{})
	}
	h.connections[conn.UserID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
	}
}

func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

// Send writes message to every socket of each user, once per user. Sockets
// that fail a write are closed and dropped.
func (h *Hub) Send(message []byte, userIDs ...int64) {
	seen := make(map[int64]struct{}, len(userIDs))
	var conns []*Connection

	h.mu.RLock()
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for c := range h.connections[id] {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			log.Printf("hub: write to user %d conn %s failed: %v", c.UserID, c.ID, err)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

func (h *Hub) SendJSON(v any, userIDs ...int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Send(data, userIDs...)
	return nil
}
