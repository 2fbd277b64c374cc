package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/ArrEssJay/chimera-sub003/internal/sim"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from another origin during development
	},
}

// WSMessage is the envelope of every message pushed to clients.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ProgressPayload reports trial progress within a sweep.
type ProgressPayload struct {
	SweepID  string  `json:"sweep_id"`
	Point    int     `json:"point"`
	Points   int     `json:"points"`
	Done     int     `json:"done"`
	Total    int     `json:"total"`
	Progress float64 `json:"progress"` // 0.0 to 1.0 over the whole sweep
}

// PointPayload carries one finished sweep point.
type PointPayload struct {
	SweepID string         `json:"sweep_id"`
	Point   sim.SweepPoint `json:"point"`
}

// WSHub fans messages out to every connected client.
type WSHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	// onChange, when set, receives the client count after each change.
	onChange func(int)
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*websocket.Conn]bool),
	}
}

// AddClient registers a connection.
func (h *WSHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Infof("[ws] client connected (%d total)", n)
	h.notify(n)
}

// RemoveClient drops and closes a connection. Removing an unknown
// connection is a no-op.
func (h *WSHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	if !h.clients[conn] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	log.Infof("[ws] client disconnected (%d remaining)", n)
	h.notify(n)
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) notify(n int) {
	if h.onChange != nil {
		h.onChange(n)
	}
}

// Broadcast sends msg to all clients. Writes are serialized because a
// websocket connection supports one concurrent writer.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("[ws] marshal %s: %v", msg.Type, err)
		return
	}

	var failed []*websocket.Conn
	h.mu.Lock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warnf("[ws] write: %v", err)
			failed = append(failed, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range failed {
		h.RemoveClient(conn)
	}
}

// BroadcastProgress sends a sweep progress update.
func (h *WSHub) BroadcastProgress(p ProgressPayload) {
	h.Broadcast(WSMessage{Type: "progress", Payload: p})
}

// BroadcastPoint sends a finished sweep point.
func (h *WSHub) BroadcastPoint(sweepID string, pt sim.SweepPoint) {
	h.Broadcast(WSMessage{Type: "point", Payload: PointPayload{SweepID: sweepID, Point: pt}})
}

// BroadcastStatus sends a status update.
func (h *WSHub) BroadcastStatus(status, message string) {
	h.Broadcast(WSMessage{
		Type: "status",
		Payload: map[string]string{
			"status":  status,
			"message": message,
		},
	})
}

// BroadcastLog sends a log line.
func (h *WSHub) BroadcastLog(level, message string) {
	h.Broadcast(WSMessage{
		Type: "log",
		Payload: map[string]string{
			"level":   level,
			"message": message,
		},
	})
}
