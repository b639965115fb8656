package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/security"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Socket message types.
const (
	MsgApprovalResponse = "tool_approval_response"
	MsgApprovalResult   = "tool_approval_result"
)

type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload"`
}

// socketMessage is what clients send.
type socketMessage struct {
	Type    string                 `json:"type"`
	Payload approval.SocketPayload `json:"payload"`
}

// client serializes writes to one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

type Hub struct {
	clients   map[*client]bool
	broadcast chan Event
	mu        sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}

			var dead []*client
			h.mu.RLock()
			for c := range h.clients {
				if err := c.write(data); err != nil {
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range dead {
				h.Unregister(c)
				c.conn.Close()
			}
		}
	}
}

func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", event.Type)
	}
}

func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sec := s.securityContext(r, "ws")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	s.hub.Register(c)
	defer func() {
		s.hub.Unregister(c)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		reply := s.handleSocketMessage(sec, data)
		if err := c.writeJSON(reply); err != nil {
			break
		}
	}
}

// handleSocketMessage answers one client message. Approval responses are
// attributed to the socket's user, not to whatever the payload names.
func (s *Server) handleSocketMessage(sec security.Context, data []byte) Event {
	var msg socketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{Type: "error", Payload: map[string]string{"error": "invalid message"}}
	}
	if msg.Type != MsgApprovalResponse {
		return Event{Type: "error", Payload: map[string]string{"error": "unknown message type: " + msg.Type}}
	}

	in := approval.FromSocketPayload(msg.Payload)
	in.UserID = sec.UserID
	if !s.validator.ValidatePermissions(sec, []string{security.PermToolApprove}, "approval:respond") {
		return Event{Type: MsgApprovalResult, Payload: approval.Response{Success: false, Error: "not allowed to answer approvals"}}
	}
	res := s.approvals.RespondToToolApproval(in)
	slog.Info("approval answered via websocket", "pending", in.PendingID, "approved", in.Approved, "user", sec.UserID, "success", res.Success)
	return Event{Type: MsgApprovalResult, Payload: res}
}
