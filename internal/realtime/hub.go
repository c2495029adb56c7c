package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

// Event is one message pushed to connected clients. Type reuses the
// notification type values so inbox entries and live events stay aligned.
type Event struct {
	Type    models.NotificationType `json:"event"`
	Message string                  `json:"message"`
	PassID  string                  `json:"pass_id,omitempty"`
	Data    interface{}             `json:"data,omitempty"`
}

// Hub tracks connected websocket sessions by user and role. Delivery is
// fire-and-forget: a client whose send buffer is full is disconnected
// rather than blocked on, so a slow reader never stalls a transition.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}
	byRole map[models.UserRole]map[*Client]struct{}
	logger *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		byUser: make(map[string]map[*Client]struct{}),
		byRole: make(map[models.UserRole]map[*Client]struct{}),
		logger: logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*Client]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
	if h.byRole[c.role] == nil {
		h.byRole[c.role] = make(map[*Client]struct{})
	}
	h.byRole[c.role][c] = struct{}{}
	h.logger.Debug("ws client joined", zap.String("user_id", c.userID), zap.String("role", string(c.role)))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.byUser[c.userID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	if clients, ok := h.byRole[c.role]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.byRole, c.role)
		}
	}
}

// SendToUser pushes an event to every session of one user.
func (h *Hub) SendToUser(userID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshal ws event", zap.Error(err))
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, payload)
}

// SendToRole pushes an event to every connected session holding the role.
func (h *Hub) SendToRole(role models.UserRole, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshal ws event", zap.Error(err))
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byRole[role]))
	for c := range h.byRole[role] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, payload)
}

// ConnectedUsers reports how many distinct users hold open sessions.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser)
}

func (h *Hub) deliver(targets []*Client, payload []byte) {
	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("ws client send buffer full, dropping connection", zap.String("user_id", c.userID))
			c.close()
		}
	}
}
