// Package gateway distributes real-time events to WebSocket observers.
package gateway

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/arcdash/arc/domain"
)

// WildcardSession subscribes a client to events from every session.
const WildcardSession = "*"

// clientBuffer is the per-client send queue capacity. A client that falls
// this far behind is disconnected rather than allowed to block delivery.
const clientBuffer = 256

// Client is one observer connection. The hub only ever touches the Send
// queue; socket I/O lives in the connection handler.
type Client struct {
	ID   string
	Send chan []byte
}

// Hub tracks observer connections and their per-session subscriptions and
// routes events to the right subscriber sets.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	sessions map[string]map[string]bool // session id -> set of client ids
	byClient map[string]map[string]bool // client id -> set of session ids
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		sessions: make(map[string]map[string]bool),
		byClient: make(map[string]map[string]bool),
	}
}

// Register creates and tracks a new client.
func (h *Hub) Register() *Client {
	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, clientBuffer),
	}
	h.mu.Lock()
	h.clients[client.ID] = client
	h.byClient[client.ID] = make(map[string]bool)
	h.mu.Unlock()
	return client
}

// BacklogFunc loads the messages to replay to a new subscriber. Subscribe
// calls it while holding the hub lock, so implementations must not call
// back into the hub.
type BacklogFunc func() []domain.Message

// Subscribe registers a client for a session's events and replays the
// fetched backlog ahead of any live event. The fetch runs inside the same
// critical section as the registration: a message published while the
// backlog is being read is held back until the client is registered, so it
// arrives live instead of falling between replay and registration. Replay
// goes through the same send queue as live traffic, so a late subscriber
// sees the transcript first and new events strictly after.
func (h *Hub) Subscribe(client *Client, sessionID string, backlog BacklogFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][client.ID] = true
	h.byClient[client.ID][sessionID] = true

	if backlog == nil {
		return
	}
	for _, msg := range backlog() {
		h.send(client, domain.Event{
			Type:      domain.EventTypeChatMessage,
			SessionID: msg.SessionID,
			Payload:   msg,
		})
	}
}

// Unsubscribe removes a client's registration for one session.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscription(client.ID, sessionID)
}

// Disconnect removes a client and every subscription it holds.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for sessionID := range h.byClient[client.ID] {
		h.dropSubscription(client.ID, sessionID)
	}
	delete(h.byClient, client.ID)
	delete(h.clients, client.ID)
	close(client.Send)
}

// Broadcast routes one event. Events without a session id go to every
// connected client; session events go to that session's subscribers plus
// wildcard subscribers. Dead clients are skipped.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ev.SessionID == "" {
		for _, client := range h.clients {
			h.send(client, ev)
		}
		return
	}

	seen := make(map[string]bool)
	for _, sid := range []string{ev.SessionID, WildcardSession} {
		for clientID := range h.sessions[sid] {
			if seen[clientID] {
				continue
			}
			seen[clientID] = true
			if client, ok := h.clients[clientID]; ok {
				h.send(client, ev)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// send enqueues an event without blocking. Delivery is best-effort: a
// full queue drops the event.
func (h *Hub) send(client *Client, ev domain.Event) {
	data, err := json.Marshal(wireEvent{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		log.Printf("ERROR: failed to marshal %s event: %v", ev.Type, err)
		return
	}
	select {
	case client.Send <- data:
	default:
		log.Printf("WARN: client %s send queue full, dropping %s event", client.ID, ev.Type)
	}
}

// dropSubscription must be called with h.mu held.
func (h *Hub) dropSubscription(clientID, sessionID string) {
	if subs := h.sessions[sessionID]; subs != nil {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	if subs := h.byClient[clientID]; subs != nil {
		delete(subs, sessionID)
	}
}

// wireEvent is the JSON shape sent to observers.
type wireEvent struct {
	Type    domain.EventType `json:"type"`
	Payload any              `json:"payload"`
}
