package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/bus"
	"github.com/arcdash/arc/config"
	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/store"
)

// subscribeRequest is the only inbound message shape observers send.
type subscribeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Server upgrades observer connections and wires them to the hub. It also
// holds the service's single bus subscription and pumps events into the
// hub for routing.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	store    store.Store
	upgrader websocket.Upgrader
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, h *Hub, st store.Store) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run consumes the bus until ctx is cancelled, forwarding every event to
// the hub.
func (s *Server) Run(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(ev)
		case <-ctx.Done():
			return
		}
	}
}

// HandleWebSocket handles the observer WebSocket endpoint.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: failed to upgrade WebSocket: %v", err)
		return err
	}

	client := s.hub.Register()

	go s.writePump(client, ws)
	go s.readPump(client, ws)

	return nil
}

// readPump consumes subscribe/unsubscribe requests until the connection
// drops, then removes every registration the client held.
func (s *Server) readPump(client *Client, ws *websocket.Conn) {
	defer func() {
		s.hub.Disconnect(client)
		ws.Close()
	}()

	ws.SetReadLimit(s.cfg.WSMaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: websocket error: %v", err)
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			// Ignore malformed requests.
			continue
		}
		if req.SessionID == "" {
			continue
		}

		switch req.Type {
		case "subscribe":
			s.subscribe(client, req.SessionID)
		case "unsubscribe":
			s.hub.Unsubscribe(client, req.SessionID)
		}
	}
}

// subscribe registers the client and replays the persisted transcript so
// a late subscriber sees the same history a REST read would return.
func (s *Server) subscribe(client *Client, sessionID string) {
	s.hub.Subscribe(client, sessionID, func() []domain.Message {
		messages, err := s.store.GetMessages(context.Background(), sessionID)
		if err != nil {
			log.Printf("WARN: failed to load backlog for session %s: %v", sessionID, err)
		}
		return messages
	})
}

// writePump drains the client's send queue to the socket and keeps the
// connection alive with pings.
func (s *Server) writePump(client *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
