// Package api provides the HTTP handlers for the service.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/chat"
	"github.com/arcdash/arc/engine"
	"github.com/arcdash/arc/store"
)

// TurnCounter reports how many agent turns are currently in flight.
type TurnCounter interface {
	RunningCount() int
}

// Handler handles HTTP requests.
type Handler struct {
	manager  *chat.Manager
	registry *engine.Registry
	store    store.Store
	turns    TurnCounter
}

// NewHandler creates a new handler.
func NewHandler(manager *chat.Manager, registry *engine.Registry, st store.Store, turns TurnCounter) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		store:    st,
		turns:    turns,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/api/status", h.Status)

	// Agent registry
	e.GET("/api/agents", h.ListAgents)
	e.POST("/api/agents", h.CreateAgent)
	e.GET("/api/agents/:id", h.GetAgent)
	e.PATCH("/api/agents/:id", h.UpdateAgent)
	e.DELETE("/api/agents/:id", h.DeleteAgent)
	e.POST("/api/agents/:id/heartbeat", h.Heartbeat)

	// Chat
	e.GET("/api/chat/sessions", h.ListSessions)
	e.POST("/api/chat/sessions", h.CreateSession)
	e.GET("/api/chat/sessions/:id", h.GetSession)
	e.PATCH("/api/chat/sessions/:id", h.UpdateSession)
	e.DELETE("/api/chat/sessions/:id", h.ArchiveSession)
	e.GET("/api/chat/sessions/:id/messages", h.GetMessages)
	e.POST("/api/chat/sessions/:id/messages", h.SendMessage)
	e.POST("/api/chat/sessions/:id/stop", h.StopAgent)
	e.POST("/api/chat/push", h.PushMessage)

	// Squads and tasks
	e.GET("/api/squads", h.ListSquads)
	e.POST("/api/squads", h.CreateSquad)
	e.GET("/api/squads/:id", h.GetSquad)
	e.PATCH("/api/squads/:id", h.UpdateSquad)
	e.DELETE("/api/squads/:id", h.DeleteSquad)
	e.GET("/api/tasks", h.ListTasks)
	e.POST("/api/tasks", h.CreateTask)
	e.GET("/api/tasks/:id", h.GetTask)
	e.PATCH("/api/tasks/:id", h.UpdateTask)
	e.DELETE("/api/tasks/:id", h.DeleteTask)
}

// Health returns health status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// Status returns live service counts.
// GET /api/status
func (h *Handler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		return internalError(c, "failed to list agents", err)
	}
	sessions, err := h.store.CountSessions(ctx)
	if err != nil {
		return internalError(c, "failed to count sessions", err)
	}

	online := 0
	for _, a := range agents {
		if a.Status == "online" {
			online++
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents":        len(agents),
		"agents_online": online,
		"sessions":      sessions,
		"running_turns": h.turns.RunningCount(),
	})
}
