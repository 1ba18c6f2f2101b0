package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/chat"
	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/store"
)

// CreateSessionRequest is the request to open a chat session.
type CreateSessionRequest struct {
	AgentID string `json:"agent_id"`
	Title   string `json:"title,omitempty"`
}

// ListSessions lists sessions, optionally filtered by agent.
// GET /api/chat/sessions?agent_id=
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.manager.ListSessions(c.Request().Context(), c.QueryParam("agent_id"))
	if err != nil {
		return internalError(c, "failed to list sessions", err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// CreateSession opens a new session for an agent.
// POST /api/chat/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentID == "" {
		return badRequest(c, "agent_id is required")
	}

	if _, err := h.registry.Get(ctx, req.AgentID); err != nil {
		return storeError(c, "agent not found", err)
	}

	session, err := h.manager.CreateSession(ctx, req.AgentID, req.Title)
	if err != nil {
		return internalError(c, "failed to create session", err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession retrieves a session.
// GET /api/chat/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.manager.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, "session not found", err)
	}
	return c.JSON(http.StatusOK, session)
}

// UpdateSessionRequest carries the mutable session fields.
type UpdateSessionRequest struct {
	Title  *string               `json:"title,omitempty"`
	Status *domain.SessionStatus `json:"status,omitempty"`
}

// UpdateSession mutates a session's title and/or status.
// PATCH /api/chat/sessions/:id
func (h *Handler) UpdateSession(c echo.Context) error {
	var req UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Status != nil && *req.Status != domain.SessionStatusActive && *req.Status != domain.SessionStatusArchived {
		return badRequest(c, "status must be active or archived")
	}

	session, err := h.manager.UpdateSession(c.Request().Context(), c.Param("id"),
		store.SessionPatch{Title: req.Title, Status: req.Status})
	if err != nil {
		return storeError(c, "session not found", err)
	}
	return c.JSON(http.StatusOK, session)
}

// ArchiveSession marks a session archived. Sessions are never deleted.
// DELETE /api/chat/sessions/:id
func (h *Handler) ArchiveSession(c echo.Context) error {
	archived := domain.SessionStatusArchived
	if _, err := h.manager.UpdateSession(c.Request().Context(), c.Param("id"),
		store.SessionPatch{Status: &archived}); err != nil {
		return storeError(c, "session not found", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"archived": true})
}

// GetMessages returns a session's transcript.
// GET /api/chat/sessions/:id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.manager.GetSession(ctx, id); err != nil {
		return storeError(c, "session not found", err)
	}
	messages, err := h.manager.GetMessages(ctx, id)
	if err != nil {
		return internalError(c, "failed to load messages", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, messages)
}

// SendMessageRequest is the request to send a chat message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage stores a user message and runs an agent turn.
// POST /api/chat/sessions/:id/messages
//
// ?stream=true returns the stored user message with 202; the agent reply
// streams over the WebSocket gateway. The default waits for the reply and
// returns it with 201. A busy session answers 409.
func (h *Handler) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Content == "" {
		return badRequest(c, "content is required")
	}

	session, err := h.manager.GetSession(ctx, id)
	if err != nil {
		return storeError(c, "session not found", err)
	}
	agent, err := h.registry.Get(ctx, session.AgentID)
	if err != nil {
		return storeError(c, "agent not found", err)
	}

	mode := chat.ModeSync
	status := http.StatusCreated
	if c.QueryParam("stream") == "true" {
		mode = chat.ModeAsync
		status = http.StatusAccepted
	}

	msg, err := h.manager.SendMessage(ctx, id, req.Content, agent, mode)
	if err != nil {
		if errors.Is(err, chat.ErrSessionBusy) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "agent is already responding in this session"})
		}
		return internalError(c, "failed to send message", err)
	}
	return c.JSON(status, msg)
}

// StopAgent asks the in-flight turn for a session to terminate.
// POST /api/chat/sessions/:id/stop
func (h *Handler) StopAgent(c echo.Context) error {
	if _, err := h.manager.GetSession(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(c, "session not found", err)
	}
	h.manager.StopAgent(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]bool{"stopped": true})
}

// PushMessageRequest is an externally pushed conversation message.
type PushMessageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// PushMessage stores and broadcasts a message from an external source
// (remote bot, bridge) without running a turn. When no session_id is
// given, a session is opened for agent_id.
// POST /api/chat/push
func (h *Handler) PushMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var req PushMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Role == "" || req.Content == "" {
		return badRequest(c, "role and content are required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		if req.AgentID == "" {
			return badRequest(c, "session_id or agent_id is required")
		}
		if _, err := h.registry.Get(ctx, req.AgentID); err != nil {
			return storeError(c, "agent not found", err)
		}
		session, err := h.manager.CreateSession(ctx, req.AgentID, "")
		if err != nil {
			return internalError(c, "failed to create session", err)
		}
		sessionID = session.ID
	}

	msg, err := h.manager.ReceiveMessage(ctx, sessionID, req.Role, req.Content)
	if err != nil {
		return storeError(c, "session not found", err)
	}
	return c.JSON(http.StatusCreated, msg)
}
