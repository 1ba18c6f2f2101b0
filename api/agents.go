package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/domain"
)

// AgentRequest is the request to register or update an agent.
type AgentRequest struct {
	ID             string   `json:"id,omitempty"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	TelegramChatID string   `json:"telegram_chat_id,omitempty"`
}

func (r AgentRequest) toAgent() domain.Agent {
	return domain.Agent{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		SystemPrompt:   r.SystemPrompt,
		Model:          r.Model,
		MaxTurns:       r.MaxTurns,
		AllowedTools:   r.AllowedTools,
		WorkingDir:     r.WorkingDir,
		TelegramChatID: r.TelegramChatID,
	}
}

// ListAgents lists all registered agents.
// GET /api/agents
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.registry.List(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to list agents", err)
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	return c.JSON(http.StatusOK, agents)
}

// CreateAgent registers a new agent.
// POST /api/agents
func (h *Handler) CreateAgent(c echo.Context) error {
	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	agent, err := h.registry.Create(c.Request().Context(), req.toAgent())
	if err != nil {
		return internalError(c, "failed to create agent", err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// GetAgent gets a specific agent by ID.
// GET /api/agents/:id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, "agent not found", err)
	}
	return c.JSON(http.StatusOK, agent)
}

// UpdateAgent overwrites an agent's definition.
// PATCH /api/agents/:id
func (h *Handler) UpdateAgent(c echo.Context) error {
	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	agent, err := h.registry.Update(c.Request().Context(), c.Param("id"), req.toAgent())
	if err != nil {
		return storeError(c, "agent not found", err)
	}
	return c.JSON(http.StatusOK, agent)
}

// DeleteAgent removes an agent.
// DELETE /api/agents/:id
func (h *Handler) DeleteAgent(c echo.Context) error {
	if err := h.registry.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(c, "agent not found", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

// HeartbeatRequest reports an agent's status.
type HeartbeatRequest struct {
	Status domain.AgentStatus `json:"status,omitempty"`
}

// Heartbeat records an agent's reported status and broadcasts it.
// POST /api/agents/:id/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.manager.Heartbeat(c.Request().Context(), c.Param("id"), req.Status); err != nil {
		return storeError(c, "agent not found", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
