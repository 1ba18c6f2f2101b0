package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/store"
)

// SquadRequest is the request to create or update a squad.
type SquadRequest struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	AgentIDs    []string `json:"agent_ids,omitempty"`
}

// ListSquads lists all squads.
// GET /api/squads
func (h *Handler) ListSquads(c echo.Context) error {
	squads, err := h.store.ListSquads(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to list squads", err)
	}
	if squads == nil {
		squads = []domain.Squad{}
	}
	return c.JSON(http.StatusOK, squads)
}

// CreateSquad creates a new squad.
// POST /api/squads
func (h *Handler) CreateSquad(c echo.Context) error {
	var req SquadRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == nil || *req.Name == "" {
		return badRequest(c, "name is required")
	}

	now := time.Now()
	squad := &domain.Squad{
		ID:        uuid.New().String(),
		Name:      *req.Name,
		AgentIDs:  req.AgentIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != nil {
		squad.Description = *req.Description
	}
	if squad.AgentIDs == nil {
		squad.AgentIDs = []string{}
	}

	if err := h.store.CreateSquad(c.Request().Context(), squad); err != nil {
		return internalError(c, "failed to create squad", err)
	}
	return c.JSON(http.StatusCreated, squad)
}

// GetSquad retrieves a squad.
// GET /api/squads/:id
func (h *Handler) GetSquad(c echo.Context) error {
	squad, err := h.store.GetSquad(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, "squad not found", err)
	}
	return c.JSON(http.StatusOK, squad)
}

// UpdateSquad applies a patch to a squad.
// PATCH /api/squads/:id
func (h *Handler) UpdateSquad(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req SquadRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	patch := store.SquadPatch{Name: req.Name, Description: req.Description, AgentIDs: req.AgentIDs}
	if err := h.store.UpdateSquad(ctx, id, patch); err != nil {
		return storeError(c, "squad not found", err)
	}
	squad, err := h.store.GetSquad(ctx, id)
	if err != nil {
		return storeError(c, "squad not found", err)
	}
	return c.JSON(http.StatusOK, squad)
}

// DeleteSquad removes a squad.
// DELETE /api/squads/:id
func (h *Handler) DeleteSquad(c echo.Context) error {
	if err := h.store.DeleteSquad(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(c, "squad not found", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}
