package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/store"
)

// TaskRequest is the request to create or update a task.
type TaskRequest struct {
	SquadID         string             `json:"squad_id,omitempty"`
	Title           *string            `json:"title,omitempty"`
	Description     *string            `json:"description,omitempty"`
	Status          *domain.TaskStatus `json:"status,omitempty"`
	AssignedAgentID *string            `json:"assigned_agent_id,omitempty"`
	Result          *string            `json:"result,omitempty"`
}

var validTaskStatuses = map[domain.TaskStatus]bool{
	domain.TaskStatusPending:    true,
	domain.TaskStatusInProgress: true,
	domain.TaskStatusCompleted:  true,
	domain.TaskStatusFailed:     true,
}

// ListTasks lists tasks, optionally filtered by squad and status.
// GET /api/tasks?squad_id=&status=
func (h *Handler) ListTasks(c echo.Context) error {
	status := domain.TaskStatus(c.QueryParam("status"))
	if status != "" && !validTaskStatuses[status] {
		return badRequest(c, "invalid status filter")
	}

	tasks, err := h.store.ListTasks(c.Request().Context(), c.QueryParam("squad_id"), status)
	if err != nil {
		return internalError(c, "failed to list tasks", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// CreateTask creates a new task.
// POST /api/tasks
func (h *Handler) CreateTask(c echo.Context) error {
	ctx := c.Request().Context()

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SquadID == "" {
		return badRequest(c, "squad_id is required")
	}
	if req.Title == nil || *req.Title == "" {
		return badRequest(c, "title is required")
	}

	if _, err := h.store.GetSquad(ctx, req.SquadID); err != nil {
		return storeError(c, "squad not found", err)
	}

	now := time.Now()
	task := &domain.Task{
		ID:        uuid.New().String(),
		SquadID:   req.SquadID,
		Title:     *req.Title,
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.AssignedAgentID != nil {
		task.AssignedAgentID = *req.AssignedAgentID
	}

	if err := h.store.CreateTask(ctx, task); err != nil {
		return internalError(c, "failed to create task", err)
	}
	return c.JSON(http.StatusCreated, task)
}

// GetTask retrieves a task.
// GET /api/tasks/:id
func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.store.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(c, "task not found", err)
	}
	return c.JSON(http.StatusOK, task)
}

// UpdateTask applies a patch to a task.
// PATCH /api/tasks/:id
func (h *Handler) UpdateTask(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Status != nil && !validTaskStatuses[*req.Status] {
		return badRequest(c, "invalid status")
	}

	patch := store.TaskPatch{
		Title:           req.Title,
		Description:     req.Description,
		Status:          req.Status,
		AssignedAgentID: req.AssignedAgentID,
		Result:          req.Result,
	}
	if err := h.store.UpdateTask(ctx, id, patch); err != nil {
		return storeError(c, "task not found", err)
	}
	task, err := h.store.GetTask(ctx, id)
	if err != nil {
		return storeError(c, "task not found", err)
	}
	return c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task.
// DELETE /api/tasks/:id
func (h *Handler) DeleteTask(c echo.Context) error {
	if err := h.store.DeleteTask(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(c, "task not found", err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}
