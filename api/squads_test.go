package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcdash/arc/domain"
)

func createTestSquad(t *testing.T, h *Handler) domain.Squad {
	t.Helper()
	rec := doRequest(t, h.CreateSquad, http.MethodPost, "/api/squads",
		`{"name":"Builders","agent_ids":["coder","reviewer"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var squad domain.Squad
	if err := json.Unmarshal(rec.Body.Bytes(), &squad); err != nil {
		t.Fatalf("failed to decode squad: %v", err)
	}
	return squad
}

func TestCreateSquad(t *testing.T) {
	h := newTestHandler(t)

	rec := doRequest(t, h.CreateSquad, http.MethodPost, "/api/squads", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	squad := createTestSquad(t, h)
	assert.Equal(t, "Builders", squad.Name)
	assert.Len(t, squad.AgentIDs, 2)
}

func TestUpdateSquad(t *testing.T) {
	h := newTestHandler(t)
	squad := createTestSquad(t, h)

	rec := doRequest(t, h.UpdateSquad, http.MethodPatch, "/api/squads/"+squad.ID,
		`{"agent_ids":["coder"]}`, "id", squad.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	var updated domain.Squad
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Len(t, updated.AgentIDs, 1)
	assert.Equal(t, "Builders", updated.Name)
}

func TestDeleteSquad(t *testing.T) {
	h := newTestHandler(t)
	squad := createTestSquad(t, h)

	rec := doRequest(t, h.DeleteSquad, http.MethodDelete, "/api/squads/"+squad.ID,
		"", "id", squad.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h.GetSquad, http.MethodGet, "/api/squads/"+squad.ID,
		"", "id", squad.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func createTestTask(t *testing.T, h *Handler, squadID string) domain.Task {
	t.Helper()
	rec := doRequest(t, h.CreateTask, http.MethodPost, "/api/tasks",
		`{"squad_id":"`+squadID+`","title":"Ship it"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	return task
}

func TestCreateTask(t *testing.T) {
	h := newTestHandler(t)
	squad := createTestSquad(t, h)

	task := createTestTask(t, h, squad.ID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, squad.ID, task.SquadID)

	// Unknown squad.
	rec := doRequest(t, h.CreateTask, http.MethodPost, "/api/tasks",
		`{"squad_id":"ghost","title":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateTaskStatus(t *testing.T) {
	h := newTestHandler(t)
	squad := createTestSquad(t, h)
	task := createTestTask(t, h, squad.ID)

	rec := doRequest(t, h.UpdateTask, http.MethodPatch, "/api/tasks/"+task.ID,
		`{"status":"in_progress","assigned_agent_id":"coder"}`, "id", task.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	var updated domain.Task
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, domain.TaskStatusInProgress, updated.Status)
	assert.Equal(t, "coder", updated.AssignedAgentID)

	rec = doRequest(t, h.UpdateTask, http.MethodPatch, "/api/tasks/"+task.ID,
		`{"status":"bogus"}`, "id", task.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasksFiltered(t *testing.T) {
	h := newTestHandler(t)
	squad := createTestSquad(t, h)
	task := createTestTask(t, h, squad.ID)
	createTestTask(t, h, squad.ID)

	doRequest(t, h.UpdateTask, http.MethodPatch, "/api/tasks/"+task.ID,
		`{"status":"completed"}`, "id", task.ID)

	rec := doRequest(t, h.ListTasks, http.MethodGet,
		"/api/tasks?squad_id="+squad.ID+"&status=completed", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var tasks []domain.Task
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	rec = doRequest(t, h.ListTasks, http.MethodGet, "/api/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
