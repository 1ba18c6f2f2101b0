// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"errors"

	"github.com/arcdash/arc/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for data persistence.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, agentID string) ([]domain.Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error
	CountSessions(ctx context.Context) (int, error)

	// Message operations
	SaveMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// Agent operations
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
	DeleteAgent(ctx context.Context, id string) error

	// Squad operations
	CreateSquad(ctx context.Context, squad *domain.Squad) error
	GetSquad(ctx context.Context, id string) (*domain.Squad, error)
	ListSquads(ctx context.Context) ([]domain.Squad, error)
	UpdateSquad(ctx context.Context, id string, patch SquadPatch) error
	DeleteSquad(ctx context.Context, id string) error

	// Task operations
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, squadID string, status domain.TaskStatus) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) error
	DeleteTask(ctx context.Context, id string) error

	Close() error
}

// SessionPatch carries the mutable session fields. Nil fields are left
// unchanged; UpdatedAt is always refreshed by the store.
type SessionPatch struct {
	Title  *string
	Status *domain.SessionStatus
}

// SquadPatch carries the mutable squad fields.
type SquadPatch struct {
	Name        *string
	Description *string
	AgentIDs    []string
}

// TaskPatch carries the mutable task fields.
type TaskPatch struct {
	Title           *string
	Description     *string
	Status          *domain.TaskStatus
	AssignedAgentID *string
	Result          *string
}
