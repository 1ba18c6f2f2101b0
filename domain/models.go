// Package domain defines the core data records shared across the service.
package domain

import "time"

// Session is a persistent conversation thread between a human and one agent.
type Session struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Title     string        `json:"title"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DefaultSessionTitle is the placeholder title assigned to new sessions
// until the first user message provides one.
const DefaultSessionTitle = "New Chat"

// Message is a single conversation entry. Messages are immutable and
// append-only; their creation order is the conversation's source of truth.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent describes a unit of work the orchestrator can converse with: a
// local CLI-driven model process or a remote bot bridged over Telegram.
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	SystemPrompt   string      `json:"system_prompt,omitempty"`
	Model          string      `json:"model,omitempty"`
	MaxTurns       int         `json:"max_turns,omitempty"`
	AllowedTools   []string    `json:"allowed_tools,omitempty"`
	WorkingDir     string      `json:"working_dir,omitempty"`
	TelegramChatID string      `json:"telegram_chat_id,omitempty"`
	Status         AgentStatus `json:"status"`
	LastSeen       time.Time   `json:"last_seen"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Squad is a named group of agents.
type Squad struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AgentIDs    []string  `json:"agent_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is a unit of squad work, optionally assigned to an agent.
type Task struct {
	ID              string     `json:"id"`
	SquadID         string     `json:"squad_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
