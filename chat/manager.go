// Package chat owns the per-session conversation lifecycle: persisting
// messages, running agent turns and publishing real-time events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcdash/arc/bus"
	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/engine"
	"github.com/arcdash/arc/store"
)

// ErrSessionBusy is returned when a turn is requested for a session that
// already has one in flight. Concurrent turns on one session would corrupt
// the conversation's causal order, so the second caller is rejected before
// anything is persisted or spawned.
var ErrSessionBusy = errors.New("session already has a turn in flight")

// Mode selects the calling convention of SendMessage.
type Mode int

const (
	// ModeSync waits for the full agent response and returns the
	// assistant message.
	ModeSync Mode = iota
	// ModeAsync returns the stored user message immediately; the agent
	// turn continues in the background and streams via the bus.
	ModeAsync
)

// TurnRunner executes one agent turn as an external process.
type TurnRunner interface {
	Run(agent *domain.Agent, prompt, sessionID string, onChunk engine.ChunkSink) (engine.RunResult, error)
	Stop(sessionID string)
}

// Manager is the session orchestrator.
type Manager struct {
	store  store.Store
	bus    *bus.Bus
	runner TurnRunner

	mu   sync.Mutex
	busy map[string]bool
}

// NewManager creates a Manager.
func NewManager(st store.Store, b *bus.Bus, runner TurnRunner) *Manager {
	return &Manager{
		store:  st,
		bus:    b,
		runner: runner,
		busy:   make(map[string]bool),
	}
}

// CreateSession opens a new session for an agent.
func (m *Manager) CreateSession(ctx context.Context, agentID, title string) (*domain.Session, error) {
	if title == "" {
		title = domain.DefaultSessionTitle
	}
	now := time.Now()
	session := &domain.Session{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Title:     title,
		Status:    domain.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.bus.SessionCreated(*session)
	return session, nil
}

// GetSession retrieves a session.
func (m *Manager) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return m.store.GetSession(ctx, id)
}

// ListSessions lists sessions, optionally filtered by agent.
func (m *Manager) ListSessions(ctx context.Context, agentID string) ([]domain.Session, error) {
	return m.store.ListSessions(ctx, agentID)
}

// UpdateSession mutates a session's title and/or status, refreshes
// updated_at and republishes the session.
func (m *Manager) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (*domain.Session, error) {
	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		return nil, err
	}
	updated, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.bus.SessionUpdated(*updated)
	return updated, nil
}

// GetMessages returns a session's transcript in creation order.
func (m *Manager) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return m.store.GetMessages(ctx, sessionID)
}

// SendMessage stores a user message and runs one agent turn. In sync mode
// the returned message is the assistant's reply; in async mode it is the
// stored user message and the reply streams via the bus.
//
// A session with a turn already in flight is rejected with ErrSessionBusy
// before any write happens.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string, agent *domain.Agent, mode Mode) (*domain.Message, error) {
	if err := m.beginTurn(sessionID); err != nil {
		return nil, err
	}

	userMsg, err := m.acceptUserMessage(ctx, sessionID, content)
	if err != nil {
		m.endTurn(sessionID)
		return nil, err
	}

	if mode == ModeAsync {
		go func() {
			defer m.endTurn(sessionID)
			m.runTurn(context.Background(), sessionID, content, agent)
		}()
		return userMsg, nil
	}

	defer m.endTurn(sessionID)
	return m.runTurn(ctx, sessionID, content, agent), nil
}

// acceptUserMessage persists and publishes the inbound message and
// auto-titles the session from its first message.
func (m *Manager) acceptUserMessage(ctx context.Context, sessionID, content string) (*domain.Message, error) {
	userMsg := &domain.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	m.bus.ChatMessage(*userMsg)

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("WARN: failed to load session %s for auto-title: %v", sessionID, err)
		return userMsg, nil
	}
	if session.Title == domain.DefaultSessionTitle {
		title := truncateTitle(content)
		if _, err := m.UpdateSession(ctx, sessionID, store.SessionPatch{Title: &title}); err != nil {
			log.Printf("WARN: failed to auto-title session %s: %v", sessionID, err)
		}
	}
	return userMsg, nil
}

// runTurn executes the agent turn for a message that is already stored.
// It always persists an assistant-role message (reply, timeout notice or
// error trace) and always publishes exactly one agent_done, so a failed
// turn can never leave the session stuck in "typing".
func (m *Manager) runTurn(ctx context.Context, sessionID, content string, agent *domain.Agent) *domain.Message {
	// The turn outlives the caller: a client that disconnects mid-turn must
	// not cancel persistence of the reply.
	ctx = context.WithoutCancel(ctx)

	m.bus.AgentTyping(sessionID)

	history, err := m.store.GetMessages(ctx, sessionID)
	if err != nil {
		log.Printf("WARN: failed to load history for session %s: %v", sessionID, err)
		history = nil
	}
	// The inbound message was just saved; drop it so BuildPrompt does not
	// duplicate it in the context.
	if n := len(history); n > 0 {
		history = history[:n-1]
	}
	prompt := engine.BuildPrompt(history, content)

	result, err := m.runner.Run(agent, prompt, sessionID, func(chunk string) {
		m.bus.AgentChunk(sessionID, chunk)
	})

	var reply *domain.Message
	if err != nil {
		log.Printf("ERROR: agent turn failed for session %s: %v", sessionID, err)
		m.bus.Error(sessionID, err.Error())
		reply = m.saveAssistantMessage(ctx, sessionID, "Error: "+err.Error())
	} else {
		output := result.Output
		if output == "" {
			output = "(no response)"
		}
		reply = m.saveAssistantMessage(ctx, sessionID, output)
	}

	m.bus.AgentDone(sessionID)

	if err := m.store.UpdateSession(ctx, sessionID, store.SessionPatch{}); err != nil {
		log.Printf("WARN: failed to touch session %s: %v", sessionID, err)
	}
	return reply
}

func (m *Manager) saveAssistantMessage(ctx context.Context, sessionID, content string) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		log.Printf("ERROR: failed to save assistant message for session %s: %v", sessionID, err)
	}
	m.bus.ChatMessage(*msg)
	return msg
}

// ReceiveMessage stores and publishes a message from an external source
// (bridge push, remote bot) without starting a turn. Role is free-form.
func (m *Manager) ReceiveMessage(ctx context.Context, sessionID, role, content string) (*domain.Message, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msg := &domain.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	m.bus.ChatMessage(*msg)
	if err := m.store.UpdateSession(ctx, sessionID, store.SessionPatch{}); err != nil {
		log.Printf("WARN: failed to touch session %s: %v", sessionID, err)
	}
	return msg, nil
}

// Heartbeat records an agent's reported status and announces it to every
// connected observer.
func (m *Manager) Heartbeat(ctx context.Context, agentID string, status domain.AgentStatus) error {
	if status == "" {
		status = domain.AgentStatusOnline
	}
	if err := m.store.UpdateAgentStatus(ctx, agentID, status); err != nil {
		return err
	}
	m.bus.AgentStatus(agentID, status, time.Now())
	return nil
}

// StopAgent asks the in-flight turn for a session to terminate. Best
// effort: the turn still finishes through its own exit path.
func (m *Manager) StopAgent(sessionID string) {
	m.runner.Stop(sessionID)
}

// Busy reports whether a session has a turn in flight.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[sessionID]
}

func (m *Manager) beginTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[sessionID] {
		return ErrSessionBusy
	}
	m.busy[sessionID] = true
	return nil
}

func (m *Manager) endTurn(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, sessionID)
}

func truncateTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= 50 {
		return content
	}
	return string(runes[:50]) + "..."
}
