package domain

// EventType represents the type of a real-time event. The set is closed:
// producers publish through the bus's typed helpers, never by constructing
// arbitrary type strings.
type EventType string

const (
	EventTypeChatMessage    EventType = "chat_message"
	EventTypeSessionCreated EventType = "session_created"
	EventTypeSessionUpdated EventType = "session_updated"
	EventTypeAgentStatus    EventType = "agent_status"
	EventTypeAgentTyping    EventType = "agent_typing"
	EventTypeAgentChunk     EventType = "agent_chunk"
	EventTypeAgentDone      EventType = "agent_done"
	EventTypeError          EventType = "error"
)

// Event is a transient real-time notification. SessionID is the routing
// key for the distribution gateway; an empty SessionID means the event is
// addressed to every connected observer (agent_status).
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"-"`
	Payload   any       `json:"payload"`
}

// AgentTypingPayload is the payload for agent_typing events.
type AgentTypingPayload struct {
	SessionID string `json:"session_id"`
}

// AgentChunkPayload is the payload for agent_chunk events.
type AgentChunkPayload struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
}

// AgentDonePayload is the payload for agent_done events.
type AgentDonePayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// AgentStatusPayload is the payload for agent_status events.
type AgentStatusPayload struct {
	AgentID  string      `json:"agent_id"`
	Status   AgentStatus `json:"status"`
	LastSeen int64       `json:"last_seen"`
}
