// Package bus provides the in-process event bus carrying real-time
// lifecycle events from the chat manager to the distribution gateway.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/arcdash/arc/domain"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing events; delivery is
// best-effort and publishing never blocks the producer.
const subscriberBuffer = 256

// Bus fans out domain events to any number of subscribers. Events
// published from one goroutine reach each subscriber in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers an event to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("WARN: bus subscriber %d buffer full, dropping %s event", id, ev.Type)
		}
	}
}

// ChatMessage publishes a saved message.
func (b *Bus) ChatMessage(msg domain.Message) {
	b.publish(domain.Event{
		Type:      domain.EventTypeChatMessage,
		SessionID: msg.SessionID,
		Payload:   msg,
	})
}

// SessionCreated publishes a newly created session.
func (b *Bus) SessionCreated(session domain.Session) {
	b.publish(domain.Event{
		Type:      domain.EventTypeSessionCreated,
		SessionID: session.ID,
		Payload:   session,
	})
}

// SessionUpdated publishes a session mutation.
func (b *Bus) SessionUpdated(session domain.Session) {
	b.publish(domain.Event{
		Type:      domain.EventTypeSessionUpdated,
		SessionID: session.ID,
		Payload:   session,
	})
}

// AgentTyping publishes the start of an agent turn.
func (b *Bus) AgentTyping(sessionID string) {
	b.publish(domain.Event{
		Type:      domain.EventTypeAgentTyping,
		SessionID: sessionID,
		Payload:   domain.AgentTypingPayload{SessionID: sessionID},
	})
}

// AgentChunk publishes a live output chunk from an in-flight turn.
func (b *Bus) AgentChunk(sessionID, chunk string) {
	b.publish(domain.Event{
		Type:      domain.EventTypeAgentChunk,
		SessionID: sessionID,
		Payload:   domain.AgentChunkPayload{SessionID: sessionID, Chunk: chunk},
	})
}

// AgentDone publishes the end of an agent turn. Exactly one is published
// per turn, on every exit path.
func (b *Bus) AgentDone(sessionID string) {
	b.publish(domain.Event{
		Type:      domain.EventTypeAgentDone,
		SessionID: sessionID,
		Payload:   domain.AgentDonePayload{SessionID: sessionID},
	})
}

// Error publishes a turn failure.
func (b *Bus) Error(sessionID, errMsg string) {
	b.publish(domain.Event{
		Type:      domain.EventTypeError,
		SessionID: sessionID,
		Payload:   domain.ErrorPayload{SessionID: sessionID, Error: errMsg},
	})
}

// AgentStatus publishes an agent status change. The event carries no
// session id: the gateway broadcasts it to every connected observer.
func (b *Bus) AgentStatus(agentID string, status domain.AgentStatus, lastSeen time.Time) {
	b.publish(domain.Event{
		Type: domain.EventTypeAgentStatus,
		Payload: domain.AgentStatusPayload{
			AgentID:  agentID,
			Status:   status,
			LastSeen: lastSeen.UnixMilli(),
		},
	})
}
