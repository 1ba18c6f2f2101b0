package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arcdash/arc/bus"
	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/engine"
	"github.com/arcdash/arc/tests/helpers"
)

// stubRunner fakes the agent process for manager tests.
type stubRunner struct {
	mu      sync.Mutex
	reply   string
	err     error
	chunks  []string
	prompts []string
	block   chan struct{} // when set, Run blocks until closed
	stopped []string
}

func (s *stubRunner) Run(agent *domain.Agent, prompt, sessionID string, onChunk engine.ChunkSink) (engine.RunResult, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if s.err != nil {
		return engine.RunResult{}, s.err
	}
	for _, chunk := range s.chunks {
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return engine.RunResult{Output: s.reply}, nil
}

func (s *stubRunner) Stop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, sessionID)
}

func (s *stubRunner) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func newTestManager(t *testing.T, runner TurnRunner) (*Manager, *bus.Bus) {
	t.Helper()
	st := helpers.NewTestSQLiteStore(t)
	b := bus.New()
	return NewManager(st, b, runner), b
}

func testAgent() *domain.Agent {
	return &domain.Agent{ID: "coder", Name: "Coder"}
}

// collectEvents drains events until the predicate matches or a timeout
// expires, returning everything seen.
func collectEvents(t *testing.T, ch <-chan domain.Event, until func(domain.Event) bool) []domain.Event {
	t.Helper()
	var events []domain.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if until(ev) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out, events so far: %d", len(events))
		}
	}
}

func TestSendMessageSync(t *testing.T) {
	ctx := context.Background()
	runner := &stubRunner{reply: "sure, done", chunks: []string{"sure,", " done"}}
	m, b := newTestManager(t, runner)
	ch, cancel := b.Subscribe()
	defer cancel()

	session, err := m.CreateSession(ctx, "coder", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	reply, err := m.SendMessage(ctx, session.ID, "please fix the bug", testAgent(), ModeSync)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Role != domain.RoleAssistant || reply.Content != "sure, done" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	messages, err := m.GetMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != domain.RoleUser || messages[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}

	events := collectEvents(t, ch, func(ev domain.Event) bool {
		return ev.Type == domain.EventTypeAgentDone
	})

	var types []domain.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	// session_created, chat_message (user), session_updated (auto-title),
	// agent_typing, 2x agent_chunk, chat_message (assistant), agent_done.
	want := []domain.EventType{
		domain.EventTypeSessionCreated,
		domain.EventTypeChatMessage,
		domain.EventTypeSessionUpdated,
		domain.EventTypeAgentTyping,
		domain.EventTypeAgentChunk,
		domain.EventTypeAgentChunk,
		domain.EventTypeChatMessage,
		domain.EventTypeAgentDone,
	}
	if len(types) != len(want) {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %s want %s (full: %v)", i, types[i], want[i], types)
		}
	}
}

func TestSendMessageAutoTitle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubRunner{reply: "ok"})

	session, err := m.CreateSession(ctx, "coder", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Title != domain.DefaultSessionTitle {
		t.Fatalf("expected default title, got %q", session.Title)
	}

	long := strings.Repeat("abcde ", 20)
	if _, err := m.SendMessage(ctx, session.ID, long, testAgent(), ModeSync); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	got, err := m.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Title != long[:50]+"..." {
		t.Fatalf("unexpected title: %q", got.Title)
	}

	// A second message does not retitle.
	if _, err := m.SendMessage(ctx, session.ID, "and another thing", testAgent(), ModeSync); err != nil {
		t.Fatalf("second SendMessage failed: %v", err)
	}
	again, _ := m.GetSession(ctx, session.ID)
	if again.Title != got.Title {
		t.Fatalf("title changed on second message: %q", again.Title)
	}
}

func TestSendMessageRunnerError(t *testing.T) {
	ctx := context.Background()
	runner := &stubRunner{err: errors.New("spawn failed")}
	m, b := newTestManager(t, runner)
	ch, cancel := b.Subscribe()
	defer cancel()

	session, _ := m.CreateSession(ctx, "coder", "Debug")

	reply, err := m.SendMessage(ctx, session.ID, "hi", testAgent(), ModeSync)
	if err != nil {
		t.Fatalf("a failed turn must still resolve, got %v", err)
	}
	if !strings.HasPrefix(reply.Content, "Error: ") {
		t.Fatalf("expected error trace message, got %q", reply.Content)
	}

	events := collectEvents(t, ch, func(ev domain.Event) bool {
		return ev.Type == domain.EventTypeAgentDone
	})

	sawError := false
	doneCount := 0
	for _, ev := range events {
		switch ev.Type {
		case domain.EventTypeError:
			sawError = true
		case domain.EventTypeAgentDone:
			doneCount++
		}
	}
	if !sawError {
		t.Fatal("expected an error event")
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one agent_done, got %d", doneCount)
	}

	// The error turn still persisted an assistant message.
	messages, _ := m.GetMessages(ctx, session.ID)
	if len(messages) != 2 || messages[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", messages)
	}

	// The session is free for the next turn.
	if m.Busy(session.ID) {
		t.Fatal("session stuck busy after failed turn")
	}
}

func TestSendMessageBusyRejection(t *testing.T) {
	ctx := context.Background()
	block := make(chan struct{})
	runner := &stubRunner{reply: "ok", block: block}
	m, _ := newTestManager(t, runner)

	session, _ := m.CreateSession(ctx, "coder", "Busy")

	if _, err := m.SendMessage(ctx, session.ID, "first", testAgent(), ModeAsync); err != nil {
		t.Fatalf("first SendMessage failed: %v", err)
	}

	// The first turn is blocked inside the runner; a second send on the
	// same session must be rejected without writing anything.
	if _, err := m.SendMessage(ctx, session.ID, "second", testAgent(), ModeSync); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	messages, _ := m.GetMessages(ctx, session.ID)
	if len(messages) != 1 {
		t.Fatalf("rejected send must not persist, got %d messages", len(messages))
	}

	// A different session is unaffected.
	other, _ := m.CreateSession(ctx, "coder", "Other")
	if _, err := m.SendMessage(ctx, other.ID, "hello", testAgent(), ModeAsync); err != nil {
		t.Fatalf("other session rejected: %v", err)
	}

	close(block)
	waitUntil(t, func() bool { return !m.Busy(session.ID) })

	// Now the first session accepts again.
	if _, err := m.SendMessage(ctx, session.ID, "third", testAgent(), ModeAsync); err != nil {
		t.Fatalf("session still rejecting after turn ended: %v", err)
	}
}

func TestSendMessageSyncSurvivesCallerCancel(t *testing.T) {
	block := make(chan struct{})
	runner := &stubRunner{reply: "finished anyway", block: block}
	m, b := newTestManager(t, runner)
	ch, unsub := b.Subscribe()
	defer unsub()

	session, err := m.CreateSession(context.Background(), "coder", "Disconnect")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *domain.Message, 1)
	go func() {
		reply, _ := m.SendMessage(ctx, session.ID, "are you still there", testAgent(), ModeSync)
		done <- reply
	}()

	// The client goes away while the runner is still working.
	waitUntil(t, func() bool { return runner.lastPrompt() != "" })
	cancel()
	close(block)

	var reply *domain.Message
	select {
	case reply = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage never returned")
	}
	if reply == nil || reply.Content != "finished anyway" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// The reply must land in the transcript even though the caller is gone,
	// and the chat_message events must match what was persisted.
	messages, err := m.GetMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[1].Role != domain.RoleAssistant || messages[1].Content != "finished anyway" {
		t.Fatalf("assistant reply not persisted: %+v", messages[1])
	}

	events := collectEvents(t, ch, func(ev domain.Event) bool {
		return ev.Type == domain.EventTypeAgentDone
	})
	var chats int
	for _, ev := range events {
		if ev.Type == domain.EventTypeChatMessage {
			chats++
		}
	}
	if chats != 2 {
		t.Fatalf("expected 2 chat_message events, got %d", chats)
	}
}

func TestSendMessageAsyncPersistsReply(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubRunner{reply: "done in background"})

	session, _ := m.CreateSession(ctx, "coder", "Async")

	userMsg, err := m.SendMessage(ctx, session.ID, "go do it", testAgent(), ModeAsync)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if userMsg.Role != domain.RoleUser {
		t.Fatalf("async mode returns the user message, got %+v", userMsg)
	}

	waitUntil(t, func() bool {
		messages, _ := m.GetMessages(ctx, session.ID)
		return len(messages) == 2
	})

	messages, _ := m.GetMessages(ctx, session.ID)
	if messages[1].Content != "done in background" {
		t.Fatalf("unexpected reply: %+v", messages[1])
	}
}

func TestRunTurnPromptExcludesInboundMessage(t *testing.T) {
	ctx := context.Background()
	runner := &stubRunner{reply: "ok"}
	m, _ := newTestManager(t, runner)

	session, _ := m.CreateSession(ctx, "coder", "History")

	if _, err := m.SendMessage(ctx, session.ID, "first question", testAgent(), ModeSync); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := runner.lastPrompt(); got != "first question" {
		t.Fatalf("first prompt must be the bare message, got %q", got)
	}

	if _, err := m.SendMessage(ctx, session.ID, "second question", testAgent(), ModeSync); err != nil {
		t.Fatalf("second SendMessage failed: %v", err)
	}
	got := runner.lastPrompt()
	if strings.Count(got, "second question") != 1 {
		t.Fatalf("inbound message duplicated in prompt:\n%s", got)
	}
	if !strings.Contains(got, "Human: first question") || !strings.Contains(got, "Assistant: ok") {
		t.Fatalf("prompt missing history:\n%s", got)
	}
}

func TestSendMessageEmptyOutput(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &stubRunner{reply: ""})

	session, _ := m.CreateSession(ctx, "coder", "Quiet")
	reply, err := m.SendMessage(ctx, session.ID, "say nothing", testAgent(), ModeSync)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Content != "(no response)" {
		t.Fatalf("expected placeholder for empty output, got %q", reply.Content)
	}
}

func TestReceiveMessage(t *testing.T) {
	ctx := context.Background()
	m, b := newTestManager(t, &stubRunner{})
	ch, cancel := b.Subscribe()
	defer cancel()

	session, _ := m.CreateSession(ctx, "coder", "Push")

	msg, err := m.ReceiveMessage(ctx, session.ID, "telegram-bot", "hello from outside")
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if msg.Role != "telegram-bot" {
		t.Fatalf("unexpected role: %q", msg.Role)
	}

	if _, err := m.ReceiveMessage(ctx, "missing", "x", "y"); err == nil {
		t.Fatal("expected error for unknown session")
	}

	events := collectEvents(t, ch, func(ev domain.Event) bool {
		return ev.Type == domain.EventTypeChatMessage
	})
	last := events[len(events)-1]
	if last.SessionID != session.ID {
		t.Fatalf("event routed to wrong session: %q", last.SessionID)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	b := bus.New()
	m := NewManager(st, b, &stubRunner{})
	ch, cancel := b.Subscribe()
	defer cancel()

	if err := st.UpsertAgent(ctx, &domain.Agent{ID: "coder", Name: "Coder", Status: domain.AgentStatusOffline}); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}

	if err := m.Heartbeat(ctx, "coder", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	agent, err := st.GetAgent(ctx, "coder")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Status != domain.AgentStatusOnline {
		t.Fatalf("empty status defaults to online, got %q", agent.Status)
	}

	ev := <-ch
	if ev.Type != domain.EventTypeAgentStatus || ev.SessionID != "" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := m.Heartbeat(ctx, "missing", domain.AgentStatusOnline); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestStopAgentForwardsToRunner(t *testing.T) {
	runner := &stubRunner{}
	m, _ := newTestManager(t, runner)

	m.StopAgent("s1")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.stopped) != 1 || runner.stopped[0] != "s1" {
		t.Fatalf("stop not forwarded: %v", runner.stopped)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
