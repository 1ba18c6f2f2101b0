// Package telegram bridges Telegram chats onto the chat manager, so a
// remote user can converse with an agent from a Telegram client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/arcdash/arc/bus"
	"github.com/arcdash/arc/chat"
	"github.com/arcdash/arc/domain"
	"github.com/arcdash/arc/engine"
)

// Bridge connects one Telegram bot (long polling) to the chat manager.
// Each Telegram chat maps to one session; the mapping lives in an
// explicit registry owned by the bridge, not package state.
type Bridge struct {
	bot      *bot.Bot
	manager  *chat.Manager
	registry *engine.Registry
	bus      *bus.Bus

	mu       sync.Mutex
	sessions map[string]string // telegram chat id -> session id
	chats    map[string]int64  // session id -> telegram chat id
}

// New creates a Bridge for the given bot token.
func New(token string, manager *chat.Manager, registry *engine.Registry, b *bus.Bus) (*Bridge, error) {
	br := &Bridge{
		manager:  manager,
		registry: registry,
		bus:      b,
		sessions: make(map[string]string),
		chats:    make(map[string]int64),
	}

	tg, err := bot.New(token, bot.WithDefaultHandler(br.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	br.bot = tg
	return br, nil
}

// Run starts long polling and the outbound event loop until ctx is
// cancelled.
func (br *Bridge) Run(ctx context.Context) {
	go br.forwardEvents(ctx)
	br.bot.Start(ctx)
}

// handleUpdate processes one inbound Telegram update.
func (br *Bridge) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	agent, err := br.agentForChat(ctx, chatID)
	if err != nil {
		log.Printf("WARN: no agent for telegram chat %d: %v", chatID, err)
		return
	}

	sessionID, err := br.sessionForChat(ctx, chatID, agent.ID)
	if err != nil {
		log.Printf("ERROR: failed to open session for telegram chat %d: %v", chatID, err)
		return
	}

	if _, err := br.manager.SendMessage(ctx, sessionID, update.Message.Text, agent, chat.ModeAsync); err != nil {
		if errors.Is(err, chat.ErrSessionBusy) {
			br.reply(ctx, chatID, "The agent is still working on the previous message.")
			return
		}
		log.Printf("ERROR: telegram send failed for session %s: %v", sessionID, err)
		br.reply(ctx, chatID, "Something went wrong, please try again.")
	}
}

// agentForChat resolves the agent bound to a Telegram chat id.
func (br *Bridge) agentForChat(ctx context.Context, chatID int64) (*domain.Agent, error) {
	agents, err := br.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	want := strconv.FormatInt(chatID, 10)
	for i := range agents {
		if agents[i].TelegramChatID == want {
			return &agents[i], nil
		}
	}
	return nil, fmt.Errorf("no agent configured for chat %s", want)
}

// sessionForChat returns the chat's session, opening one on first contact.
func (br *Bridge) sessionForChat(ctx context.Context, chatID int64, agentID string) (string, error) {
	key := strconv.FormatInt(chatID, 10)

	br.mu.Lock()
	sessionID, ok := br.sessions[key]
	br.mu.Unlock()
	if ok {
		return sessionID, nil
	}

	session, err := br.manager.CreateSession(ctx, agentID, "Telegram chat")
	if err != nil {
		return "", err
	}

	br.mu.Lock()
	br.sessions[key] = session.ID
	br.chats[session.ID] = chatID
	br.mu.Unlock()
	return session.ID, nil
}

// forwardEvents relays assistant replies for bridge-owned sessions back
// to their Telegram chats.
func (br *Bridge) forwardEvents(ctx context.Context) {
	events, cancel := br.bus.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != domain.EventTypeChatMessage {
				continue
			}
			msg, ok := ev.Payload.(domain.Message)
			if !ok || msg.Role != domain.RoleAssistant {
				continue
			}

			br.mu.Lock()
			chatID, owned := br.chats[msg.SessionID]
			br.mu.Unlock()
			if !owned {
				continue
			}
			br.reply(ctx, chatID, msg.Content)

		case <-ctx.Done():
			return
		}
	}
}

func (br *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if _, err := br.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		log.Printf("WARN: failed to send telegram message to chat %d: %v", chatID, err)
	}
}
