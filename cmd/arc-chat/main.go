// Package main provides a simple CLI chat client. It opens a WebSocket
// subscription for live events and sends messages over the HTTP API.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event types pushed by the gateway.
const (
	TypeChatMessage = "chat_message"
	TypeAgentTyping = "agent_typing"
	TypeAgentChunk  = "agent_chunk"
	TypeAgentDone   = "agent_done"
	TypeError       = "error"
)

// WireEvent is one event as sent by the gateway.
type WireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubscribeRequest registers interest in a session's events.
type SubscribeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ChatMessage mirrors the payload of a chat_message event.
type ChatMessage struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// ChunkPayload mirrors the payload of an agent_chunk event.
type ChunkPayload struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
}

// ErrorPayload mirrors the payload of an error event.
type ErrorPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// Client holds the WebSocket subscription and the HTTP endpoint used
// for sending messages.
type Client struct {
	conn      *websocket.Conn
	apiURL    string
	sessionID string
	done      chan struct{}
}

// NewClient connects to the gateway and subscribes to the session.
func NewClient(wsAddr, apiURL, sessionID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	sub := SubscribeRequest{Type: "subscribe", SessionID: sessionID}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	return &Client{
		conn:      conn,
		apiURL:    apiURL,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}, nil
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// Send posts a user message to the session with streaming enabled.
func (c *Client) Send(content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/chat/sessions/%s/messages?stream=true", c.apiURL, c.sessionID)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("agent is still responding, wait for it to finish")
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// ReadEvents reads and prints events from the gateway.
func (c *Client) ReadEvents() {
	streaming := false

	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}

			var ev WireEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}

			switch ev.Type {
			case TypeChatMessage:
				var msg ChatMessage
				if err := json.Unmarshal(ev.Payload, &msg); err != nil {
					continue
				}
				// Streamed chunks already printed the assistant text.
				if streaming && msg.Role == "assistant" {
					streaming = false
					continue
				}
				fmt.Printf("\n[%s] %s\n", msg.Role, msg.Content)
			case TypeAgentTyping:
				fmt.Println("\n[agent is thinking...]")
			case TypeAgentChunk:
				var chunk ChunkPayload
				if err := json.Unmarshal(ev.Payload, &chunk); err != nil {
					continue
				}
				streaming = true
				fmt.Print(chunk.Chunk)
			case TypeAgentDone:
				fmt.Println()
			case TypeError:
				var errPayload ErrorPayload
				if err := json.Unmarshal(ev.Payload, &errPayload); err != nil {
					continue
				}
				fmt.Printf("\n[error] %s\n", errPayload.Error)
			}
		}
	}
}

// createSession opens a fresh session for the agent over the HTTP API.
func createSession(apiURL, agentID string) (string, error) {
	body, err := json.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		return "", err
	}

	resp, err := http.Post(apiURL+"/api/chat/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return session.ID, nil
}

func main() {
	wsAddr := flag.String("ws", "ws://localhost:8080/ws", "WebSocket gateway address")
	apiURL := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	sessionID := flag.String("session", "", "Existing session ID (created when empty)")
	agentID := flag.String("agent", "", "Agent ID for a new session")
	flag.Parse()

	log.SetFlags(log.Ltime)

	sid := *sessionID
	if sid == "" {
		if *agentID == "" {
			log.Fatalf("Either -session or -agent is required")
		}
		var err error
		sid, err = createSession(*apiURL, *agentID)
		if err != nil {
			log.Fatalf("Failed to create session: %v", err)
		}
		fmt.Printf("Created session %s\n", sid)
	}

	fmt.Printf("Connecting to %s...\n", *wsAddr)

	client, err := NewClient(*wsAddr, *apiURL, sid)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Println("Connected.")
	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /quit to exit")
	fmt.Println()

	// Start reading events in background
	go client.ReadEvents()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Read user input
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}

			if err := client.Send(input); err != nil {
				log.Printf("Send error: %v", err)
				continue
			}

			// Give the typing indicator a moment to arrive before the
			// next prompt is printed.
			time.Sleep(100 * time.Millisecond)
		}
	}
}
