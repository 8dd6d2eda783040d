package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. gorilla connections allow one
// concurrent writer, so writes go through mu.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Event is the JSON envelope pushed to subscribers.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	TopicID   string    `json:"topic_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Hub manages active WebSocket subscribers per account.
// An account can have several subscribers at once.
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerAccount int
	log           zerolog.Logger
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int, log zerolog.Logger) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
		log:           log.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a WebSocket connection for the given account.
// If the per-account limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[accountID]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[accountID] = accountClients
	}

	if len(accountClients) >= h.maxPerAccount {
		h.log.Warn().Str("account_id", accountID).Int("max", h.maxPerAccount).Msg("too many subscribers, closing new connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	accountClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given account and closes the connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if accountClients, ok := h.clients[accountID]; ok {
		delete(accountClients, client)
		if len(accountClients) == 0 {
			delete(h.clients, accountID)
		}
	}

	_ = client.conn.Close()
}

// Send writes a raw message to every subscriber of the account.
func (h *Hub) Send(accountID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[accountID]))
	for client := range h.clients[accountID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(msg); err != nil {
			h.log.Debug().Err(err).Str("account_id", accountID).Msg("dropping subscriber after failed write")
			go h.Unregister(accountID, client)
		}
	}
}

// Broadcast marshals the event and sends it to the account's subscribers.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("failed to marshal event")
		return
	}
	h.Send(ev.AccountID, msg)
}

// ActiveConnections returns the number of active WebSocket connections for an account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}
