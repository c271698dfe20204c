package services

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// Client represents a WebSocket client connection
type Client struct {
	ID      string
	BuildID string // The build this client follows
	Send    chan []byte
	Hub     *Hub
	Logger  *zap.Logger
	Conn    *websocket.Conn
}

type buildMessage struct {
	buildID string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts build events to them
type Hub struct {
	// Registered clients by build ID
	clients map[string]map[*Client]bool

	broadcast  chan buildMessage
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	// Closed when Run returns
	done chan struct{}

	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan buildMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run runs the hub's main loop until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.BuildID] == nil {
				h.clients[client.BuildID] = make(map[*Client]bool)
			}
			h.clients[client.BuildID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clientList := make([]*Client, 0, len(h.clients[message.buildID]))
			for client := range h.clients[message.buildID] {
				clientList = append(clientList, client)
			}
			h.mu.RUnlock()

			for _, client := range clientList {
				select {
				case client.Send <- message.payload:
				default:
					// Client's send buffer is full, remove client
					h.logger.Warn("Dropping slow websocket client",
						zap.String("client_id", client.ID),
						zap.String("build_id", client.BuildID),
					)
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.BuildID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.Send)
			if len(clients) == 0 {
				delete(h.clients, client.BuildID)
			}
		}
	}
}

// ClientCount returns the number of clients following buildID
func (h *Hub) ClientCount(buildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[buildID])
}

// Broadcast sends payload to every client following buildID. The message is
// dropped when the hub is saturated.
func (h *Hub) Broadcast(buildID string, payload []byte) {
	select {
	case h.broadcast <- buildMessage{buildID: buildID, payload: payload}:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message", zap.String("build_id", buildID))
	}
}

// RegisterClient registers a client with the hub
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// UnregisterClient removes a client from the hub and closes its Send channel
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ReadPump reads from the connection until it fails, keeping the read
// deadline fresh with pongs. Clients send nothing meaningful.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One event per websocket message
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
