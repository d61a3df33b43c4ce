// Package broadcast fans engine events out to WebSocket clients. The hub
// manages connections and per-client channel subscriptions; the adapter
// subscribes to the event bus and maps events onto broadcast channels.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatsFunc supplies the current engine stats for subscribe echoes and
// periodic snapshots.
type StatsFunc func() models.Stats

// Hub manages WebSocket clients and broadcasts channel-tagged messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan models.BroadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	dropped    atomic.Int64
	stats      StatsFunc
	logger     *common.Logger
}

// Client represents a connected WebSocket client and its subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	channels map[string]bool // nil until the first subscribe message: all channels
}

// subscribeRequest is the only message clients send.
type subscribeRequest struct {
	Subscribe []string `json:"subscribe"`
}

// NewHub creates a broadcast hub. stats may be nil; subscribe echoes are
// then skipped.
func NewHub(logger *common.Logger, stats StatsFunc) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan models.BroadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		stats:      stats,
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to marshal broadcast message")
				continue
			}

			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.subscribed(message.Channel) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
				h.logger.Debug().Int("evicted", len(slow)).Msg("Evicted slow WebSocket clients")
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
		// Already stopped
	default:
		close(h.done)
	}
}

// Broadcast queues a message for all subscribed clients. Never blocks; when
// the hub is saturated the message is dropped and counted.
func (h *Hub) Broadcast(message models.BroadcastMessage) {
	select {
	case h.broadcast <- message:
	default:
		h.dropped.Add(1)
		h.logger.Warn().Str("channel", message.Channel).Msg("Broadcast channel full, dropping message")
	}
}

// Dropped returns the number of messages dropped at the hub boundary.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribed reports whether the client receives the given channel. Clients
// that never sent a subscribe message receive everything.
func (c *Client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channels == nil {
		return true
	}
	return c.channels[channel]
}

func (c *Client) setChannels(channels []string) {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	c.mu.Lock()
	c.channels = set
	c.mu.Unlock()
}

// writePump sends messages from the send channel to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes subscribe messages and detects close.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.hub.logger.Debug().Err(err).Msg("Ignoring malformed WebSocket message")
			continue
		}
		if req.Subscribe == nil {
			continue
		}
		c.setChannels(req.Subscribe)
		c.echoStats()
	}
}

// echoStats pushes the current stats snapshot to this client only.
func (c *Client) echoStats() {
	if c.hub.stats == nil {
		return
	}
	data, err := json.Marshal(models.BroadcastMessage{
		Type:      "stats",
		Channel:   models.ChannelStats,
		Timestamp: time.Now().UTC(),
		Payload:   c.hub.stats(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
