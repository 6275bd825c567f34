// Package ws streams pipeline and settlement events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Channels are the bus channels relayed to clients.
var Channels = []string{eventbus.ChannelPipeline, eventbus.ChannelPositions}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMsg changes what a client receives. Positions narrows the
// positions channel to the listed ids; an empty list means all.
type subscribeMsg struct {
	Action    string   `json:"action"` // subscribe | unsubscribe
	Channels  []string `json:"channels"`
	Positions []uint64 `json:"positions"`
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.RWMutex
	subs      map[string]bool
	positions map[uint64]bool
	closeOnce sync.Once
}

// Hub bridges the Redis signal bus to websocket clients.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
	}
}

// Run subscribes to every relayed channel and fans messages out until ctx
// ends, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range Channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for data := range msgs {
				h.broadcast(ch, data)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) broadcast(channel string, data []byte) {
	var positionID uint64
	if channel == eventbus.ChannelPositions {
		var e struct {
			PositionID uint64 `json:"position_id"`
		}
		if json.Unmarshal(data, &e) == nil {
			positionID = e.PositionID
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(channel, positionID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("channel", channel))
		}
	}
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client on all channels.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		subs:      make(map[string]bool),
		positions: make(map[uint64]bool),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}
	hello, _ := json.Marshal(map[string]any{"type": "hello", "channels": Channels})
	c.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("total_clients", total))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.Int("total_clients", total))
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *client) wants(channel string, positionID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[channel] {
		return false
	}
	if channel == eventbus.ChannelPositions && len(c.positions) > 0 {
		return c.positions[positionID]
	}
	return true
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
		for _, id := range msg.Positions {
			c.positions[id] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
		for _, id := range msg.Positions {
			delete(c.positions, id)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring client frame", slog.String("error", err.Error()))
			continue
		}
		c.apply(sub)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
