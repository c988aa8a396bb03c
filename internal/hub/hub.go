// Package hub manages the WebSocket alert connections, grouped by
// (tenant, store). Authentication happens at the HTTP layer; the hub takes
// accepted connections, sends the connection ack and catch-up alerts, and
// fans stock alerts out to the group.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openpos/internal/config"
	"openpos/pkg/types"
)

// AlertSource supplies catch-up alerts for a newly connected socket. The
// stock engine implements it.
type AlertSource interface {
	CatchupAlerts(ctx context.Context, tenantID, storeCode string) ([]types.StockAlert, error)
}

type groupKey struct {
	tenantID  string
	storeCode string
}

// Hub is the connection registry.
type Hub struct {
	cfg    config.HubConfig
	source AlertSource
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[groupKey]map[*Client]bool
	closed bool
}

// Client is one WebSocket connection with its bounded send queue. The queue
// is never closed: Broadcast selects on it without holding the hub lock, and
// a send case on a closed channel panics. Shutdown goes through done instead.
type Client struct {
	hub  *Hub
	key  groupKey
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// stop signals the write pump to emit the close frame and exit. Safe to call
// from detach, Close, and Broadcast concurrently.
func (c *Client) stop() { c.once.Do(func() { close(c.done) }) }

func New(cfg config.HubConfig, source AlertSource, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "ws-hub"),
		groups: make(map[groupKey]map[*Client]bool),
	}
}

// Attach registers an accepted connection into its (tenant, store) group,
// sends the ack and catch-up alerts, and starts the pumps. The caller has
// already authenticated the socket.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, tenantID, storeCode string) *Client {
	key := groupKey{tenantID: tenantID, storeCode: storeCode}
	client := &Client{
		hub:  h,
		key:  key,
		conn: conn,
		send: make(chan []byte, h.cfg.SendQueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	group, ok := h.groups[key]
	if !ok {
		group = make(map[*Client]bool)
		h.groups[key] = group
	}
	group[client] = true
	count := len(group)
	h.mu.Unlock()
	h.logger.Info("client connected", "tenant", tenantID, "store", storeCode, "count", count)

	client.enqueue(mustMarshal(types.ConnectionAck{
		Type:      "connection",
		Status:    "connected",
		TenantID:  tenantID,
		StoreCode: storeCode,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}))

	if h.source != nil {
		alerts, err := h.source.CatchupAlerts(ctx, tenantID, storeCode)
		if err != nil {
			h.logger.Warn("catch-up alerts failed", "tenant", tenantID, "store", storeCode, "error", err)
		}
		for _, a := range alerts {
			client.enqueue(mustMarshal(a))
		}
	}

	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	group, ok := h.groups[c.key]
	if !ok || !group[c] {
		h.mu.Unlock()
		return
	}
	delete(group, c)
	count := len(group)
	if count == 0 {
		delete(h.groups, c.key)
	}
	h.mu.Unlock()
	c.stop()
	h.logger.Info("client disconnected", "tenant", c.key.tenantID, "store", c.key.storeCode, "count", count)
}

// Broadcast fans an alert out to every socket in the (tenant, store) group.
// Implements stock.Alerter. Slow clients are dropped rather than blocking
// the caller.
func (h *Hub) Broadcast(tenantID, storeCode string, alert types.StockAlert) {
	data := mustMarshal(alert)
	key := groupKey{tenantID: tenantID, storeCode: storeCode}

	h.mu.RLock()
	group := h.groups[key]
	clients := make([]*Client, 0, len(group))
	for c := range group {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("send queue full, dropping client", "tenant", tenantID, "store", storeCode)
			h.detach(c)
			c.conn.Close()
		}
	}
}

// GroupSize reports the number of live sockets in a group.
func (h *Hub) GroupSize(tenantID, storeCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupKey{tenantID: tenantID, storeCode: storeCode}])
}

// Close disconnects every client and rejects further attachments.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var clients []*Client
	for key, group := range h.groups {
		for c := range group {
			clients = append(clients, c)
		}
		delete(h.groups, key)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
		c.conn.Close()
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// enqueue drops the message if the client's queue is already full.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps queued messages to the socket and keeps the ping cadence.
func (c *Client) writePump() {
	pingPeriod := c.hub.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the socket so pongs and close frames are processed. The
// alert stream is one-way; client messages are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read", "error", err)
			}
			return
		}
	}
}
