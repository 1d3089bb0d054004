package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thinkwatch/backend/internal/fanout"
	"github.com/thinkwatch/backend/internal/mcp"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// has been reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 10 * time.Second

type client struct {
	conn   *websocket.Conn
	b      *Broadcaster
	send   chan []byte
	sub    *fanout.Subscription
	caller mcp.Caller
	cue    []byte
	// credential is re-checked against the allow-list on every message and
	// whenever the list changes.
	credential string
	// set under Broadcaster.mu before send is closed
	closeCode int
	closeText string
	// ephemeral viewers were bound by this connection and are unbound when
	// it goes away.
	ephemeral bool
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(c.closeCode, c.closeText),
		time.Now().Add(writeWait))
}

// forward turns fanout cues into resources/updated notifications until the
// subscription is closed.
func (c *client) forward() {
	for range c.sub.C {
		c.b.enqueue(c, c.cue)
	}
	c.b.RemoveClient(c)
}

// Broadcaster owns the viewer WebSocket connections. Each connection gets a
// fanout subscription for its viewer and a buffered send queue drained by a
// write pump; a connection whose queue is full is dropped.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	hub      *fanout.Hub
	maxConns int
	logger   *slog.Logger
}

// NewBroadcaster creates a Broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(hub *fanout.Hub, maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		hub:      hub,
		maxConns: maxConns,
		logger:   logger,
	}
}

// AddClient registers conn for a bound viewer and queues an initial cue so
// the viewer reads its list right away.
func (b *Broadcaster) AddClient(conn *websocket.Conn, binding fanout.Binding, credential string, ephemeral bool) (*client, error) {
	cue, err := json.Marshal(mcp.ResourceUpdatedNotification(binding.URI))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	sub, err := b.hub.Subscribe(binding.ViewerID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	c := &client{
		conn:      conn,
		b:         b,
		send:      make(chan []byte, sendBufferSize),
		sub:       sub,
		caller:    mcp.Caller{ViewerID: binding.ViewerID, ScopeKey: binding.ScopeKey},
		cue:        cue,
		credential: credential,
		closeCode:  websocket.CloseNormalClosure,
		ephemeral:  ephemeral,
	}
	b.clients[c] = true
	c.send <- cue
	b.mu.Unlock()

	go c.writePump()
	go c.forward()
	return c, nil
}

// RemoveClient drops a client. Safe to call more than once.
func (b *Broadcaster) RemoveClient(c *client) {
	b.disconnect(c, websocket.CloseNormalClosure, "")
}

// Revoke drops every client whose credential no longer passes allowed and
// returns how many were dropped. Their sockets close with a policy
// violation.
func (b *Broadcaster) Revoke(allowed func(credential string) bool) int {
	b.mu.RLock()
	var revoked []*client
	for c := range b.clients {
		if !allowed(c.credential) {
			revoked = append(revoked, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range revoked {
		b.disconnect(c, websocket.ClosePolicyViolation, closeReasonRevoked)
	}
	return len(revoked)
}

func (b *Broadcaster) disconnect(c *client, code int, text string) {
	b.mu.Lock()
	if _, ok := b.clients[c]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c)
	c.closeCode, c.closeText = code, text
	close(c.send)
	b.mu.Unlock()

	c.sub.Close()
	if c.ephemeral {
		b.hub.Unbind(c.caller.ViewerID)
	}
}

// Reply queues a JSON-RPC response for c.
func (b *Broadcaster) Reply(c *client, resp *mcp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("marshal response", "viewer", c.caller.ViewerID, "error", err)
		return
	}
	b.enqueue(c, data)
}

func (b *Broadcaster) enqueue(c *client, msg []byte) {
	b.mu.RLock()
	if !b.clients[c] {
		b.mu.RUnlock()
		return
	}
	select {
	case c.send <- msg:
		b.mu.RUnlock()
		return
	default:
	}
	b.mu.RUnlock()

	b.logger.Warn("ws client too slow, disconnecting", "viewer", c.caller.ViewerID)
	b.RemoveClient(c)
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop disconnects every client.
func (b *Broadcaster) Stop() {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.RemoveClient(c)
	}
}
