// Package eventhub implements the EventHub: a subscription-aware WebSocket
// fan-out broadcaster. It generalizes the teacher's internal/wsserver.Hub
// (single-connection, pane-subscription model) into spec.md §4.7's
// many-client, channel+session filtered subscription model, keeping the
// teacher's ping/pong liveness idiom. Writes to one connection are
// serialized by that client's mu.
package eventhub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sessionforge/internal/events"
)

const (
	writeDeadline  = 5 * time.Second
	readDeadline   = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 32 * 1024
	debounceWindow = 300 * time.Millisecond
	closeGraceWait = 1 * time.Second
)

// debouncedChannels are high-churn channels coalesced into a single trailing
// delivery per client within debounceWindow. Per spec.md §4.7 this applies
// to "high-churn channels"; claude-output is the only one in this core
// (OutputThrottler already throttles it, but the fan-out stage coalesces
// independently per client send-buffer pressure).
var debouncedChannels = map[string]bool{
	events.ChannelClaudeOutput: true,
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// wireEnvelope is the server->client message shape from spec.md §6.
type wireEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// controlMessage is the client->server shape.
type controlMessage struct {
	Type string `json:"type"`
	Data struct {
		SessionIDs        []string `json:"sessionIds"`
		Channels          []string `json:"channels"`
		LastEventTimestamp int64    `json:"lastEventTimestamp"`
		RequestedSessions []string `json:"requestedSessions"`
	} `json:"data"`
}

// SnapshotProvider lets the hub answer reconnect/get-session-state requests
// without depending on the orchestrator package directly.
type SnapshotProvider interface {
	SessionSnapshot(sessionID string) (events.SessionSummary, []byte, bool)
}

// Hub is the process-wide WebSocket fan-out broadcaster.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	snapshot SnapshotProvider

	debounceMu sync.Mutex
	pending    map[string]map[string]events.Event // clientID -> channel -> last event

	stopOnce sync.Once
	stopCh   chan struct{}
}

type client struct {
	id   string
	conn *websocket.Conn

	mu       sync.Mutex // serializes writes, per gorilla/websocket requirement
	sessions map[string]bool
	allSess  bool
	channels map[string]bool
	allChan  bool

	lastPong time.Time
	closed   bool
}

// New constructs a Hub. snapshot may be nil if reconnect/get-session-state
// support is not wired yet (tests commonly omit it).
func New(snapshot SnapshotProvider) *Hub {
	return &Hub{
		clients:  make(map[string]*client),
		snapshot: snapshot,
		pending:  make(map[string]map[string]events.Event),
		stopCh:   make(chan struct{}),
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection and runs the
// client's read pump until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[eventhub] upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		sessions: make(map[string]bool),
		channels: make(map[string]bool),
		lastPong: time.Now(),
	}

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		slog.Warn("[eventhub] SetReadDeadline failed", "error", err)
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		h.mu.Lock()
		if cc, ok := h.clients[c.id]; ok {
			cc.lastPong = time.Now()
		}
		h.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	slog.Info("[eventhub] client connected", "clientId", c.id, "remoteAddr", conn.RemoteAddr())
	h.sendEnvelope(c, wireEnvelope{Type: "connection", Data: map[string]string{"clientId": c.id}})

	pingDone := make(chan struct{})
	go h.pingLoop(c, pingDone)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("[eventhub] handler recovered from panic", "panic", r, "stack", string(debug.Stack()))
		}
		close(pingDone)
		h.removeClient(c.id)
		c.conn.Close()
		slog.Info("[eventhub] client disconnected", "clientId", c.id)
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[eventhub] read error", "clientId", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ctl controlMessage
		if err := json.Unmarshal(msg, &ctl); err != nil {
			slog.Debug("[eventhub] invalid control message", "error", err)
			continue
		}
		h.handleControl(c, ctl)
	}
}

func (h *Hub) handleControl(c *client, ctl controlMessage) {
	switch ctl.Type {
	case "subscribe":
		h.mu.Lock()
		for _, id := range ctl.Data.SessionIDs {
			if id == "*" {
				c.allSess = true
				continue
			}
			c.sessions[id] = true
		}
		for _, ch := range ctl.Data.Channels {
			if ch == "*" {
				c.allChan = true
				continue
			}
			c.channels[ch] = true
		}
		h.mu.Unlock()
	case "ping":
		h.sendEnvelope(c, wireEnvelope{Type: "pong"})
	case "reconnect":
		h.handleReconnect(c, ctl)
	case "get-session-state":
		h.handleReconnect(c, ctl)
	default:
		slog.Debug("[eventhub] unknown control message type", "type", ctl.Type)
	}
}

func (h *Hub) handleReconnect(c *client, ctl controlMessage) {
	if h.snapshot == nil {
		return
	}
	for _, sid := range ctl.Data.RequestedSessions {
		summary, screen, ok := h.snapshot.SessionSnapshot(sid)
		if !ok {
			continue
		}
		h.sendEnvelope(c, wireEnvelope{Type: "session-state", SessionID: sid, Data: map[string]any{
			"summary": summary,
			"screen":  string(screen),
		}})
	}
}

// Emit delivers ev to every client whose subscriptions match, applying
// debounced coalescing for channels in debouncedChannels.
func (h *Hub) Emit(ev events.Event) {
	channel := events.Channel(ev)
	if debouncedChannels[channel] {
		h.emitDebounced(ev)
		return
	}
	h.deliver(ev)
}

func (h *Hub) emitDebounced(ev events.Event) {
	channel := events.Channel(ev)

	h.mu.RLock()
	clientIDs := make([]string, 0, len(h.clients))
	for id := range h.clients {
		clientIDs = append(clientIDs, id)
	}
	h.mu.RUnlock()

	h.debounceMu.Lock()
	for _, id := range clientIDs {
		byChannel, ok := h.pending[id]
		if !ok {
			byChannel = make(map[string]events.Event)
			h.pending[id] = byChannel
		}
		_, alreadyScheduled := byChannel[channel]
		byChannel[channel] = ev
		if alreadyScheduled {
			continue
		}
		time.AfterFunc(debounceWindow, func() { h.flushDebounced(id, channel) })
	}
	h.debounceMu.Unlock()
}

func (h *Hub) flushDebounced(clientID, channel string) {
	h.debounceMu.Lock()
	byChannel, ok := h.pending[clientID]
	if !ok {
		h.debounceMu.Unlock()
		return
	}
	ev, ok := byChannel[channel]
	delete(byChannel, channel)
	h.debounceMu.Unlock()
	if !ok {
		return
	}

	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if clientMatches(c, ev) {
		h.sendEvent(c, ev)
	}
}

// deliver iterates a snapshot of live clients (so mutation during iteration
// is impossible) and sends to each match.
func (h *Hub) deliver(ev events.Event) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if clientMatches(c, ev) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendEvent(c, ev)
	}
}

func clientMatches(c *client, ev events.Event) bool {
	channel := events.Channel(ev)
	if !c.allChan && !c.channels[channel] {
		return false
	}
	sessionID, scoped := events.SessionID(ev)
	if !scoped {
		return true
	}
	return c.allSess || c.sessions[sessionID]
}

func (h *Hub) sendEvent(c *client, ev events.Event) {
	sessionID, _ := events.SessionID(ev)
	h.sendEnvelope(c, wireEnvelope{
		Type:      events.Channel(ev),
		Data:      ev,
		SessionID: sessionID,
		Timestamp: ev.Timestamp().UnixMilli(),
	})
}

func (h *Hub) sendEnvelope(c *client, env wireEnvelope) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Warn("[eventhub] failed to marshal envelope", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		slog.Warn("[eventhub] SetWriteDeadline failed, dropping client", "clientId", c.id, "error", err)
		h.removeClient(c.id)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Warn("[eventhub] write failed, dropping client", "clientId", c.id, "error", err)
		h.removeClient(c.id)
	}
}

func (h *Hub) pingLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.RLock()
			lastPong := c.lastPong
			h.mu.RUnlock()
			if time.Since(lastPong) > 2*pingInterval {
				slog.Warn("[eventhub] client missed heartbeat, closing", "clientId", c.id)
				h.closeClient(c)
				return
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				h.closeClient(c)
				return
			}
		}
	}
}

func (h *Hub) closeClient(c *client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeDeadline))
	c.mu.Unlock()

	time.AfterFunc(closeGraceWait, func() { c.conn.Close() })
	h.removeClient(c.id)
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	h.debounceMu.Lock()
	delete(h.pending, id)
	h.debounceMu.Unlock()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes all client connections.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		clients := make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		for _, c := range clients {
			h.closeClient(c)
		}
	})
}
