package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket feed
// ============================================================================
//
// Clients connect to the feed path and receive:
//   - "state_init" with a full StateSnapshot, fetched through the daemon loop
//   - "actuator_changed", "timing_changed", "timeout_fired" and
//     "bus_control_changed" as the reducer emits them
//
// Every frame is a JSON text message {type, ts, data}. The hub fans frames out
// to per-client queues; a client whose queue is full is disconnected rather
// than slowing the others down. timing_changed is coalesced (latest wins)
// because the speed buttons can emit it in bursts.
//
// ============================================================================

type wsActuatorChangedData struct {
	Enabled   bool   `json:"enabled"`
	Direction string `json:"direction"`
	Source    string `json:"source"`
}

type wsTimingChangedData struct {
	Mode              int     `json:"mode"`
	IntervalMicros    uint32  `json:"interval_us"`
	MinIntervalMicros uint32  `json:"min_interval_us"`
	MaxIntervalMicros uint32  `json:"max_interval_us"`
	RevolutionsPerSec float64 `json:"rps"`
	RunDurationSec    int     `json:"run_duration_s"`
}

type wsTimeoutFiredData struct {
	Reason string `json:"reason"`
}

type wsBusControlChangedData struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// wsOutboundEvent is a typed feed event before serialization.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means "now"
}

// envelope is the wire format for feed frames.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	defaultWSSendBuf      = 32
	defaultWSBroadcastBuf = 128
)

// wsTimingCoalesceWindow bounds how often timing_changed reaches clients.
const wsTimingCoalesceWindow = 50 * time.Millisecond

// encodeFrame serializes ev into an envelope, stamping it with now when it has no time.
func encodeFrame(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

// Hub tracks connected feed clients and fans frames out to them.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client queue size. Zero selects the default.
	SendBuf int

	// BroadcastBuf is the hub's inbound frame queue size. Zero selects the default.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = defaultWSSendBuf
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = defaultWSBroadcastBuf
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run serves registrations and broadcasts until ctx is canceled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")
	defer h.logger.Info("ws hub stopped")

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.snapshotClients() {
				h.drop(c, "shutdown")
			}
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.drop(c, "unregister")

		case msg := <-h.broadcast:
			for _, c := range h.fanout(msg) {
				h.drop(c, "slow_client")
			}
		}
	}
}

// fanout queues msg on every client and returns the ones whose queue was full.
func (h *Hub) fanout(msg []byte) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*Client
	for c := range h.clients {
		if !c.offer(msg) {
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) snapshotClients() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// drop forgets c and closes its connection and queue. Dropping an unknown
// client is a no-op.
func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame. It drops the frame if the hub is backed up.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is one feed connection. The hub writes into send; writePump drains it.
type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// mu guards closed so nothing sends on send after close.
	mu     sync.Mutex
	closed bool

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with the hub's queue size.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := defaultWSSendBuf
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// offer queues msg without blocking. It reports false when the queue is full
// or the client is already closed.
func (c *Client) offer(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the connection and the send queue exactly once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.send)
}

// logExit reports why a pump stopped. Locally initiated closes are not logged.
func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// writePump drains the send queue and keeps the connection alive with pings.
// It exits on a write error or when the hub closes the queue.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound frames so control frames are processed and a
// disconnect is noticed. It unregisters the client when the read side fails.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// Server upgrades feed requests and owns the hub.
type Server struct {
	logger *slog.Logger
	hub    *Hub

	// events reaches the daemon loop for the state_init snapshot.
	events chan<- Event

	snapshotTimeout time.Duration
}

type ServerConfig struct {
	Hub HubConfig

	// SnapshotTimeout bounds the state_init round-trip. Zero selects one second.
	SnapshotTimeout time.Duration
}

// NewServer constructs the feed. Register it on a mux and start Hub().Run and
// RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	timeout := cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Server{
		logger:          logger,
		hub:             NewHub(logger, cfg.Hub),
		events:          events,
		snapshotTimeout: timeout,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the feed handler on mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	s.hub.register <- client

	// The pumps outlive this handler; net/http cancels r.Context() on return.
	go client.writePump()
	go client.readPump()

	if s.events == nil {
		return
	}

	snap, err := requestSnapshot(r.Context(), s.events, s.snapshotTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "remote_addr", client.remoteAddr, "error", err)
		}
		return
	}

	msg, err := encodeFrame(wsOutboundEvent{Type: "state_init", Data: snap})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}
	if !client.offer(msg) {
		s.hub.unregister <- client
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// timingCoalescer holds the latest timing_changed frame and releases it at most
// once per window. The timer is not reset by new arrivals, so a steady burst
// still produces one frame per window.
type timingCoalescer struct {
	window  time.Duration
	pending *wsOutboundEvent
	timer   *time.Timer
}

// C is nil while nothing is pending, which disables its select case.
func (tc *timingCoalescer) C() <-chan time.Time {
	if tc.timer == nil {
		return nil
	}
	return tc.timer.C
}

func (tc *timingCoalescer) offer(ev wsOutboundEvent) {
	tc.pending = &ev
	if tc.timer == nil {
		tc.timer = time.NewTimer(tc.window)
	}
}

// take returns the pending frame, if any, and stops the timer.
func (tc *timingCoalescer) take() (wsOutboundEvent, bool) {
	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
	if tc.pending == nil {
		return wsOutboundEvent{}, false
	}
	ev := *tc.pending
	tc.pending = nil
	return ev, true
}

// RunBroadcaster turns reducer broadcasts into feed frames for hub. Run it as
// a single goroutine; it returns when ctx is canceled or src is closed.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	emit := func(ev wsOutboundEvent) {
		msg, err := encodeFrame(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	timing := &timingCoalescer{window: wsTimingCoalesceWindow}
	flushTiming := func() {
		if ev, ok := timing.take(); ok {
			emit(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushTiming()
			return

		case <-timing.C():
			flushTiming()

		case b, ok := <-src:
			if !ok {
				flushTiming()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}
			if ev.Type == "timing_changed" {
				timing.offer(ev)
				continue
			}

			// Keep ordering: an older timing frame goes out before this event.
			flushTiming()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastActuatorChanged:
		return wsOutboundEvent{
			Type: "actuator_changed",
			Data: wsActuatorChangedData{
				Enabled:   ev.Enabled,
				Direction: ev.Direction.String(),
				Source:    ev.Source.String(),
			},
			At: ev.At,
		}, true

	case BroadcastTimingChanged:
		return wsOutboundEvent{
			Type: "timing_changed",
			Data: wsTimingChangedData{
				Mode:              int(ev.Mode),
				IntervalMicros:    ev.IntervalMicros,
				MinIntervalMicros: ev.MinIntervalMicros,
				MaxIntervalMicros: ev.MaxIntervalMicros,
				RevolutionsPerSec: ev.RevolutionsPerSec,
				RunDurationSec:    int(ev.RunDuration / time.Second),
			},
			At: ev.At,
		}, true

	case BroadcastTimeoutFired:
		return wsOutboundEvent{
			Type: "timeout_fired",
			Data: wsTimeoutFiredData{Reason: ev.Reason.String()},
			At:   ev.At,
		}, true

	case BroadcastBusControlChanged:
		return wsOutboundEvent{
			Type: "bus_control_changed",
			Data: wsBusControlChangedData{Enabled: ev.Enabled, Address: ev.Address},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
