// Package hub streams normalized quotes to browser websocket clients.
// One process-wide pattern listener consumes every quote channel of the bus
// and fans frames out to the sockets subscribed to each symbol. Upstream
// subscriptions are managed through bus commands, so the worker's refcounts
// stay the single source of truth.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/windlass/tradegate/bus"
)

// Config parameterizes a Hub.
type Config struct {
	// SendBuffer is the per-client frame buffer. A client that falls this
	// many frames behind is closed.
	SendBuffer int
	// IdleInterval bounds the silence between client messages. Heartbeat
	// pings reset it; expiry closes the socket.
	IdleInterval time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// CommandTimeout bounds subscribe/unsubscribe bus round-trips.
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	return c
}

// clientFrame is a message received from a client socket.
type clientFrame struct {
	Type       string `json:"type"`
	Symbol     string `json:"symbol,omitempty"`
	Simulation *bool  `json:"simulation,omitempty"`
}

// serverFrame is a message sent to a client socket.
type serverFrame struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Hub tracks connected clients and their symbol subscriptions.
type Hub struct {
	ctx context.Context
	bus *bus.Bus
	cfg Config

	mu       sync.Mutex
	clients  map[string]*client
	bySymbol map[string]map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan serverFrame

	mu      sync.Mutex
	symbols map[string]struct{}
	closed  bool
	dropped sync.Once
}

// New builds a Hub publishing through |b|. Disconnect cleanup and other
// background bus work is bounded by |ctx|, not by any one request.
func New(ctx context.Context, b *bus.Bus, cfg Config) *Hub {
	return &Hub{
		ctx:      ctx,
		bus:      b,
		cfg:      cfg.withDefaults(),
		clients:  make(map[string]*client),
		bySymbol: make(map[string]map[*client]struct{}),
	}
}

// Run consumes the pattern subscription over every quote channel and fans
// frames out until |ctx| is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	var stream, err = h.bus.SubscribeAllQuotes(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribing quote channels")
	}
	defer stream.Close()
	log.Info("hub quote listener started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-stream.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("quote stream closed")
			}
			h.fanOut(evt)
		}
	}
}

func (h *Hub) fanOut(evt bus.QuoteEvent) {
	h.mu.Lock()
	var targets []*client
	for c := range h.bySymbol[evt.Symbol] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	var frame = serverFrame{
		Type:      "quote",
		Symbol:    evt.Symbol,
		Data:      json.RawMessage(evt.Payload),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, c := range targets {
		if !c.enqueue(frame) {
			slowClientsCounter.Inc()
			log.WithFields(log.Fields{
				"clientID": c.id,
				"symbol":   evt.Symbol,
			}).Warn("closing client that fell behind")
			go h.drop(c, "slow consumer")
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The facade's auth middleware has already vetted the request.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{
			"err":    err,
			"client": r.RemoteAddr,
		}).Warn("failed to upgrade quote stream request to websocket")
		return
	}

	var c = &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan serverFrame, h.cfg.SendBuffer),
		symbols: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	connectedClientsGauge.Inc()

	log.WithFields(log.Fields{
		"clientID": c.id,
		"client":   r.RemoteAddr,
	}).Info("quote client connected")

	go c.writeLoop(h.cfg.WriteTimeout)
	c.enqueue(serverFrame{Type: "connected", ClientID: c.id})

	h.readLoop(c)
	h.drop(c, "disconnected")
}

// readLoop consumes client messages until the socket errors or goes idle
// past the heartbeat interval.
func (h *Hub) readLoop(c *client) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleInterval))

		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithFields(log.Fields{
					"clientID": c.id,
					"err":      err,
				}).Debug("quote client read ended")
			}
			return
		}

		switch frame.Type {
		case "ping":
			c.enqueue(serverFrame{Type: "pong", Timestamp: time.Now().UnixMilli()})
		case "subscribe":
			h.subscribe(c, frame)
		case "unsubscribe":
			h.unsubscribe(c, frame)
		default:
			c.enqueue(serverFrame{
				Type:    "error",
				Message: fmt.Sprintf("unknown message type %q", frame.Type),
			})
		}
	}
}

func (h *Hub) subscribe(c *client, frame clientFrame) {
	if frame.Symbol == "" {
		c.enqueue(serverFrame{Type: "error", Message: "symbol is required"})
		return
	}

	c.mu.Lock()
	var _, held = c.symbols[frame.Symbol]
	c.mu.Unlock()
	if held {
		// Idempotent per client: the worker's refcount already includes us.
		c.enqueue(serverFrame{Type: "subscribed", Symbol: frame.Symbol})
		return
	}

	var resp, err = h.command(h.ctx, bus.SubscribeQuote, frame.Symbol, frame.Simulation)
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Symbol: frame.Symbol, Message: err.Error()})
		return
	}
	if resp.Status != bus.StatusOK {
		c.enqueue(serverFrame{Type: "error", Symbol: frame.Symbol, Message: resp.Message})
		return
	}

	c.mu.Lock()
	if c.closed {
		// The client was dropped while the command was in flight. Its
		// cleanup has already run, so give this refcount straight back.
		c.mu.Unlock()
		if _, err := h.command(h.ctx, bus.UnsubscribeQuote, frame.Symbol, nil); err != nil {
			log.WithFields(log.Fields{
				"clientID": c.id,
				"symbol":   frame.Symbol,
				"err":      err,
			}).Warn("failed to release subscription of dropped client")
		}
		return
	}
	c.symbols[frame.Symbol] = struct{}{}
	h.mu.Lock()
	var set, ok = h.bySymbol[frame.Symbol]
	if !ok {
		set = make(map[*client]struct{})
		h.bySymbol[frame.Symbol] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"clientID": c.id,
		"symbol":   frame.Symbol,
	}).Info("client subscribed")
	c.enqueue(serverFrame{Type: "subscribed", Symbol: frame.Symbol})
}

func (h *Hub) unsubscribe(c *client, frame clientFrame) {
	if frame.Symbol == "" {
		c.enqueue(serverFrame{Type: "error", Message: "symbol is required"})
		return
	}

	c.mu.Lock()
	var _, held = c.symbols[frame.Symbol]
	c.mu.Unlock()
	if !held {
		c.enqueue(serverFrame{Type: "error", Symbol: frame.Symbol, Message: "not subscribed"})
		return
	}

	var resp, err = h.command(h.ctx, bus.UnsubscribeQuote, frame.Symbol, frame.Simulation)
	if err != nil {
		c.enqueue(serverFrame{Type: "error", Symbol: frame.Symbol, Message: err.Error()})
		return
	}
	if resp.Status != bus.StatusOK {
		// The hold stands so the client can retry.
		c.enqueue(serverFrame{Type: "error", Symbol: frame.Symbol, Message: resp.Message})
		return
	}

	h.release(c, frame.Symbol)
	log.WithFields(log.Fields{
		"clientID": c.id,
		"symbol":   frame.Symbol,
	}).Info("client unsubscribed")
	c.enqueue(serverFrame{Type: "unsubscribed", Symbol: frame.Symbol})
}

// release removes the client's hold of |symbol| from both tables.
func (h *Hub) release(c *client, symbol string) {
	c.mu.Lock()
	delete(c.symbols, symbol)
	c.mu.Unlock()

	h.mu.Lock()
	if set, ok := h.bySymbol[symbol]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.bySymbol, symbol)
		}
	}
	h.mu.Unlock()
}

// command runs one symbol command through the bus and awaits its reply.
func (h *Hub) command(ctx context.Context, cmd bus.Command, symbol string, simulation *bool) (*bus.Response, error) {
	var sim = true
	if simulation != nil {
		sim = *simulation
	}
	var req, err = bus.NewRequest(cmd, bus.SymbolRef{Symbol: symbol}, sim)
	if err != nil {
		return nil, err
	}
	id, err := h.bus.Submit(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "submitting %s", cmd)
	}
	return h.bus.AwaitResponse(ctx, id, h.cfg.CommandTimeout)
}

// drop disconnects the client and releases every subscription it held.
// It's idempotent: the read loop, the fan-out path and shutdown may race
// to call it.
func (h *Hub) drop(c *client, reason string) {
	c.dropped.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		connectedClientsGauge.Dec()

		c.mu.Lock()
		c.closed = true
		var held = make([]string, 0, len(c.symbols))
		for symbol := range c.symbols {
			held = append(held, symbol)
		}
		c.mu.Unlock()

		close(c.send)

		log.WithFields(log.Fields{
			"clientID": c.id,
			"reason":   reason,
			"held":     len(held),
		}).Info("quote client dropped")

		// Give back every upstream refcount the client held. This runs on
		// the hub's context: the request context is already gone.
		for _, symbol := range held {
			h.release(c, symbol)
			if resp, err := h.command(h.ctx, bus.UnsubscribeQuote, symbol, nil); err != nil {
				log.WithFields(log.Fields{
					"clientID": c.id,
					"symbol":   symbol,
					"err":      err,
				}).Warn("failed to release subscription of dropped client")
			} else if resp.Status != bus.StatusOK {
				log.WithFields(log.Fields{
					"clientID": c.id,
					"symbol":   symbol,
					"message":  resp.Message,
				}).Warn("worker refused release of dropped client")
			}
		}
	})
}

// Clients is the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// enqueue hands a frame to the client's writer. It reports false when the
// client's buffer is full, which marks it for closing.
func (c *client) enqueue(frame serverFrame) bool {
	defer func() {
		// A racing drop may have closed the channel; the frame is moot.
		recover()
	}()
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writeLoop owns all writes of one socket, preserving frame order. It exits
// when the send channel closes, then closes the connection, which unblocks
// the read loop.
func (c *client) writeLoop(timeout time.Duration) {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			log.WithFields(log.Fields{
				"clientID": c.id,
				"err":      err,
			}).Debug("quote client write failed")
			break
		}
		framesSentCounter.WithLabelValues(frame.Type).Inc()
	}

	var deadline = time.Now().Add(timeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
}
