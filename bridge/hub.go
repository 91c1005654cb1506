// Package bridge connects the daemon to its browser extension over a
// WebSocket. The extension performs tab, window and identity operations on
// request, reports browser events, relays messages from the popup and pages
// and receives daemon events for its UIs. At most one extension is connected;
// a new connection replaces the old one.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/onnwee/channel-warden/actions"
	"github.com/onnwee/channel-warden/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256

	DefaultRequestTimeout = 10 * time.Second
	DefaultInboundRate    = 50
	DefaultInboundBurst   = 100
)

// ActionHandler answers UI and page messages.
type ActionHandler interface {
	Handle(ctx context.Context, raw []byte) actions.Result
}

// Options configures a Hub.
type Options struct {
	RequestTimeout time.Duration
	// Actions handles TypeAction messages; nil answers every action with an error.
	Actions ActionHandler
	// Events receives inbound browser events.
	Events func(ctx context.Context, ev Event)
	// InboundRate and InboundBurst bound actions read from one connection.
	InboundRate  rate.Limit
	InboundBurst int
	// AllowedOrigins lists extra Origin values accepted besides extension origins.
	AllowedOrigins []string
}

type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	mu      sync.Mutex
	pending map[string]chan Message
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub owns the extension connection.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	conn *conn
}

// NewHub returns a Hub with no connection.
func NewHub(opts Options) *Hub {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = DefaultInboundRate
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = DefaultInboundBurst
	}
	h := &Hub{opts: opts}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "chrome-extension://") || strings.HasPrefix(origin, "moz-extension://") {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Connected reports whether an extension is attached.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("bridge upgrade failed", slog.Any("err", err), slog.String("component", "bridge"))
		return
	}
	c := &conn{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.opts.InboundRate, h.opts.InboundBurst),
		pending: make(map[string]chan Message),
	}

	h.mu.Lock()
	old := h.conn
	h.conn = c
	h.mu.Unlock()
	if old != nil {
		slog.Info("extension reconnected, replacing previous connection", slog.String("component", "bridge"))
		old.close()
	}
	telemetry.SetBridgeConnected(true)
	slog.Info("extension connected", slog.String("remote", r.RemoteAddr), slog.String("component", "bridge"))

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
		telemetry.SetBridgeConnected(false)
	}
	h.mu.Unlock()
	c.close()
	c.failPending()
	slog.Info("extension disconnected", slog.String("component", "bridge"))
}

func (c *conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (h *Hub) readPump(c *conn) {
	defer c.ws.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		<-c.done
		_ = c.ws.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("bridge read error", slog.Any("err", err), slog.String("component", "bridge"))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("invalid bridge message", slog.Any("err", err), slog.String("component", "bridge"))
			continue
		}
		// Only actions are rate limited; responses and events are always handled.
		switch msg.Type {
		case TypeResponse:
			c.deliver(msg)
		case TypeEvent:
			h.handleEvent(msg)
		case TypeAction:
			if !c.limiter.Allow() {
				slog.Warn("bridge action rate exceeded, dropping message", slog.String("id", msg.ID), slog.String("component", "bridge"))
				continue
			}
			go h.handleAction(c, msg)
		default:
			slog.Warn("unexpected bridge message type", slog.String("type", msg.Type), slog.String("component", "bridge"))
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) deliver(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		slog.Debug("response for unknown request", slog.String("id", msg.ID), slog.String("component", "bridge"))
		return
	}
	ch <- msg
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (h *Hub) handleEvent(msg Message) {
	if h.opts.Events == nil {
		return
	}
	ev := Event{Name: msg.Method}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			slog.Warn("invalid event params", slog.String("event", msg.Method), slog.Any("err", err), slog.String("component", "bridge"))
			return
		}
	}
	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	go h.opts.Events(ctx, ev)
}

func (h *Hub) handleAction(c *conn, msg Message) {
	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	var res actions.Result = actions.Ack{Success: false, Error: actions.UnknownActionMessage}
	if h.opts.Actions != nil {
		res = h.opts.Actions.Handle(ctx, msg.Params)
	}
	body, err := json.Marshal(res)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("failed to encode action result", slog.Any("err", err), slog.String("component", "bridge"))
		return
	}
	data, err := json.Marshal(Message{Type: TypeActionResult, ID: msg.ID, Result: body})
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		telemetry.LoggerWithCorr(ctx).Warn("dropping action result, send buffer full", slog.String("component", "bridge"))
	}
}

// Publish forwards a daemon event to the extension. Events are dropped when
// no extension is connected or its buffer is full.
func (h *Hub) Publish(name string, payload any) {
	h.mu.RLock()
	c := h.conn
	h.mu.RUnlock()
	if c == nil {
		return
	}
	params, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to encode event", slog.String("event", name), slog.Any("err", err), slog.String("component", "bridge"))
		return
	}
	data, err := json.Marshal(Message{Type: TypeNotify, Method: name, Params: params})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// call sends a request and decodes the response into out. timeout <= 0 means
// only ctx bounds the wait.
func (h *Hub) call(ctx context.Context, method string, params, out any, timeout time.Duration) (err error) {
	ctx, span := telemetry.StartBridgeSpan(ctx, method)
	defer func() { telemetry.EndSpan(span, err) }()

	h.mu.RLock()
	c := h.conn
	h.mu.RUnlock()
	if c == nil {
		telemetry.IncBridgeRequest(method, "error")
		return ErrNotConnected
	}

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	id := uuid.NewString()
	data, err := json.Marshal(Message{Type: TypeRequest, ID: id, Method: method, Params: body})
	if err != nil {
		return err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if !c.enqueue(data) {
		telemetry.IncBridgeRequest(method, "error")
		return ErrDisconnected
	}

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			telemetry.IncBridgeRequest(method, "timeout")
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			telemetry.IncBridgeRequest(method, "error")
			return ErrDisconnected
		}
		if resp.Error != nil {
			telemetry.IncBridgeRequest(method, "error")
			return resp.Error
		}
		telemetry.IncBridgeRequest(method, "ok")
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}
