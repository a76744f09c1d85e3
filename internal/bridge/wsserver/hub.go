// Package wsserver streams engine events to local WebSocket clients.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/eventbus"
)

const (
	writeDeadline      = 5 * time.Second
	readDeadline       = 90 * time.Second
	pingInterval       = 30 * time.Second
	maxReadMessageSize = 4 * 1024
	sendQueueSize      = 16
)

var wsUpgrader = websocket.Upgrader{
	// config.Validate restricts the listen address to loopback.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4 * 1024,
}

// HubOptions configures the WebSocket server.
type HubOptions struct {
	// Addr is the listen address. Use "127.0.0.1:0" for an OS-assigned port.
	Addr   string
	Logger zerolog.Logger
}

// client is one connected subscriber. Frames go through send so a slow client
// never blocks Broadcast; a full queue disconnects it.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	filtered bool // false until the first subscribe: every kind
	kinds    map[eventbus.Kind]bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) wants(k eventbus.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.filtered || c.kinds[k]
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub broadcasts every bus event as a JSON text frame to every client.
//
// A client receives every kind until it sends
// {"action":"subscribe","kinds":["show-desktop-detected"]}; from then on only
// subscribed kinds are delivered and "unsubscribe" removes them again.
type Hub struct {
	opts HubOptions
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	listener net.Listener
	server   *http.Server
	url      string

	closeOnce sync.Once
}

const (
	subscribeAction   = "subscribe"
	unsubscribeAction = "unsubscribe"
)

type subscribeMsg struct {
	Action string          `json:"action"`
	Kinds  []eventbus.Kind `json:"kinds"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewHub creates a Hub with the given options.
// The hub is not started until Start is called.
func NewHub(opts HubOptions) *Hub {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Hub{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "wsserver").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Start listens on the configured address and serves /events. ctx becomes the
// base context of every request; the server itself is stopped with Stop.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return fmt.Errorf("wsserver: already started")
	}

	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen: %w", err)
	}
	h.listener = ln
	h.url = fmt.Sprintf("ws://%s/events", ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleWS)

	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if serveErr := h.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			h.log.Error().Err(serveErr).Msg("WebSocket server error")
		}
	}()

	h.log.Info().Str("url", h.url).Msg("WebSocket bridge started")
	return nil
}

// Stop closes every client and shuts the server down. Idempotent.
func (h *Hub) Stop() error {
	var stopErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		clients := h.clients
		h.clients = make(map[*client]struct{})
		h.mu.Unlock()

		for c := range clients {
			c.close()
		}

		if h.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("wsserver: shutdown: %w", err)
			}
		}
		h.log.Info().Msg("WebSocket bridge stopped")
	})
	return stopErr
}

// URL returns the client endpoint, e.g. "ws://127.0.0.1:54321/events".
// Empty until Start succeeds.
func (h *Hub) URL() string {
	return h.url
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for every interested client. It never blocks; a client
// whose queue is full is disconnected.
func (h *Hub) Broadcast(ev eventbus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.wants(ev.Kind) {
			continue
		}
		select {
		case c.send <- payload:
		case <-c.done:
		default:
			h.log.Warn().Stringer("remote", c.conn.RemoteAddr()).Msg("Client too slow, disconnecting")
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	c := &client{
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		kinds: make(map[eventbus.Kind]bool),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("Client connected")

	go h.writePump(c)

	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("WebSocket handler recovered")
		}
		h.remove(c)
		h.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("Client disconnected")
	}()

	for {
		msgType, msg, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(readErr).Msg("WebSocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(msg, &sub); jsonErr != nil {
			h.sendError(c, fmt.Sprintf("invalid JSON: %s", jsonErr))
			continue
		}
		h.handleSubscription(c, sub)
	}
}

// writePump owns all writes to c.conn: queued frames and keep-alive pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("WebSocket writer recovered")
		}
		h.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := h.write(c, websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.write(c, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(c *client, msgType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(msgType, data); err != nil {
		h.log.Debug().Err(err).Msg("WebSocket write failed, closing connection")
		return err
	}
	return nil
}

func (h *Hub) handleSubscription(c *client, msg subscribeMsg) {
	switch msg.Action {
	case subscribeAction:
		c.mu.Lock()
		c.filtered = true
		for _, k := range msg.Kinds {
			if k != "" {
				c.kinds[k] = true
			}
		}
		c.mu.Unlock()
	case unsubscribeAction:
		c.mu.Lock()
		c.filtered = true
		for _, k := range msg.Kinds {
			delete(c.kinds, k)
		}
		c.mu.Unlock()
	default:
		h.sendError(c, fmt.Sprintf("unknown action %q", msg.Action))
	}
}

func (h *Hub) sendError(c *client, message string) {
	payload, err := json.Marshal(errorMsg{Type: "error", Message: message})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
	}
}
