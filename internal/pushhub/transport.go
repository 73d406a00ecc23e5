package pushhub

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a *websocket.Conn to the sender interface, serializing
// writes with a mutex since gorilla/websocket forbids concurrent writers.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (w *wsSender) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) Close() error {
	return w.conn.Close()
}

// ServeWS is the http.HandlerFunc for the /ws/ohlcv?symbol&interval&include_open
// endpoint (spec.md §6): it upgrades the request to a WebSocket and drives
// the connection until the client disconnects or the server shuts down.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	interval := r.URL.Query().Get("interval")
	includeOpen := parseIncludeOpen(r)
	if symbol == "" || interval == "" {
		http.Error(w, "symbol and interval are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}

	ctx := r.Context()
	sub, err := h.Subscribe(ctx, symbol, interval, includeOpen, newWSSender(conn))
	if err != nil {
		h.log.Warn("ws subscribe failed", "err", err)
		conn.Close()
		return
	}

	// Drain and discard inbound frames (pings/close) until the client
	// disconnects; this connection is send-only from the hub's perspective.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Unsubscribe(subscriberKey(symbol, interval), subIDOf(sub))
}

// sseSender adapts an http.ResponseWriter+Flusher pair to the sender
// interface for the SSE transport.
type sseSender struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  chan struct{}
}

func newSSESender(w http.ResponseWriter, flusher http.Flusher) *sseSender {
	return &sseSender{w: w, flusher: flusher, closed: make(chan struct{})}
}

func (s *sseSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return fmt.Errorf("sse: connection closed")
	default:
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// ServeSSE is the http.HandlerFunc for /stream/signals?symbol&interval&include_open
// (spec.md §6), blocking until the client disconnects or the request
// context is cancelled.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	interval := r.URL.Query().Get("interval")
	includeOpen := parseIncludeOpen(r)
	if symbol == "" || interval == "" {
		http.Error(w, "symbol and interval are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	tx := newSSESender(w, flusher)
	ctx := r.Context()
	sub, err := h.Subscribe(ctx, symbol, interval, includeOpen, tx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	<-ctx.Done()
	h.Unsubscribe(subscriberKey(symbol, interval), subIDOf(sub))
}

func subIDOf(sub *Subscriber) string { return sub.id }

// parseIncludeOpen parses the include_open query parameter, defaulting to false.
func parseIncludeOpen(r *http.Request) bool {
	v := r.URL.Query().Get("include_open")
	b, _ := strconv.ParseBool(v)
	return b
}
