package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vanta-voice/listener/internal/metrics"
	"github.com/vanta-voice/listener/internal/transcription"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub streams transcription results to websocket clients. A client that
// cannot keep up has results dropped instead of stalling the others.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	sent    uint64
	dropped uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan *transcription.Result
	once sync.Once
}

// HubStats represents websocket fan-out statistics
type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// NewHub creates a hub with a per-client queue of buffer results.
func NewHub(buffer int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		logger:  logger.With("component", "server.websocket"),
		metrics: m,
		buffer:  buffer,
		clients: make(map[*wsClient]struct{}),
	}
}

// Name implements transcript.Sink.
func (h *Hub) Name() string { return "websocket" }

// Write implements transcript.Sink. It never blocks on a client.
func (h *Hub) Write(res *transcription.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- res:
			h.sent++
		default:
			h.dropped++
		}
	}
	return nil
}

// Close implements transcript.Sink and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.metrics.SetWebsocketClients(0)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	return nil
}

// ServeHTTP upgrades the request and streams results as JSON messages.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan *transcription.Result, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebsocketClients(count)
	h.logger.Info("Websocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("clients", count),
	)

	go h.writePump(c)
	h.readPump(c)
}

// readPump consumes control frames until the peer goes away.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case res, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(res); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.stop()
	if ok {
		h.metrics.SetWebsocketClients(count)
		h.logger.Info("Websocket client disconnected", slog.Int("clients", count))
	}
}

// stop closes the send queue once; writePump then closes the connection.
func (c *wsClient) stop() {
	c.once.Do(func() { close(c.send) })
}

// Stats returns hub statistics.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Clients: len(h.clients), Sent: h.sent, Dropped: h.dropped}
}
