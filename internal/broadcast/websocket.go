package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxControlMessage   = 4096
)

type WebSocketConfig struct {
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	AllowedOrigin string
}

// wsTransport serializes writes to one connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeMutex   sync.Mutex
	writeTimeout time.Duration
}

func (t *wsTransport) Send(data []byte) error {
	return t.write(websocket.TextMessage, data)
}

func (t *wsTransport) ping() error {
	return t.write(websocket.PingMessage, nil)
}

func (t *wsTransport) write(messageType int, data []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketHandler upgrades requests and attaches each connection to the
// hub as a subscriber. Text frames from the client are control commands.
type WebSocketHandler struct {
	hub      *Hub
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(hub *Hub, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	return &WebSocketHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigin),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

func originChecker(allowed string) func(*http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	transport := &wsTransport{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	sub := h.hub.Subscribe(transport)
	defer h.hub.Unsubscribe(sub)

	go h.keepAlive(sub, transport)

	readTimeout := 2 * h.cfg.PingInterval
	conn.SetReadLimit(maxControlMessage)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read failed",
					slog.String("subscriber_id", sub.ID()),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		h.hub.HandleCommand(sub, data)
	}
}

func (h *WebSocketHandler) keepAlive(sub *Subscriber, t *wsTransport) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}
}
