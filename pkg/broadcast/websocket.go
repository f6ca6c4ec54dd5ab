package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultQueueSize is the per-subscriber outbound queue length.
	DefaultQueueSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

// WSOptions configure the WebSocket endpoint.
type WSOptions struct {
	QueueSize int
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// WSHandler upgrades HTTP requests and registers each connection as a hub
// subscriber.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	queue    int
	logger   *slog.Logger
}

// NewWSHandler creates the /ws handler.
func NewWSHandler(hub *Hub, opts WSOptions) *WSHandler {
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		queue:  queue,
		logger: hub.logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sub := newWSSubscriber(conn, h.queue)
	h.hub.Add(sub, true)

	go sub.writePump()
	go func() {
		sub.readPump()
		h.hub.Remove(sub.ID())
	}()
}

// wsSubscriber owns one WebSocket connection. Only writePump writes to it.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSSubscriber(conn *websocket.Conn, queue int) *wsSubscriber {
	return &wsSubscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string   { return s.id }
func (s *wsSubscriber) Kind() string { return "websocket" }

// Enqueue drops the message when the queue is full.
func (s *wsSubscriber) Enqueue(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg.Data:
		return true
	default:
		return false
	}
}

func (s *wsSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// readPump drains inbound frames so control frames are processed. It
// returns when the peer goes away.
func (s *wsSubscriber) readPump() {
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}
