package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
	"github.com/codefionn/adsieve/adsieve-srv/stats"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer  = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
)

// Hub fans live proxy events out to websocket subscribers. Slow
// subscribers lose events instead of stalling the proxy.
type Hub struct {
	mu       sync.Mutex
	clients  map[*subscriber]struct{}
	closed   bool
	upgrader websocket.Upgrader
}

type subscriber struct {
	conn *websocket.Conn
	send chan stats.Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// NewHub creates a hub without subscribers.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Publish queues e for every subscriber without blocking.
func (h *Hub) Publish(e stats.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		select {
		case s.send <- e:
		default:
			logger.Trace("Dropping %s event for slow subscriber", e.Type)
		}
	}
}

// Subscribers returns the number of connected websocket clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events as JSON text frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	s := &subscriber{conn: conn, send: make(chan stats.Event, eventBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	logger.Debug("Event subscriber connected from %s", r.RemoteAddr)

	go h.readLoop(s)
	h.writeLoop(s)
}

// readLoop discards client frames and unregisters the subscriber once the
// peer goes away.
func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
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

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case e, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(e); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		s.close()
	}
	h.mu.Unlock()
}

// Close disconnects every subscriber. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.clients {
		delete(h.clients, s)
		s.close()
	}
}
