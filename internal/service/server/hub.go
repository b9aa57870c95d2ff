package server

import (
	"sync"
	"tdmx_relay/internal/service/notifier"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

type (
	liveConn struct {
		sessionID string
		conn      *websocket.Conn
		// gorilla connections allow one concurrent writer.
		wmu sync.Mutex
	}

	// Hub holds the receivers connected to this node on the live channel,
	// one connection per destination.
	Hub struct {
		mu     sync.Mutex
		mapper map[string]*liveConn
	}
)

func NewHub() *Hub {
	return &Hub{
		mapper: make(map[string]*liveConn),
	}
}

// attach registers conn for destination, replacing an older connection.
func (h *Hub) attach(destination string, conn *websocket.Conn) *liveConn {
	lc := &liveConn{sessionID: uuid.NewString(), conn: conn}

	h.mu.Lock()
	old := h.mapper[destination]
	h.mapper[destination] = lc
	h.mu.Unlock()

	if old != nil {
		log.Debug("live session replaced", zap.String("destination", destination), zap.String("sessionId", old.sessionID))
		old.conn.Close()
	}
	return lc
}

// detach removes lc unless it was replaced already and reports whether it
// was still the current session.
func (h *Hub) detach(destination string, lc *liveConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.mapper[destination]; ok && cur == lc {
		delete(h.mapper, destination)
		return true
	}
	return false
}

// Push writes t to the live connection of destination.
func (h *Hub) Push(destination string, t *notifier.Transfer) (string, bool) {
	h.mu.Lock()
	lc, ok := h.mapper[destination]
	h.mu.Unlock()
	if !ok {
		return "", false
	}

	lc.wmu.Lock()
	defer lc.wmu.Unlock()
	_ = lc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := lc.conn.WriteJSON(t); err != nil {
		log.Debug("live push failed", zap.String("destination", destination), zap.Error(err))
		return "", false
	}
	return lc.sessionID, true
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mapper)
}

// Close drops every live connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.mapper
	h.mapper = make(map[string]*liveConn)
	h.mu.Unlock()

	for _, lc := range conns {
		lc.conn.Close()
	}
}
