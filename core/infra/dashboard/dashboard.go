// Package dashboard broadcasts queue events to connected websocket clients
// for operator consoles watching activity live. It is purely observational:
// a slow or absent client never blocks job processing.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taskbridge/taskbridge/core/infra/logging"
)

const clientBufferSize = 128

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to connected websocket clients. The zero value is not
// usable; construct with NewHub.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan any

	eventsCh chan any
}

// NewHub constructs a Hub and starts its broadcast loop. Close stops it.
func NewHub() *Hub {
	h := &Hub{
		clients:  make(map[*websocket.Conn]chan any),
		eventsCh: make(chan any, 1024),
	}
	go h.broadcastLoop()
	return h
}

// Publish offers an event to every connected client. Non-blocking: if the
// hub's internal buffer is full the event is dropped.
func (h *Hub) Publish(event any) {
	select {
	case h.eventsCh <- event:
	default:
		logging.Warn("dashboard", "event buffer full, dropping event")
	}
}

// Close stops the broadcast loop. Publish after Close panics.
func (h *Hub) Close() {
	close(h.eventsCh)
}

func (h *Hub) broadcastLoop() {
	for evt := range h.eventsCh {
		h.clientsMu.RLock()
		for conn, ch := range h.clients {
			select {
			case ch <- evt:
			default:
				logging.Warn("dashboard", "slow client, dropping connection")
				conn.Close()
			}
		}
		h.clientsMu.RUnlock()
	}
}

// ServeWS upgrades the request to a websocket and streams events to it until
// the client disconnects or the request context is cancelled.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("dashboard", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("dashboard", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan any, clientBufferSize)
	h.clientsMu.Lock()
	h.clients[ws] = clientCh
	h.clientsMu.Unlock()
	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, ws)
		h.clientsMu.Unlock()
	}()

	for {
		select {
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Error("dashboard", "marshal event failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
