// Package feed streams committed job events to websocket subscribers.
package feed

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// Hub fans job events out to connected clients. Delivery is best effort: a
// client that cannot keep up is dropped rather than allowed to stall the
// commit path.
type Hub struct {
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	clients    map[*websocket.Conn]bool
	done       chan struct{}
	log        logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*websocket.Conn]bool),
		done:       make(chan struct{}),
		log:        log.WithField("component", "feed"),
	}
}

// Run owns the client set; it exits when ctx is cancelled. Connections that
// arrive after that point are closed instead of registered.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			telemetry.FeedClients.Set(0)
			return
		case conn := <-h.register:
			h.clients[conn] = true
			telemetry.FeedClients.Set(float64(len(h.clients)))
		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			telemetry.FeedClients.Set(float64(len(h.clients)))
		case msg := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.WithError(err).Debug("dropping slow feed client")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			telemetry.FeedClients.Set(float64(len(h.clients)))
		}
	}
}

// Publish queues one event for broadcast. Intended as a store post-commit
// hook; it never blocks the caller.
func (h *Hub) Publish(ev models.JobEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("could not encode job event")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("feed backlog full, event dropped")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and hands the connection to the hub. The
// feed is one-way; client frames are read only to detect disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
					conn.Close()
				}
				return
			}
		}
	}()
}
