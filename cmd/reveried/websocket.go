package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
)

// The WebSocket surface pushes sync lifecycle and record-change events to
// the UI shell so status indicators update without polling.

const (
	// EventRecordChanged fires on every committed local mutation and every
	// hydrated remote record.
	EventRecordChanged = "record.changed"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Loopback daemon; browsers on other origins have no business here.
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// wsEnvelope wraps every outbound message.
type wsEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// wsHub fans events out to connected clients. A slow client loses
// messages rather than stalling the rest.
type wsHub struct {
	mu        sync.Mutex
	clients   map[*wsClient]bool
	broadcast chan []byte
}

func newWSHub() *wsHub {
	hub := &wsHub{
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan []byte, 256),
	}
	go hub.run()
	return hub
}

func (h *wsHub) run() {
	for message := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			select {
			case client.send <- message:
			default:
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

// Broadcast sends one event to every connected client.
func (h *wsHub) Broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(wsEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: models.NowMillis(),
	})
	if err != nil {
		logging.Error("Failed to encode WebSocket event", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

func (h *wsHub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func handleWebSocket(hub *wsHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		client := &wsClient{conn: conn, send: make(chan []byte, 256), hub: hub}
		hub.mu.Lock()
		hub.clients[client] = true
		hub.mu.Unlock()

		go client.writePump()
		go client.readPump()
	}
}

// forwardEvents bridges processor events and store mutations onto the
// WebSocket hub.
func forwardEvents(a *app, hub *wsHub) {
	go func() {
		for ev := range a.proc.Events() {
			hub.Broadcast(ev.Type, ev)
		}
	}()

	for _, entityType := range models.AllEntityTypes {
		sub := a.store.Subscribe(entityType, nil)
		go func(ch <-chan *models.Record) {
			for rec := range ch {
				hub.Broadcast(EventRecordChanged, map[string]interface{}{
					"entity_type": rec.EntityType,
					"entity_id":   rec.ID,
					"sync_status": rec.SyncStatus,
					"deleted":     rec.Deleted,
					"updated_at":  rec.UpdatedAt,
				})
			}
		}(sub.C)
	}
}
