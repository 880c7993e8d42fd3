// Package websocket broadcasts committed failover and watchdog-sync events
// to operator-facing dashboards in real time.
package websocket

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event represents one supervisor event pushed to connected clients.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Level     string      `json:"level"` // info, warning, critical
}

// EventHub manages WebSocket connections for the status-stream endpoint.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
}

// NewEventHub creates a new event-broadcast hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's event loop. Call in its own goroutine.
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Printf("[websocket] client connected, total: %d", len(h.clients))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()
			log.Printf("[websocket] client disconnected, total: %d", len(h.clients))

		case event := <-h.broadcast:
			// Use Lock (not RLock): we may delete failed clients from the map.
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("[websocket] write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Broadcast sends an event to all connected clients, non-blocking.
func (h *EventHub) Broadcast(eventType string, data interface{}, level string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Level:     level,
	}

	select {
	case h.broadcast <- event:
	default:
		log.Printf("[websocket] broadcast channel full, event dropped: %s", eventType)
	}
}
