package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const broadcastBuffer = 256

// EventMessage is one frame of the /events stream.
type EventMessage struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data,omitempty"`
}

// Hub tracks websocket clients and fans node events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *EventMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu  sync.RWMutex
	log *logrus.Logger
}

// NewHub creates a hub. Run must be called to deliver events.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *EventMessage, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's main loop. On return every client is disconnected.
// Run must not be called more than once.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{
				"client": client.id,
				"count":  count,
			}).Info("Event client connected")
			client.queue(h.encode(&EventMessage{Type: "connected", Time: time.Now(), Data: map[string]string{"client": client.id}}))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			data := h.encode(msg)
			if data == nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.queue(data) {
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.log.WithField("client", client.id).Warn("Event client too slow, disconnecting")
				h.remove(client)
			}
		}
	}
}

func (h *Hub) encode(msg *EventMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).WithField("type", msg.Type).Error("Failed to marshal event")
		return nil
	}
	return data
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.log.WithFields(logrus.Fields{
			"client": client.id,
			"count":  len(h.clients),
		}).Info("Event client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues an event for all clients. Events are dropped when the
// hub is backed up so publishers never block.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg := &EventMessage{Type: eventType, Time: time.Now(), Data: data}
	select {
	case h.broadcast <- msg:
	default:
		h.log.WithField("type", eventType).Debug("Event hub backed up, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
