// Package realtime pushes ticket events to waiting-room displays over SockJS.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"qms/antrian-service/internal/events"
	"qms/antrian-service/internal/store"

	"go.uber.org/zap"
)

// Subscription filters events by room and counter. Empty fields match all.
type Subscription struct {
	RoomID    string
	CounterID string
	Muted     bool
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	RoomID    string `json:"room_id"`
	CounterID string `json:"counter_id"`
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast never blocks; slow clients miss messages.
func (h *Hub) Broadcast(payload []byte, roomID, counterID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, roomID, counterID) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message for slow display", zap.String("client_id", client.ID))
		}
	}
}

// Publish lets the hub sit behind an outbox relay like any other publisher.
func (h *Hub) Publish(_ context.Context, event store.OutboxEvent) error {
	payload, err := events.Encode(event)
	if err != nil {
		return err
	}
	h.Broadcast(payload, event.RoomID, event.CounterID)
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
	return nil
}

func match(sub Subscription, roomID, counterID string) bool {
	if sub.Muted {
		return false
	}
	if sub.RoomID != "" && sub.RoomID != roomID {
		return false
	}
	if sub.CounterID != "" && sub.CounterID != counterID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
