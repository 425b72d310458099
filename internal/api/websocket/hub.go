package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/EstateHub/internal/session"
	"github.com/KevinKickass/EstateHub/internal/types"
	"go.uber.org/zap"
)

// Hub fans hub events out to authenticated live-view clients.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	tokenHash string
	logger    *zap.Logger
}

// NewHub creates a hub. Clients authenticate with the admin token whose
// hash is tokenHash.
func NewHub(tokenHash string, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		tokenHash:  tokenHash,
		logger:     logger.Named("websocket"),
	}
}

// Run serves register, unregister and broadcast requests until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for every client and drops it when the queue is full.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StateChanged implements session.Observer.
func (h *Hub) StateChanged(port, deviceID string, state session.State) {
	h.Broadcast(NewSessionStateMessage(port, deviceID, state.String()))
}

// ReadingStored implements session.Observer.
func (h *Hub) ReadingStored(deviceID string, reading types.PowerReading) {
	h.Broadcast(NewPowerReadingMessage(deviceID, reading))
}

var _ session.Observer = (*Hub)(nil)
