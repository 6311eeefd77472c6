package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"cloudfetch/types"
)

// Hub interface defines the methods for managing WebSocket connections
type Hub interface {
	Run()
	BroadcastProgress(jobID, msgType, status, file, message string)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
}

// hub maintains the set of active clients and broadcasts job lifecycle
// messages to them
type hub struct {
	// Registered clients mapped by job ID; the "all" key receives every update
	clients map[string]map[*Client]bool

	broadcast  chan types.ProgressMessage
	register   chan *Client
	unregister chan *Client

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) Hub {
	return &hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan types.ProgressMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run starts the hub's main event loop
func (h *hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.jobID] == nil {
				h.clients[client.jobID] = make(map[*Client]bool)
			}
			h.clients[client.jobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", zap.String("jobId", client.jobID))

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.jobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.jobID)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.String("jobId", client.jobID))

		case message := <-h.broadcast:
			h.mu.Lock()
			h.deliver(message.JobID, message)
			h.deliver("all", message)
			h.mu.Unlock()
		}
	}
}

// deliver sends a message to every client subscribed under key. Callers hold
// the write lock.
func (h *hub) deliver(key string, message types.ProgressMessage) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for client := range clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(clients, client)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// BroadcastProgress sends a lifecycle message to the clients of a specific job
// and to any firehose subscribers.
func (h *hub) BroadcastProgress(jobID, msgType, status, file, message string) {
	progressMsg := types.ProgressMessage{
		JobID:     jobID,
		Type:      msgType,
		Status:    status,
		File:      file,
		Message:   message,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- progressMsg:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping message",
			zap.String("jobId", jobID))
	}
}

// RegisterClient registers a new client with the hub
func (h *hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient unregisters a client from the hub
func (h *hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
