// Package server coordinates connection registration, event push, and
// disconnect cleanup for the chatdesk WebSocket layer via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rhoven/chatdesk/internal/broker"
)

// Hub is the connection registry: it tracks every live WebSocket client by
// its connection id and delivers events to individual connections. It
// implements broker.Dispatcher, so the matching engine's view of liveness
// is exactly the set of registered clients.
type Hub struct {
	log        *zap.Logger
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	disconnect func(ctx context.Context, connectionID string) error
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub ready to manage WebSocket connections.
func NewHub(log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:        log,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SetDisconnectFunc installs the broker callback invoked after a client is
// unregistered, so presence and request state are reclaimed. Must be set
// before Run.
func (h *Hub) SetDisconnectFunc(fn func(ctx context.Context, connectionID string) error) {
	h.disconnect = fn
}

// Push delivers an event to one connection. It reports false when the
// connection is not registered or its send buffer cannot take the event;
// the broker treats either as "recipient offline". broker.Dispatcher.
func (h *Hub) Push(connectionID, event string, payload any) bool {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		h.log.Error("encoding push event failed",
			zap.String("event", event), zap.Error(err))
		return false
	}

	h.mutex.RLock()
	client, ok := h.clients[connectionID]
	h.mutex.RUnlock()
	if !ok {
		return false
	}
	return h.safeSend(client, data)
}

// IsLive reports whether a connection is currently registered. broker.Dispatcher.
func (h *Hub) IsLive(connectionID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.clients[connectionID]
	return ok
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	// Hold the lock during the entire send operation so the channel cannot
	// be closed out from under us by a concurrent unregister.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	registered, exists := h.clients[client.id]
	if !exists || registered != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and disconnect cleanup. Call it in its own goroutine; it
// runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.log.Info("connection registered",
				zap.String("connectionId", client.id),
				zap.String("addr", client.addr),
				zap.Int("total", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

			// The peer needs its server-assigned id before it can join.
			h.Push(client.id, broker.EventHello, HelloPayload{ConnectionID: client.id})

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient drops the client from the registry, closes its send channel,
// and kicks off broker-side cleanup.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	registered, ok := h.clients[client.id]
	if !ok || registered != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	h.log.Info("connection unregistered",
		zap.String("connectionId", client.id),
		zap.Int("total", clientCount))

	if h.disconnect == nil {
		return
	}
	// Cleanup touches the durable store; keep it off the hub loop.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.disconnect(context.Background(), client.id); err != nil {
			h.log.Error("disconnect cleanup failed",
				zap.String("connectionId", client.id), zap.Error(err))
		}
	}()
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.log.Warn("error closing client connection",
						zap.String("connectionId", client.id), zap.Error(err))
				}
			}
		}
		// Closing the send channel lets the write pump drain and exit.
		h.removeClient(client)
	}

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached; some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
