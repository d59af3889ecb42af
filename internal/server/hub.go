// Package server drives connection lifecycles through the Hub, from the
// first frame to registry cleanup and graceful shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/config"
)

// ErrHubClosed is returned when a connection arrives after Shutdown.
var ErrHubClosed = errors.New("hub is shut down")

// Hub owns every accepted connection, authenticated or not. It starts the
// pumps, enforces the authentication deadline and binds authenticated
// clients into the Registry.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	cfg      config.Config
	registry *Registry
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewHub creates a hub binding clients into registry after verifier accepts
// their token. Call Run before accepting connections.
func NewHub(cfg config.Config, registry *Registry, verifier Verifier, logger *slog.Logger) *Hub {
	cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        cfg,
		registry:   registry,
		verifier:   verifier,
		logger:     logger.With(slog.String("component", "hub")),
		now:        time.Now,
	}
}

// Registry returns the registry clients are bound into.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run is the hub event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.attach(client)

		case client := <-h.unregister:
			h.detach(client)
		}
	}
}

// Accept hands a new client to the hub.
func (h *Hub) Accept(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		client.closeWith(websocket.CloseGoingAway, reasonShutdown)
		return ErrHubClosed
	}
}

func (h *Hub) attach(client *Client) {
	h.mutex.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mutex.Unlock()
	client.logger.Info("Client connected", "total_clients", total)

	msg := newOutbound(KindAuthRequired, h.now())
	msg.Message = msgAuthRequired
	client.sendOutbound(msg)

	if h.cfg.AuthTimeout > 0 {
		timer := time.AfterFunc(h.cfg.AuthTimeout, func() {
			if client.session.Expire() {
				client.logger.Info("Closing unauthenticated connection", "timeout", h.cfg.AuthTimeout)
				client.closeWith(websocket.ClosePolicyViolation, reasonAuthTimeout)
			}
		})
		go func() {
			<-client.done
			timer.Stop()
		}()
	}

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) detach(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	total := len(h.clients)
	h.mutex.Unlock()
	client.logger.Info("Client disconnected", "total_clients", total)
}

// bind registers an authenticated client and closes the connection it
// superseded, if configured to.
func (h *Hub) bind(client *Client, claims *auth.Claims) {
	previous := h.registry.Register(claims.UserID, client)
	client.logger.Info("User authenticated", "user_id", claims.UserID, "email", claims.Email, "role", claims.Role)
	if previous == nil {
		return
	}
	if h.cfg.CloseSuperseded {
		previous.closeWith(CloseSuperseded, reasonSuperseded)
		return
	}
	previous.logger.Info("Connection superseded but left open", "user_id", claims.UserID)
}

// release runs once the read pump exits: it closes the client, drops its
// registry entry if still current and tells the event loop to forget it.
func (h *Hub) release(client *Client) {
	client.closeWith(websocket.CloseNormalClosure, "")
	if id := client.session.UserID(); id != "" {
		if h.registry.Unregister(id, client) {
			client.logger.Info("User disconnected from WebSocket", "user_id", id)
		}
	}
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of accepted connections, authenticated or not.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeWith(websocket.CloseGoingAway, reasonShutdown)
		if id := client.session.UserID(); id != "" {
			h.registry.Unregister(id, client)
		}
	}
	h.logger.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops the event loop, closes every connection and waits for the
// pumps to exit or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown")
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timed out; some connections may still be draining")
		return context.DeadlineExceeded
	}
}
