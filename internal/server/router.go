// Package server delivers payloads to registered users through the Router
// and evicts consumers whose send buffers are full.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Delivery reports whether one recipient was handed a message.
type Delivery struct {
	UserID string `json:"userId"`
	Sent   bool   `json:"sent"`
}

// ConnectedUser describes an open registry entry.
type ConnectedUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
}

// Router fans messages out to registry entries. Delivery is best effort and at
// most once: a payload is queued on each open recipient without blocking.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter returns a Router over registry.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With(slog.String("component", "router")),
		now:      time.Now,
	}
}

func (r *Router) outbound(kind Kind) Outbound {
	return newOutbound(kind, r.now())
}

// SendToAll sends data as a broadcast to every entry.
func (r *Router) SendToAll(data any) []Delivery {
	msg := r.outbound(KindBroadcast)
	msg.Data = data
	return r.fanOut(r.registry.All(), msg)
}

// SendToUser sends data privately to userID.
func (r *Router) SendToUser(userID string, data any) bool {
	msg := r.outbound(KindPrivate)
	msg.Data = data
	return r.sendTo(userID, msg) == nil
}

// SendToUsers sends data privately to each of userIDs. Partial delivery is
// reported per recipient.
func (r *Router) SendToUsers(userIDs []string, data any) []Delivery {
	msg := r.outbound(KindPrivate)
	msg.Data = data
	payload, err := msg.encode()
	if err != nil {
		r.logger.Error("Dropping private message", "error", err)
		return undelivered(userIDs)
	}

	results := make([]Delivery, 0, len(userIDs))
	for _, id := range userIDs {
		results = append(results, Delivery{UserID: id, Sent: r.deliverTo(id, payload) == nil})
	}
	return results
}

// SendToRole sends data to every entry whose role is role. Only those entries
// are reported.
func (r *Router) SendToRole(role string, data any) []Delivery {
	var targets []Entry
	for _, e := range r.registry.All() {
		if e.Client.Role() == role {
			targets = append(targets, e)
		}
	}
	msg := r.outbound(KindRoleBroadcast)
	msg.Data = data
	return r.fanOut(targets, msg)
}

// SendNotification sends a titled notification to every entry.
func (r *Router) SendNotification(title, message string) []Delivery {
	msg := r.outbound(KindNotification)
	msg.Title = title
	msg.Message = message
	return r.fanOut(r.registry.All(), msg)
}

// SendUserNotification sends a titled notification to userID.
func (r *Router) SendUserNotification(userID, title, message string) bool {
	msg := r.outbound(KindNotification)
	msg.Title = title
	msg.Message = message
	return r.sendTo(userID, msg) == nil
}

// SendSystemMessage sends a system message to every entry.
func (r *Router) SendSystemMessage(message string) []Delivery {
	msg := r.outbound(KindSystem)
	msg.Message = message
	return r.fanOut(r.registry.All(), msg)
}

// SendUserSystemMessage sends a system message to userID.
func (r *Router) SendUserSystemMessage(userID, message string) bool {
	msg := r.outbound(KindSystem)
	msg.Message = message
	return r.sendTo(userID, msg) == nil
}

// IsConnected reports whether userID has an open connection.
func (r *Router) IsConnected(userID string) bool {
	c, ok := r.registry.Lookup(userID)
	return ok && c.IsOpen()
}

// Disconnect closes the connection of userID with a normal close frame and
// drops its entry. It returns false when there is nothing open to close.
func (r *Router) Disconnect(userID string) bool {
	c, ok := r.registry.Lookup(userID)
	if !ok {
		return false
	}
	r.registry.Unregister(userID, c)
	if !c.closeWith(websocket.CloseNormalClosure, reasonDisconnected) {
		return false
	}
	r.logger.Info("User disconnected by server", "user_id", userID, "conn_id", c.ID())
	return true
}

// ConnectedUsers lists the open entries.
func (r *Router) ConnectedUsers() []ConnectedUser {
	users := []ConnectedUser{}
	for _, e := range r.registry.All() {
		if !e.Client.IsOpen() {
			continue
		}
		id := e.Client.Identity()
		users = append(users, ConnectedUser{ID: e.UserID, Email: id.Email, Username: id.Username, Role: id.Role})
	}
	return users
}

// ConnectedUserIDs lists the user IDs of open entries.
func (r *Router) ConnectedUserIDs() []string {
	ids := []string{}
	for _, e := range r.registry.All() {
		if e.Client.IsOpen() {
			ids = append(ids, e.UserID)
		}
	}
	return ids
}

// Count returns the number of open entries.
func (r *Router) Count() int {
	return r.registry.CountOpen()
}

func (r *Router) fanOut(entries []Entry, msg Outbound) []Delivery {
	results := make([]Delivery, 0, len(entries))
	payload, err := msg.encode()
	if err != nil {
		r.logger.Error("Dropping message", "type", msg.Type, "error", err)
		for _, e := range entries {
			results = append(results, Delivery{UserID: e.UserID})
		}
		return results
	}

	for _, e := range entries {
		results = append(results, Delivery{UserID: e.UserID, Sent: r.deliver(e, payload) == nil})
	}
	r.logger.Debug("Fan-out complete", "type", msg.Type, "recipients", len(entries))
	return results
}

func (r *Router) sendTo(userID string, msg Outbound) error {
	payload, err := msg.encode()
	if err != nil {
		r.logger.Error("Dropping message", "type", msg.Type, "user_id", userID, "error", err)
		return err
	}
	return r.deliverTo(userID, payload)
}

func (r *Router) deliverTo(userID string, payload []byte) error {
	c, ok := r.registry.Lookup(userID)
	if !ok {
		return fmt.Errorf("%w: %s is not connected", ErrRecipientUnreachable, userID)
	}
	return r.deliver(Entry{UserID: userID, Client: c}, payload)
}

func (r *Router) deliver(e Entry, payload []byte) error {
	err := e.Client.deliver(payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSlowConsumer):
		r.registry.Unregister(e.UserID, e.Client)
		r.logger.Warn("Evicted slow consumer", "user_id", e.UserID, "conn_id", e.Client.ID())
	}
	return fmt.Errorf("%w: %w", ErrRecipientUnreachable, err)
}

func undelivered(userIDs []string) []Delivery {
	results := make([]Delivery, 0, len(userIDs))
	for _, id := range userIDs {
		results = append(results, Delivery{UserID: id})
	}
	return results
}
