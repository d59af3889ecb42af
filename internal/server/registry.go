// Package server keeps the Registry, the single map from user ID to the
// live authenticated connection.
package server

import (
	"slices"
	"strings"
	"sync"

	"github.com/Tyrowin/gonotify/internal/auth"
)

// RegistryObserver is told about registry changes in the order they happen.
// Implementations must not block.
type RegistryObserver interface {
	Online(id auth.Identity)
	Offline(userID string)
}

// Entry is one registry slot.
type Entry struct {
	UserID string
	Client *Client
}

// Registry maps each authenticated identity to its live client. It is the only
// place that tracks who is reachable; mutations go through Register and
// Unregister.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	observer RegistryObserver
}

// NewRegistry returns an empty registry. observer may be nil.
func NewRegistry(observer RegistryObserver) *Registry {
	return &Registry{
		clients:  make(map[string]*Client),
		observer: observer,
	}
}

// Register binds userID to client and returns the client it replaced, if any.
func (r *Registry) Register(userID string, client *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.clients[userID]
	r.clients[userID] = client
	if r.observer != nil {
		id := client.Identity()
		id.UserID = userID
		r.observer.Online(id)
	}
	if previous == client {
		return nil
	}
	return previous
}

// Unregister removes userID only while it is still bound to client, so a stale
// connection cannot evict the one that replaced it.
func (r *Registry) Unregister(userID string, client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.clients[userID]
	if !ok || current != client {
		return false
	}
	delete(r.clients, userID)
	if r.observer != nil {
		r.observer.Offline(userID)
	}
	return true
}

// Lookup returns the client bound to userID.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

// All returns a snapshot of the entries ordered by user ID.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.clients))
	for id, c := range r.clients {
		entries = append(entries, Entry{UserID: id, Client: c})
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return entries
}

// Len returns the number of entries, open or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CountOpen returns the number of entries whose client is still open.
func (r *Registry) CountOpen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		if c.IsOpen() {
			n++
		}
	}
	return n
}
