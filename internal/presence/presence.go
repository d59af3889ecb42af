// Package presence mirrors the in-process connection registry into an external
// store so other services can see who is online. Updates are applied by one
// worker goroutine in the order the registry produced them, so a later update
// for a user is never overtaken by an earlier one.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gonotify/internal/auth"
)

// Record is the presence entry stored for an online user.
type Record struct {
	auth.Identity
	ConnectedAt time.Time `json:"connectedAt"`
}

// Store persists presence for one server instance.
type Store interface {
	SetOnline(ctx context.Context, rec Record) error
	SetOffline(ctx context.Context, userID string) error
	Clear(ctx context.Context) error
}

type update struct {
	online bool
	rec    Record
}

// Mirror queues registry changes and applies them to a Store.
type Mirror struct {
	store   Store
	updates chan update
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewMirror starts a worker applying updates to store. queue bounds the number of
// pending updates; updates beyond it are dropped and logged.
func NewMirror(store Store, queue int, logger *slog.Logger) *Mirror {
	if queue <= 0 {
		queue = 1024
	}
	m := &Mirror{
		store:   store,
		updates: make(chan update, queue),
		logger:  logger.With(slog.String("component", "presence")),
		timeout: 2 * time.Second,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Online records that id connected.
func (m *Mirror) Online(id auth.Identity) {
	m.enqueue(update{online: true, rec: Record{Identity: id, ConnectedAt: m.now().UTC()}})
}

// Offline records that userID disconnected.
func (m *Mirror) Offline(userID string) {
	m.enqueue(update{rec: Record{Identity: auth.Identity{UserID: userID}}})
}

func (m *Mirror) enqueue(u update) {
	defer func() {
		// Close raced with a late registry event.
		if r := recover(); r != nil {
			m.logger.Debug("Presence update after close dropped", "user_id", u.rec.UserID)
		}
	}()
	select {
	case m.updates <- u:
	default:
		m.logger.Warn("Presence queue full; update dropped", "user_id", u.rec.UserID, "online", u.online)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for u := range m.updates {
		m.apply(u)
	}
}

func (m *Mirror) apply(u update) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var err error
	if u.online {
		err = m.store.SetOnline(ctx, u.rec)
	} else {
		err = m.store.SetOffline(ctx, u.rec.UserID)
	}
	if err != nil {
		m.logger.Error("Presence update failed", "user_id", u.rec.UserID, "online", u.online, "error", err)
	}
}

// Close drains pending updates and clears this instance's presence.
func (m *Mirror) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.updates)
	})
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.store.Clear(ctx)
}
