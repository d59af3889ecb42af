package server

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/logger"
)

// stubVerifier accepts tokens of the form "userID:role".
type stubVerifier struct{}

func (stubVerifier) Verify(token string) (*auth.Claims, error) {
	userID, role, ok := strings.Cut(token, ":")
	if !ok || userID == "" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{Identity: auth.Identity{
		UserID:   userID,
		Email:    userID + "@example.com",
		Username: "user-" + userID,
		Role:     role,
	}}, nil
}

func newTestHub(t *testing.T, mutate func(*config.Config)) *Hub {
	t.Helper()
	cfg := config.NewConfig()
	cfg.JWTSecret = "test-secret"
	cfg.SendBuffer = 8
	cfg.AuthTimeout = 0
	if mutate != nil {
		mutate(cfg)
	}
	return NewHub(*cfg, NewRegistry(nil), stubVerifier{}, logger.Discard())
}

// newAuthedClient creates a transport-less client authenticated as userID and
// drains the auth_success reply.
func newAuthedClient(t *testing.T, h *Hub, userID, role string) *Client {
	t.Helper()
	c := NewClient(nil, h, "pipe")
	c.handleInbound([]byte(`{"type":"auth","token":"` + userID + ":" + role + `"}`))
	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0]["type"] != string(KindAuthSuccess) {
		t.Fatalf("expected auth_success, got %v", msgs)
	}
	return c
}

// drain returns every queued frame of c without blocking.
func drain(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case payload := <-c.send:
			var msg map[string]any
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("queued frame is not JSON: %s", payload)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) Online(id auth.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "online:"+id.UserID)
}

func (o *recordingObserver) Offline(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "offline:"+userID)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}
