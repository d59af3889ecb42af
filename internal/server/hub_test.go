package server

import (
	"testing"
	"time"

	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/logger"
)

func waitClosed(t *testing.T, c *Client, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(timeout):
		t.Fatalf("client %s still open after %s", c.ID(), timeout)
	}
}

func TestHubAttachSendsAuthRequired(t *testing.T) {
	h := newTestHub(t, nil)
	c := NewClient(nil, h, "pipe")

	h.attach(c)

	if n := h.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0]["type"] != "auth_required" || msgs[0]["message"] != msgAuthRequired {
		t.Fatalf("greeting = %v", msgs)
	}
	if c.Session().State() != StateConnected {
		t.Errorf("State = %v, want connected", c.Session().State())
	}
}

func TestHubAuthTimeoutClosesUnauthenticated(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.AuthTimeout = 30 * time.Millisecond })
	c := NewClient(nil, h, "pipe")

	h.attach(c)

	waitClosed(t, c, time.Second)
	if c.Session().State() != StateClosed {
		t.Errorf("State = %v, want closed", c.Session().State())
	}
}

func TestHubAuthTimeoutSparesAuthenticated(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.AuthTimeout = 30 * time.Millisecond })
	c := NewClient(nil, h, "pipe")
	h.attach(c)
	c.handleInbound([]byte(`{"type":"auth","token":"u1:buyer"}`))

	time.Sleep(100 * time.Millisecond)

	if !c.IsOpen() {
		t.Fatal("authenticated client was closed by the auth timeout")
	}
	if c.Session().State() != StateAuthenticated {
		t.Errorf("State = %v, want authenticated", c.Session().State())
	}
}

func TestHubBindClosesSuperseded(t *testing.T) {
	h := newTestHub(t, nil)
	first := newAuthedClient(t, h, "u1", "buyer")
	second := newAuthedClient(t, h, "u1", "buyer")

	if first.IsOpen() {
		t.Error("superseded client still open")
	}
	if got, _ := h.Registry().Lookup("u1"); got != second {
		t.Error("registry does not point at the newest client")
	}

	// The old connection exiting must not evict the new one.
	if h.Registry().Unregister("u1", first) {
		t.Error("superseded client unregistered the newer entry")
	}
	if !second.IsOpen() {
		t.Error("newest client was closed")
	}
}

func TestHubBindKeepsSupersededWhenConfigured(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.CloseSuperseded = false })
	first := newAuthedClient(t, h, "u1", "buyer")
	second := newAuthedClient(t, h, "u1", "buyer")

	if !first.IsOpen() {
		t.Error("superseded client was closed")
	}
	if got, _ := h.Registry().Lookup("u1"); got != second {
		t.Error("registry does not point at the newest client")
	}
}

func TestHubReleaseUnregisters(t *testing.T) {
	obs := &recordingObserver{}
	cfg := config.NewConfig()
	cfg.AuthTimeout = 0
	h := NewHub(*cfg, NewRegistry(obs), stubVerifier{}, logger.Discard())
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })

	c := NewClient(nil, h, "pipe")
	if err := h.Accept(c); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	c.handleInbound([]byte(`{"type":"auth","token":"u1:buyer"}`))

	h.release(c)

	if c.IsOpen() {
		t.Error("released client still open")
	}
	if _, ok := h.Registry().Lookup("u1"); ok {
		t.Error("released client still registered")
	}
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after release, want 0", n)
	}
	got := obs.snapshot()
	if len(got) != 2 || got[0] != "online:u1" || got[1] != "offline:u1" {
		t.Errorf("observer events = %v", got)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := newTestHub(t, nil)
	go h.Run()

	pending := NewClient(nil, h, "pending")
	if err := h.Accept(pending); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	authed := NewClient(nil, h, "authed")
	if err := h.Accept(authed); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	authed.handleInbound([]byte(`{"type":"auth","token":"u1:buyer"}`))

	if err := h.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if pending.IsOpen() || authed.IsOpen() {
		t.Error("clients still open after Shutdown")
	}
	if n := h.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d entries after Shutdown", n)
	}

	late := NewClient(nil, h, "late")
	if err := h.Accept(late); err != ErrHubClosed {
		t.Errorf("Accept after Shutdown = %v, want ErrHubClosed", err)
	}
	if late.IsOpen() {
		t.Error("late client left open")
	}
}
