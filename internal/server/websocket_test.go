package server_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/server"
	"github.com/Tyrowin/gonotify/internal/testhelpers"
)

func TestWebSocketAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := testhelpers.MustConnect(t, env.wsURL)

	reply := testhelpers.Authenticate(t, conn, token(t, "u1", "buyer"))

	user, _ := reply["user"].(map[string]any)
	if user["id"] != "u1" || user["role"] != "buyer" || user["email"] != "u1@example.com" {
		t.Errorf("auth_success user = %v", reply["user"])
	}
	if reply["message"] != "Authentication successful" {
		t.Errorf("auth_success message = %v", reply["message"])
	}
	if !env.srv.Router().IsConnected("u1") {
		t.Error("IsConnected(u1) = false after auth_success")
	}
}

func TestWebSocketRejectsUnauthenticatedMessages(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := testhelpers.MustConnect(t, env.wsURL)

	for _, msg := range []map[string]any{
		{"type": "chat", "text": "hi"},
		{"text": "hi"},
		{"type": 7},
	} {
		testhelpers.SendJSON(t, conn, msg)
		reply := testhelpers.ReadMessage(t, conn)
		if reply["type"] != "error" || reply["message"] != "Authentication required before sending messages" {
			t.Errorf("%v: reply = %v", msg, reply)
		}
	}

	// The connection stays usable.
	testhelpers.Authenticate(t, conn, token(t, "u1", "buyer"))
}

func TestWebSocketInvalidToken(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := testhelpers.MustConnect(t, env.wsURL)

	testhelpers.SendJSON(t, conn, map[string]string{"type": "auth", "token": "not-a-jwt"})
	reply := testhelpers.ReadMessage(t, conn)
	if reply["type"] != "auth_error" || reply["message"] != "Invalid token" {
		t.Fatalf("reply = %v", reply)
	}

	wrongSecret := testhelpers.IssueToken(t, "other-secret", authIdentity("u1"))
	testhelpers.SendJSON(t, conn, map[string]string{"type": "auth", "token": wrongSecret})
	if reply := testhelpers.ReadMessage(t, conn); reply["type"] != "auth_error" {
		t.Fatalf("reply = %v", reply)
	}
	if env.srv.Router().IsConnected("u1") {
		t.Error("token signed with another secret authenticated")
	}
}

func TestWebSocketEcho(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := env.connectAs(t, "u1", "buyer")

	testhelpers.SendJSON(t, conn, map[string]string{"type": "message", "text": "hello"})
	reply := testhelpers.ReadMessage(t, conn)

	if reply["type"] != "echo" || reply["username"] != "u1-name" {
		t.Fatalf("reply = %v", reply)
	}
	data, _ := reply["data"].(map[string]any)
	if data["type"] != "message" || data["text"] != "hello" {
		t.Errorf("echo data = %v", reply["data"])
	}
	ts, _ := reply["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil || !strings.HasSuffix(ts, "Z") {
		t.Errorf("timestamp %q is not a UTC ISO-8601 string", ts)
	}
}

func TestWebSocketProtocolErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := env.connectAs(t, "u1", "buyer")

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"malformed", "this is not json", "Invalid message format - JSON required"},
		{"unknown type", `{"type":"subscribe"}`, "Unknown message type"},
		{"missing type", `{"text":"hi"}`, "Unknown message type"},
		{"array", `[1,2]`, "Invalid message format - JSON required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := testhelpers.SendRawMessage(conn, websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("send: %v", err)
			}
			reply := testhelpers.ReadMessage(t, conn)
			if reply["type"] != "error" || reply["message"] != tt.want {
				t.Errorf("reply = %v", reply)
			}
		})
	}

	if !env.srv.Router().IsConnected("u1") {
		t.Error("protocol errors closed the connection")
	}
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := env.connectAs(t, "u1", "buyer")

	if err := testhelpers.CloseWebSocket(conn); err != nil {
		t.Fatalf("close: %v", err)
	}

	router := env.srv.Router()
	testhelpers.Eventually(t, 2*time.Second, func() bool { return !router.IsConnected("u1") }, "u1 still connected")
	if router.SendToUser("u1", map[string]string{"msg": "hi"}) {
		t.Error("SendToUser after disconnect reported delivery")
	}
	testhelpers.Eventually(t, 2*time.Second, func() bool { return env.srv.Hub().ClientCount() == 0 }, "hub still tracks the client")
}

func TestWebSocketSupersededConnectionIsClosed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	first := env.connectAs(t, "u1", "buyer")
	second := env.connectAs(t, "u1", "buyer")

	code, text := testhelpers.ExpectClose(t, first)
	if code != server.CloseSuperseded || text != "Superseded by a newer connection" {
		t.Errorf("close = %d %q", code, text)
	}

	if !env.srv.Router().SendToUser("u1", "still here") {
		t.Fatal("newest connection unreachable")
	}
	msg := testhelpers.ReadMessage(t, second)
	if msg["type"] != "private" || msg["data"] != "still here" {
		t.Errorf("newest connection received %v", msg)
	}
}

func TestWebSocketAuthTimeout(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.AuthTimeout = 100 * time.Millisecond })
	conn := testhelpers.MustConnect(t, env.wsURL)

	code, text := testhelpers.ExpectClose(t, conn)
	if code != websocket.ClosePolicyViolation || text != "Authentication timeout" {
		t.Errorf("close = %d %q", code, text)
	}
}

func TestWebSocketServerDisconnect(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	conn := env.connectAs(t, "u1", "buyer")

	if !env.srv.Router().Disconnect("u1") {
		t.Fatal("Disconnect(u1) = false")
	}
	code, text := testhelpers.ExpectClose(t, conn)
	if code != websocket.CloseNormalClosure || text != "Disconnected by server" {
		t.Errorf("close = %d %q", code, text)
	}
}

func TestWebSocketShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	authed := env.connectAs(t, "u1", "buyer")
	pending := testhelpers.MustConnect(t, env.wsURL)

	if err := env.srv.Hub().Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, conn := range []*websocket.Conn{authed, pending} {
		code, text := testhelpers.ExpectClose(t, conn)
		if code != websocket.CloseGoingAway || text != "Server shutting down" {
			t.Errorf("close = %d %q", code, text)
		}
	}
	if env.srv.Router().Count() != 0 {
		t.Error("registry not empty after shutdown")
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, headers)
	if err == nil {
		_ = conn.Close()
		t.Fatal("connection from a foreign origin was accepted")
	}
	if resp == nil {
		t.Fatalf("no handshake response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
}

func TestWebSocketMissingOrigin(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
		if err == nil {
			_ = conn.Close()
			t.Fatal("connection without an Origin header was accepted")
		}
		if resp == nil {
			t.Fatalf("no handshake response: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
	})

	t.Run("allowed when configured", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *config.Config) { c.AllowMissingOrigin = true })
		conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
		if err != nil {
			t.Fatalf("Dial without Origin: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		if greeting := testhelpers.ReadMessage(t, conn); greeting["type"] != "auth_required" {
			t.Fatalf("greeting = %v", greeting)
		}
		testhelpers.Authenticate(t, conn, token(t, "u1", "buyer"))
	})

	t.Run("wildcard", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *config.Config) { c.AllowedOrigins = []string{"*"} })
		conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
		if err != nil {
			t.Fatalf("Dial without Origin: %v", err)
		}
		_ = conn.Close()
	})
}

func TestWebSocketRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) {
		c.RateLimit.Burst = 3
		c.RateLimit.RefillInterval = time.Hour
	})
	conn := env.connectAs(t, "u1", "buyer")

	for i := 0; i < 2; i++ {
		testhelpers.SendJSON(t, conn, map[string]any{"type": "message", "n": i})
		if reply := testhelpers.ReadMessage(t, conn); reply["type"] != "echo" {
			t.Fatalf("message %d: reply = %v", i, reply)
		}
	}

	testhelpers.SendJSON(t, conn, map[string]any{"type": "message", "n": 99})
	testhelpers.ExpectNoMessage(t, conn, 200*time.Millisecond)
}

func TestWebSocketMessageTooLarge(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.MaxMessageSize = 512 })
	conn := env.connectAs(t, "u1", "buyer")

	big := `{"type":"message","text":"` + strings.Repeat("x", 1024) + `"}`
	if err := testhelpers.SendRawMessage(conn, websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("send: %v", err)
	}

	code, _ := testhelpers.ExpectClose(t, conn)
	if code != websocket.CloseMessageTooBig {
		t.Errorf("close code = %d, want %d", code, websocket.CloseMessageTooBig)
	}
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return !env.srv.Router().IsConnected("u1")
	}, "oversized sender still registered")
}

// TestRoutingScenarios drives role, private and broadcast delivery against
// real connections.
func TestRoutingScenarios(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	router := env.srv.Router()
	s1 := env.connectAs(t, "s1", "seller")
	s2 := env.connectAs(t, "s2", "seller")
	b1 := env.connectAs(t, "b1", "buyer")

	t.Run("role", func(t *testing.T) {
		results := router.SendToRole("seller", map[string]string{"msg": "sale"})
		if len(results) != 2 {
			t.Fatalf("results = %v", results)
		}
		for _, r := range results {
			if !r.Sent {
				t.Errorf("delivery to %s failed", r.UserID)
			}
		}
		for _, conn := range []*websocket.Conn{s1, s2} {
			if msg := testhelpers.ReadMessage(t, conn); msg["type"] != "role_broadcast" {
				t.Errorf("seller received %v", msg)
			}
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if router.SendToUser("ghost-id", map[string]string{"msg": "hi"}) {
			t.Error("SendToUser(ghost-id) = true")
		}
	})

	t.Run("broadcast", func(t *testing.T) {
		results := router.SendToAll("hello all")
		if len(results) != 3 {
			t.Fatalf("results = %v", results)
		}
		// The buyer's next frame is the broadcast, so the role message skipped it.
		for _, conn := range []*websocket.Conn{s1, s2, b1} {
			if msg := testhelpers.ReadMessage(t, conn); msg["type"] != "broadcast" || msg["data"] != "hello all" {
				t.Errorf("received %v", msg)
			}
		}
	})
}
