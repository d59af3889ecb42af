package server_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/logger"
	"github.com/Tyrowin/gonotify/internal/server"
	"github.com/Tyrowin/gonotify/internal/testhelpers"
	"github.com/Tyrowin/gonotify/internal/users"
)

const testSecret = "integration-secret"

type testEnv struct {
	srv   *server.Server
	ts    *httptest.Server
	wsURL string
}

func newTestEnv(t *testing.T, dir users.Directory, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.NewConfig()
	cfg.JWTSecret = testSecret
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	cfg.AuthTimeout = 0
	cfg.ShutdownTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := server.New(*cfg, server.Options{Directory: dir, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	srv.StartHub()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Hub().Shutdown(time.Second) })

	return &testEnv{srv: srv, ts: ts, wsURL: testhelpers.WebSocketURL(ts.URL)}
}

func (e *testEnv) url(path string) string {
	return e.ts.URL + path
}

func authIdentity(userID string) auth.Identity {
	return auth.Identity{
		UserID:   userID,
		Email:    userID + "@example.com",
		Username: userID + "-name",
		Role:     "buyer",
	}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	id := authIdentity(userID)
	id.Role = role
	return testhelpers.IssueToken(t, testSecret, id)
}

// connectAs opens a WebSocket and authenticates it as userID.
func (e *testEnv) connectAs(t *testing.T, userID, role string) *websocket.Conn {
	t.Helper()
	conn := testhelpers.MustConnect(t, e.wsURL)
	testhelpers.Authenticate(t, conn, token(t, userID, role))
	return conn
}

// failingDirectory fails every lookup with a backend error.
type failingDirectory struct{}

var errBackend = errors.New("directory unavailable")

func (failingDirectory) FindByUsername(context.Context, string) (users.User, error) {
	return users.User{}, errBackend
}

func (failingDirectory) FindByEmail(context.Context, string) (users.User, error) {
	return users.User{}, errBackend
}
