// Package server wires handlers and middleware into the chi router.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/users"
)

// Deps are the components served over HTTP.
type Deps struct {
	Hub                *Hub
	Router             *Router
	Verifier           Verifier
	Issuer             *auth.Issuer
	Directory          users.Directory
	AllowedOrigins     []string
	AllowMissingOrigin bool
	TokenTTL           time.Duration
	Logger             *slog.Logger
}

// SetupRoutes builds the HTTP handler: health checks, the WebSocket endpoint,
// login and the authenticated /websocket control surface.
func SetupRoutes(d Deps) http.Handler {
	logger := d.Logger.With(slog.String("component", "http"))
	policy := newOriginPolicy(d.AllowedOrigins, d.AllowMissingOrigin, logger)
	control := &controlAPI{
		router:    d.Router,
		directory: d.Directory,
		logger:    logger,
		now:       time.Now,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))
	r.Use(corsMiddleware(policy))
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/", HealthHandler)
	r.Get("/healthz", healthzHandler(d.Hub, d.Router))
	r.Get("/test", TestPageHandler)
	r.Method(http.MethodGet, "/ws", newWebSocketHandler(d.Hub, policy, logger))

	r.Method(http.MethodPost, "/users/login", &loginHandler{
		directory: d.Directory,
		issuer:    d.Issuer,
		ttl:       d.TokenTTL,
		logger:    logger,
	})

	r.Route("/websocket", func(r chi.Router) {
		r.Use(bearerAuth(d.Verifier, logger))

		r.Post("/broadcast", control.broadcast)
		r.Post("/send-to-user", control.sendToUser)
		r.Post("/send-to-users", control.sendToUsers)
		r.Post("/send-to-role", control.sendToRole)
		r.Post("/notification", control.notification)
		r.Post("/user-notification", control.userNotification)
		r.Post("/system-message", control.systemMessage)
		r.Get("/connected-users", control.connectedUsers)
		r.Get("/user-connected/{userId}", control.userConnected)
		r.Get("/stats", control.stats)

		r.With(requireRole("Admin access required", auth.RoleAdmin)).
			Post("/disconnect-user", control.disconnectUser)
	})

	return r
}
