// Package server exposes the WebSocket upgrade handler along with the health,
// login and test page endpoints.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/users"
)

// WebSocketHandler upgrades requests from allowed origins and hands the
// connection to the hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newWebSocketHandler(hub *Hub, policy *originPolicy, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		logger: logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	if err := h.hub.Accept(client); err != nil {
		h.logger.Warn("Rejected WebSocket connection", "remote_addr", r.RemoteAddr, "error", err)
	}
}

// HealthHandler answers with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "GoNotify server is running!")
}

func healthzHandler(hub *Hub, router *Router) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, "", map[string]any{
			"status":        "ok",
			"connections":   hub.ClientCount(),
			"authenticated": router.Count(),
		})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginHandler checks credentials against the directory and issues a token.
type loginHandler struct {
	directory users.Directory
	issuer    *auth.Issuer
	ttl       time.Duration
	logger    *slog.Logger
}

func (h *loginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	u, err := users.Login(r.Context(), h.directory, req.Email, req.Password)
	if err != nil {
		status, msg := mapError(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "Login failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		} else {
			h.logger.WarnContext(r.Context(), "Login rejected", "email", req.Email, "request_id", requestIDFromContext(r.Context()))
		}
		writeError(w, status, msg)
		return
	}

	token, err := h.issuer.Issue(u.Identity(), h.ttl)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Issuing token failed", "user_id", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeSuccess(w, "Login successful", map[string]any{
		"token": token,
		"user": map[string]string{
			"id":       u.ID,
			"name":     u.Name,
			"username": u.Username,
			"email":    u.Email,
			"role":     u.Role,
		},
	})
}

// TestPageHandler serves a page for trying the WebSocket protocol by hand:
// paste a token, connect, authenticate and send messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoNotify WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 420px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:disabled { background-color: #9bbfd3; cursor: default; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .open { background-color: #d4edda; color: #155724; }
        .closed { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoNotify WebSocket Test</h1>

    <div id="status" class="status closed">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="JWT from POST /users/login">
        <button id="connect" onclick="toggle()">Connect</button>
    </div>
    <div style="margin-top: 8px">
        <input type="text" id="text" placeholder="Message text" disabled>
        <button id="send" onclick="send()" disabled>Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const log = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const text = document.getElementById('text');
        const sendButton = document.getElementById('send');
        const connectButton = document.getElementById('connect');

        function append(line, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = line;
            log.appendChild(el);
            log.scrollTop = log.scrollHeight;
        }

        function setState(label, open, authed) {
            statusDiv.textContent = label;
            statusDiv.className = 'status ' + (open ? 'open' : 'closed');
            text.disabled = !authed;
            sendButton.disabled = !authed;
            connectButton.textContent = open ? 'Disconnect' : 'Connect';
        }

        function toggle() {
            if (ws) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => setState('Connected, not authenticated', true, false);
            ws.onmessage = (event) => {
                append('< ' + event.data, 'green');
                const msg = JSON.parse(event.data);
                if (msg.type === 'auth_required') {
                    const token = document.getElementById('token').value.trim();
                    ws.send(JSON.stringify({ type: 'auth', token: token }));
                    append('> auth', 'blue');
                } else if (msg.type === 'auth_success') {
                    setState('Authenticated as ' + (msg.user.username || msg.user.id), true, true);
                }
            };
            ws.onclose = (event) => {
                append('closed: ' + event.code + ' ' + event.reason);
                setState('Disconnected', false, false);
                ws = null;
            };
            ws.onerror = () => append('connection error', 'red');
        }

        function send() {
            const value = text.value.trim();
            if (!value || !ws) {
                return;
            }
            const payload = JSON.stringify({ type: 'message', text: value });
            ws.send(payload);
            append('> ' + payload, 'blue');
            text.value = '';
        }

        text.addEventListener('keypress', (e) => {
            if (e.key === 'Enter') {
                send();
            }
        });
    </script>
</body>
</html>`
