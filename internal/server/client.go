// Package server runs the read and write pumps of one WebSocket connection and
// owns its close handshake and per-connection rate limit.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gonotify/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Close codes sent by the server.
const (
	CloseSuperseded = 4000

	reasonDisconnected = "Disconnected by server"
	reasonSuperseded   = "Superseded by a newer connection"
	reasonAuthTimeout  = "Authentication timeout"
	reasonSlowConsumer = "Send buffer full"
	reasonShutdown     = "Server shutting down"
)

// Client is one accepted WebSocket connection. The read pump owns inbound
// handling and the write pump owns every data frame written to conn.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	addr    string
	session *Session
	logger  *slog.Logger

	maxMessageSize int64
	rateLimiter    *rateLimiter

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps conn for hub. conn may be nil for clients that are driven
// directly through their send queue.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		addr:           addr,
		session:        NewSession(),
		logger:         hub.logger.With(slog.String("conn_id", id), slog.String("remote_addr", addr)),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		done:           make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// Session returns the lifecycle state machine of this connection.
func (c *Client) Session() *Session {
	return c.session
}

// Identity returns the bound identity, or the zero Identity before auth.
func (c *Client) Identity() auth.Identity {
	if claims := c.session.Claims(); claims != nil {
		return claims.Identity
	}
	return auth.Identity{}
}

// Role returns the bound role or "".
func (c *Client) Role() string {
	return c.Identity().Role
}

// IsOpen reports whether the connection has not been closed.
func (c *Client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// deliver queues payload without blocking. A full queue closes the client.
func (c *Client) deliver(payload []byte) error {
	if !c.IsOpen() {
		return ErrClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.logger.Warn("Send buffer full; closing slow consumer", "user_id", c.session.UserID(), "buffer", cap(c.send))
		c.closeWith(websocket.CloseTryAgainLater, reasonSlowConsumer)
		return ErrSlowConsumer
	}
}

func (c *Client) sendOutbound(msg Outbound) {
	payload, err := msg.encode()
	if err != nil {
		c.logger.Error("Dropping outbound message", "error", err)
		return
	}
	if err := c.deliver(payload); err != nil {
		c.logger.Debug("Outbound message not delivered", "type", msg.Type, "error", err)
	}
}

// closeWith sends a close frame with code and reason and closes the transport.
// Only the first call has an effect; it reports whether it was that call.
func (c *Client) closeWith(code int, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.session.Close()
		close(c.done)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("Error writing close frame", "error", err)
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("Error closing connection", "error", err)
		}
	})
	if first {
		c.logger.Info("Connection closed", "code", code, "reason", reason, "user_id", c.session.UserID())
	}
	return first
}

// handleInbound runs one frame through the session and applies the result.
func (c *Client) handleInbound(raw []byte) {
	t := c.session.Handle(raw, c.hub.verifier, c.hub.now())
	switch {
	case t.Err == nil:
	case errors.Is(t.Err, ErrSessionClosed):
		return
	case errors.Is(t.Err, auth.ErrInvalidToken):
		c.logger.Warn("WebSocket authentication failed", "error", t.Err)
	default:
		c.logger.Debug("Rejected inbound message", "error", t.Err)
	}

	if t.Released != "" {
		c.hub.registry.Unregister(t.Released, c)
	}
	if t.Bound != nil {
		c.hub.bind(c, t.Bound)
	}
	if t.Reply.Type != "" {
		c.sendOutbound(t.Reply)
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("Client disconnected", "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		c.logger.Debug("Connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("Unexpected WebSocket close", "error", err)
	default:
		c.logger.Debug("WebSocket read ended", "error", err)
	}
}

func (c *Client) allowMessage() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.logger.Warn("Rate limit exceeded; discarding message", "burst", c.hub.cfg.RateLimit.Burst, "interval", c.hub.cfg.RateLimit.RefillInterval)
	return false
}

func (c *Client) readPump() {
	defer c.hub.release(c)

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.allowMessage() {
			continue
		}
		c.handleInbound(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			if !c.write(websocket.TextMessage, payload) {
				c.closeWith(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.closeWith(websocket.CloseGoingAway, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// write sends one frame per call; messages are never coalesced.
func (c *Client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("Error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// isExpectedCloseError reports errors that are routine during connection teardown.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
