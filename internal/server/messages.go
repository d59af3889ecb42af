// Package server defines the JSON frames exchanged with clients and the
// envelope parsing applied to inbound messages.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/gonotify/internal/auth"
)

// Kind identifies a wire message by its "type" field.
type Kind string

// Inbound kinds accepted from clients.
const (
	KindAuth    Kind = "auth"
	KindMessage Kind = "message"
	KindChat    Kind = "chat"
)

// Outbound kinds produced by the server.
const (
	KindAuthRequired  Kind = "auth_required"
	KindAuthSuccess   Kind = "auth_success"
	KindAuthError     Kind = "auth_error"
	KindEcho          Kind = "echo"
	KindError         Kind = "error"
	KindBroadcast     Kind = "broadcast"
	KindPrivate       Kind = "private"
	KindRoleBroadcast Kind = "role_broadcast"
	KindNotification  Kind = "notification"
	KindSystem        Kind = "system"
)

// Client facing texts.
const (
	msgAuthRequired      = "Authentication required. Send your JWT token."
	msgAuthSuccess       = "Authentication successful"
	msgInvalidToken      = "Invalid token"
	msgAuthBeforeSending = "Authentication required before sending messages"
	msgInvalidFormat     = "Invalid message format - JSON required"
	msgUnknownType       = "Unknown message type"
)

var (
	ErrMalformedMessage     = errors.New("malformed message")
	ErrUnauthenticated      = errors.New("authentication required")
	ErrUnknownKind          = errors.New("unknown message kind")
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	ErrSlowConsumer         = errors.New("send buffer full")
	ErrClientClosed         = errors.New("client closed")
)

// timestampLayout is RFC 3339 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// UserInfo is the identity echoed back on successful authentication.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func userInfo(id auth.Identity) *UserInfo {
	return &UserInfo{ID: id.UserID, Email: id.Email, Username: id.Username, Role: id.Role}
}

// Outbound is a server to client message. Which fields are set depends on Type.
type Outbound struct {
	Type      Kind      `json:"type"`
	Message   string    `json:"message,omitempty"`
	Title     string    `json:"title,omitempty"`
	User      *UserInfo `json:"user,omitempty"`
	Data      any       `json:"data,omitempty"`
	Username  string    `json:"username,omitempty"`
	Timestamp string    `json:"timestamp"`
}

func newOutbound(kind Kind, now time.Time) Outbound {
	return Outbound{Type: kind, Timestamp: formatTimestamp(now)}
}

func (o Outbound) encode() ([]byte, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", o.Type, err)
	}
	return payload, nil
}

// inbound is the envelope of a client message. Type is empty when the field
// is missing or not a string.
type inbound struct {
	Type  Kind
	Token string
}

func (k Kind) isApplication() bool {
	return k == KindMessage || k == KindChat
}

// parseInbound accepts any JSON object. Only the shape of the document is
// checked here; the session decides what a missing or unknown type means.
func parseInbound(raw []byte) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return inbound{}, ErrMalformedMessage
	}
	var msg inbound
	var kind string
	if json.Unmarshal(fields["type"], &kind) == nil {
		msg.Type = Kind(kind)
	}
	_ = json.Unmarshal(fields["token"], &msg.Token)
	return msg, nil
}
