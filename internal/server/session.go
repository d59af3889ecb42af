// Package server models the per-connection Session state machine that turns
// inbound frames into replies and registry changes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gonotify/internal/auth"
)

// State is a position in the connection lifecycle.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrSessionClosed is reported for events arriving after the session closed.
var ErrSessionClosed = errors.New("session closed")

// Verifier checks a bearer token. *auth.Authenticator implements it.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Transition is the outcome of one inbound event. The caller applies registry
// changes before sending Reply.
type Transition struct {
	// Reply is sent back on the same connection when Type is set.
	Reply Outbound
	// Bound is set when the event authenticated the session.
	Bound *auth.Claims
	// Released names an identity the session gave up by re-authenticating as
	// someone else.
	Released string
	// Err classifies rejected events.
	Err error
}

// Session is the per-connection lifecycle: Connected, then Authenticated,
// then Closed. It holds no transport and is safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	state  State
	claims *auth.Claims
}

// NewSession returns a session in the Connected state.
func NewSession() *Session {
	return &Session{state: StateConnected}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Claims returns the claims bound by the last successful authentication. They
// stay readable after close so the owner can release its registry entry.
func (s *Session) Claims() *auth.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// UserID returns the bound identity or "".
func (s *Session) UserID() string {
	if c := s.Claims(); c != nil {
		return c.UserID
	}
	return ""
}

// Handle applies one inbound frame.
func (s *Session) Handle(raw []byte, verifier Verifier, now time.Time) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return Transition{Err: ErrSessionClosed}
	}

	msg, err := parseInbound(raw)
	if err != nil {
		return s.reject(KindError, msgInvalidFormat, err, now)
	}

	if msg.Type == KindAuth {
		return s.authenticate(msg.Token, verifier, now)
	}

	if s.state != StateAuthenticated {
		return s.reject(KindError, msgAuthBeforeSending, ErrUnauthenticated, now)
	}

	if !msg.Type.isApplication() {
		return s.reject(KindError, msgUnknownType, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Type), now)
	}

	reply := newOutbound(KindEcho, now)
	reply.Data = json.RawMessage(raw)
	reply.Username = s.claims.Username
	return Transition{Reply: reply}
}

func (s *Session) authenticate(token string, verifier Verifier, now time.Time) Transition {
	claims, err := verifier.Verify(token)
	if err != nil {
		return s.reject(KindAuthError, msgInvalidToken, err, now)
	}

	var released string
	if s.claims != nil && s.claims.UserID != claims.UserID {
		released = s.claims.UserID
	}
	s.claims = claims
	s.state = StateAuthenticated

	reply := newOutbound(KindAuthSuccess, now)
	reply.Message = msgAuthSuccess
	reply.User = userInfo(claims.Identity)
	return Transition{Reply: reply, Bound: claims, Released: released}
}

func (s *Session) reject(kind Kind, text string, err error, now time.Time) Transition {
	reply := newOutbound(kind, now)
	reply.Message = text
	return Transition{Reply: reply, Err: err}
}

// Close moves the session to Closed. It reports whether this call closed it.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// Expire closes the session only if it never authenticated.
func (s *Session) Expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.state = StateClosed
	return true
}
