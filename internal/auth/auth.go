// Package auth verifies and issues the bearer tokens shared by the HTTP API and
// the WebSocket handshake, and holds the role predicate used by privileged
// operations.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role allowed to force-disconnect users.
const RoleAdmin = "admin"

var (
	// ErrInvalidToken covers bad signatures, expired tokens and missing identity.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden is returned when a caller lacks a required role.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the user information carried by a token.
type Identity struct {
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Claims is the decoded payload of a verified token.
type Claims struct {
	Identity
	jwt.RegisteredClaims
}

// Authenticator verifies HMAC signed tokens against a shared secret.
// It holds no mutable state and is safe for concurrent use.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

// NewAuthenticator returns an Authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), leeway: 5 * time.Second}
}

// Verify validates signature and expiry and returns the token claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(a.leeway))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	return claims, nil
}

// Issuer signs tokens in the layout Verify expects.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer for secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for id that expires after ttl.
func (i *Issuer) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("issue token: user id is required")
	}
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Identity: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// HasRole reports whether the claims carry one of roles.
func (c *Claims) HasRole(roles ...string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(roles, c.Role)
}

// RequireRole returns ErrForbidden unless claims carry one of roles.
func RequireRole(claims *Claims, roles ...string) error {
	if claims.HasRole(roles...) {
		return nil
	}
	role := ""
	if claims != nil {
		role = claims.Role
	}
	return fmt.Errorf("%w: role %q is not one of %v", ErrForbidden, role, roles)
}
