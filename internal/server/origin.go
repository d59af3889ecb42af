// Package server normalizes request origins and decides which ones may
// open a WebSocket.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a WebSocket.
// Requests without an Origin header come from non-browser clients; they pass
// when the list is "*" or when allowMissing is set.
type originPolicy struct {
	allowed      map[string]struct{}
	allowAll     bool
	allowMissing bool
	logger       *slog.Logger
}

func newOriginPolicy(origins []string, allowMissing bool, logger *slog.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), allowMissing: allowMissing, logger: logger}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
		case trimmed == "*":
			p.allowAll = true
		default:
			normalized, ok := normalizeOrigin(trimmed)
			if !ok {
				logger.Warn("Ignoring invalid origin in configuration", "origin", origin)
				continue
			}
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p *originPolicy) allows(origin string) bool {
	if origin == "" {
		return p.allowAll || p.allowMissing
	}
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// check is the websocket.Upgrader CheckOrigin hook.
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.allows(origin) {
		return true
	}
	p.logger.Warn("Blocked WebSocket connection from disallowed origin", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}
