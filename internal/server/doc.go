// Package server implements the authenticated WebSocket notification hub.
//
// Connections arrive on /ws and must authenticate with a bearer token before
// they are bound into the Registry, which holds one live connection per user.
// The Router fans messages out to all users, one user, a list of users or a
// role, and the /websocket HTTP endpoints expose it to other services.
//
// The code is split by concern: messages and session for the wire protocol
// and lifecycle, registry, client and hub for connections, router for
// delivery, and control, handlers, middleware and routes for HTTP.
package server
