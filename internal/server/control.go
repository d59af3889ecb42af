// Package server serves the authenticated /websocket control API used to
// query presence and push messages to connected users.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/gonotify/internal/users"
)

// controlAPI serves the /websocket endpoints that let HTTP callers push
// messages to connected users.
type controlAPI struct {
	router    *Router
	directory users.Directory
	logger    *slog.Logger
	now       func() time.Time
}

type messageRequest struct {
	Message json.RawMessage `json:"message"`
}

type sendToUserRequest struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Message  json.RawMessage `json:"message"`
}

type sendToUsersRequest struct {
	UserIDs []string        `json:"userIds"`
	Message json.RawMessage `json:"message"`
}

type sendToRoleRequest struct {
	Role    string          `json:"role"`
	Message json.RawMessage `json:"message"`
}

type notificationRequest struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type systemMessageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type disconnectRequest struct {
	UserID string `json:"userId"`
}

func (a *controlAPI) timestamp() string {
	return formatTimestamp(a.now())
}

// fail logs and writes err.
func (a *controlAPI) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, msg := mapError(err)
	fields := []any{
		"operation", operation,
		"status", status,
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "Control request failed", fields...)
	} else {
		a.logger.DebugContext(r.Context(), "Control request rejected", fields...)
	}
	writeError(w, status, msg)
}

func (a *controlAPI) broadcast(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "broadcast", err)
		return
	}
	if !present(req.Message) {
		a.fail(w, r, "broadcast", badRequest("Message is required"))
		return
	}

	results := a.router.SendToAll(req.Message)
	writeSuccess(w, "Broadcast message sent", map[string]any{
		"message":   req.Message,
		"results":   results,
		"timestamp": a.timestamp(),
	})
}

// resolveUser maps a username to a user ID through the directory.
func (a *controlAPI) resolveUser(ctx context.Context, username string) (string, error) {
	u, err := a.directory.FindByUsername(ctx, username)
	if errors.Is(err, users.ErrNotFound) {
		return "", notFound("User not found")
	}
	if err != nil {
		return "", fmt.Errorf("look up user by username: %w", err)
	}
	return u.ID, nil
}

func (a *controlAPI) sendToUser(w http.ResponseWriter, r *http.Request) {
	var req sendToUserRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "send_to_user", err)
		return
	}

	target := req.UserID
	if target == "" && req.Username != "" {
		id, err := a.resolveUser(r.Context(), req.Username)
		if err != nil {
			a.fail(w, r, "send_to_user", err)
			return
		}
		target = id
	}
	if target == "" || !present(req.Message) {
		a.fail(w, r, "send_to_user", badRequest("User ID or username and message are required"))
		return
	}

	if !a.router.SendToUser(target, req.Message) {
		a.fail(w, r, "send_to_user", fmt.Errorf("%w: %s", ErrRecipientUnreachable, target))
		return
	}
	writeSuccess(w, "Message sent to user", map[string]any{
		"userId":    target,
		"message":   req.Message,
		"timestamp": a.timestamp(),
	})
}

func (a *controlAPI) sendToUsers(w http.ResponseWriter, r *http.Request) {
	var req sendToUsersRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "send_to_users", err)
		return
	}
	if req.UserIDs == nil || !present(req.Message) {
		a.fail(w, r, "send_to_users", badRequest("User IDs array and message are required"))
		return
	}

	results := a.router.SendToUsers(req.UserIDs, req.Message)
	writeSuccess(w, "Messages sent to users", map[string]any{
		"results":   results,
		"message":   req.Message,
		"timestamp": a.timestamp(),
	})
}

func (a *controlAPI) sendToRole(w http.ResponseWriter, r *http.Request) {
	var req sendToRoleRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "send_to_role", err)
		return
	}
	if req.Role == "" || !present(req.Message) {
		a.fail(w, r, "send_to_role", badRequest("Role and message are required"))
		return
	}

	results := a.router.SendToRole(req.Role, req.Message)
	writeSuccess(w, fmt.Sprintf("Message sent to %d users with role %s", sentCount(results), req.Role), map[string]any{
		"results":   results,
		"role":      req.Role,
		"message":   req.Message,
		"timestamp": a.timestamp(),
	})
}

func (a *controlAPI) notification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "notification", err)
		return
	}
	if req.Title == "" || req.Message == "" {
		a.fail(w, r, "notification", badRequest("Title and message are required"))
		return
	}

	results := a.router.SendNotification(req.Title, req.Message)
	writeSuccess(w, "Notification sent to all users", map[string]any{
		"title":     req.Title,
		"message":   req.Message,
		"results":   results,
		"timestamp": a.timestamp(),
	})
}

func (a *controlAPI) userNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "user_notification", err)
		return
	}
	if req.UserID == "" || req.Title == "" || req.Message == "" {
		a.fail(w, r, "user_notification", badRequest("User ID, title and message are required"))
		return
	}

	if !a.router.SendUserNotification(req.UserID, req.Title, req.Message) {
		a.fail(w, r, "user_notification", fmt.Errorf("%w: %s", ErrRecipientUnreachable, req.UserID))
		return
	}
	writeSuccess(w, "Notification sent to user", map[string]any{
		"userId":    req.UserID,
		"title":     req.Title,
		"message":   req.Message,
		"timestamp": a.timestamp(),
	})
}

// systemMessage sends to everyone, or to one user when userId is given.
func (a *controlAPI) systemMessage(w http.ResponseWriter, r *http.Request) {
	var req systemMessageRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "system_message", err)
		return
	}
	if req.Message == "" {
		a.fail(w, r, "system_message", badRequest("Message is required"))
		return
	}

	if req.UserID != "" {
		if !a.router.SendUserSystemMessage(req.UserID, req.Message) {
			a.fail(w, r, "system_message", fmt.Errorf("%w: %s", ErrRecipientUnreachable, req.UserID))
			return
		}
		writeSuccess(w, "System message sent to user", map[string]any{
			"userId":    req.UserID,
			"message":   req.Message,
			"timestamp": a.timestamp(),
		})
		return
	}

	results := a.router.SendSystemMessage(req.Message)
	writeSuccess(w, "System message sent to all users", map[string]any{
		"message":   req.Message,
		"results":   results,
		"timestamp": a.timestamp(),
	})
}

func (a *controlAPI) connectedUsers(w http.ResponseWriter, _ *http.Request) {
	list := a.router.ConnectedUsers()
	writeSuccess(w, "", map[string]any{
		"count": len(list),
		"users": list,
	})
}

func (a *controlAPI) userConnected(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	writeSuccess(w, "", map[string]any{
		"userId":      userID,
		"isConnected": a.router.IsConnected(userID),
	})
}

func (a *controlAPI) disconnectUser(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, "disconnect_user", err)
		return
	}
	if req.UserID == "" {
		a.fail(w, r, "disconnect_user", badRequest("User ID is required"))
		return
	}

	if !a.router.Disconnect(req.UserID) {
		a.fail(w, r, "disconnect_user", fmt.Errorf("%w: %s", ErrRecipientUnreachable, req.UserID))
		return
	}
	caller, _ := claimsFromContext(r.Context())
	a.logger.InfoContext(r.Context(), "Forced disconnect", "user_id", req.UserID, "by", caller.UserID)
	writeSuccess(w, "User disconnected successfully", map[string]any{
		"userId":    req.UserID,
		"timestamp": a.timestamp(),
	})
}

func (a *controlAPI) stats(w http.ResponseWriter, _ *http.Request) {
	ids := a.router.ConnectedUserIDs()
	writeSuccess(w, "", map[string]any{
		"connectedUsers":   len(ids),
		"connectedUserIds": ids,
		"timestamp":        a.timestamp(),
	})
}

func sentCount(results []Delivery) int {
	n := 0
	for _, d := range results {
		if d.Sent {
			n++
		}
	}
	return n
}
