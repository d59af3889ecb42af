// Package server writes the JSON response envelope used by every HTTP endpoint
// and maps domain errors to status codes.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/users"
)

// apiResponse is the envelope of every JSON response.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// requestError carries a client facing status and message.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(message string) error {
	return &requestError{status: http.StatusBadRequest, message: message}
}

func notFound(message string) error {
	return &requestError{status: http.StatusNotFound, message: message}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

// mapError turns an error into a status and client facing message.
func mapError(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status, reqErr.message
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid or expired token"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "Insufficient permissions"
	case errors.Is(err, users.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password"
	case errors.Is(err, users.ErrNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, ErrRecipientUnreachable):
		return http.StatusNotFound, "User not connected or not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// decodeBody reads exactly one JSON value from the request body.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return badRequest("Invalid JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("Request body must contain a single JSON value")
	}
	return nil
}

// present reports whether a raw JSON field was supplied with a usable value.
func present(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`:
		return false
	default:
		return true
	}
}
