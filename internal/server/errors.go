// Package server is the HTTP and websocket surface: middleware chain,
// routing, and handlers that dispatch into auth, audit, cache, llm, fabric,
// workflow, and powerbi.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seekapa/copilot/internal/auth"
	"github.com/seekapa/copilot/internal/workflow"
)

// errorBody is the uniform error envelope. Internal details never appear
// here; they go to the audit log.
type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{
		Error:      msg,
		StatusCode: status,
		RequestID:  requestIDFrom(r.Context()),
	})
}

// bodyError reports a request-body failure: an over-limit body is 413,
// anything else malformed is 400. Chunked uploads only hit the byte cap at
// read time, so the limit error surfaces here rather than in the middleware.
func bodyError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, "invalid request body")
}

// mapError translates component errors to HTTP statuses.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrLockedOut):
		return http.StatusTooManyRequests, "account temporarily locked"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid or expired token"
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "password does not meet policy"
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, "user already exists"
	case errors.Is(err, auth.ErrSessionNotFound):
		return http.StatusUnauthorized, "session expired"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, workflow.ErrDefinitionNotFound):
		return http.StatusNotFound, "workflow not found"
	case errors.Is(err, workflow.ErrExecutionNotFound):
		return http.StatusNotFound, "execution not found"
	case errors.Is(err, workflow.ErrDefinitionDisabled):
		return http.StatusConflict, "workflow disabled"
	case errors.Is(err, workflow.ErrBadSignature), errors.Is(err, workflow.ErrStaleTimestamp):
		return http.StatusUnauthorized, "webhook verification failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
