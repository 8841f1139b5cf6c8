// Package httputil holds the small HTTP surface served next to the metrics
// endpoint: JSON responses and the status probe.
package httputil

import (
	"net/http"

	json "github.com/goccy/go-json"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Code: statusCode, Message: message})
}

// Probe reports a component's status and whether it is healthy.
type Probe func() (status any, healthy bool)

// StatusHandler serves the probe's status as JSON, with 200 when healthy
// and 503 otherwise. Only GET and HEAD are allowed.
func StatusHandler(probe Probe) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		status, healthy := probe()
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, status)
	})
}
