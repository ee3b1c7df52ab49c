// Package shared holds the HTTP helpers used by every JSON endpoint, so the
// REST API, the realtime transports and the auth middleware answer with the
// same error shape.
package shared

import (
	"encoding/json"
	"net/http"

	"github.com/rubiojr/chirper/pkg/log"
)

var logger = log.ForService("http")

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("encoding JSON response: %v", err)
	}
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}
