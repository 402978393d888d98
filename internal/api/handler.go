// Package api provides HTTP handlers for the relay.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "Hume EVI CLM Server"

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	relay       Relay
	switcher    Switcher
	sessions    SessionCounter
	maxBodySize int64
}

// NewHandler creates a new Handler. maxBodySize <= 0 selects 1MB.
func NewHandler(relay Relay, switcher Switcher, sessions SessionCounter, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		relay:       relay,
		switcher:    switcher,
		sessions:    sessions,
		maxBodySize: maxBodySize,
	}
}

// RegisterRoutes registers the relay routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Post("/chat", h.Chat)
	r.Get("/status", h.Status)
	r.Post("/switch/{provider}", h.Switch)
	r.Get("/history", h.History)
	r.Post("/reset", h.Reset)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
