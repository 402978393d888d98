package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/clm-relay/internal/domain"
	"github.com/ashureev/clm-relay/internal/llm"
	"github.com/ashureev/clm-relay/internal/relay"
	"github.com/ashureev/clm-relay/internal/session"
)

// Relay is the relay core as seen by the HTTP layer.
type Relay interface {
	Chat(ctx context.Context, sessionID string, req relay.ChatRequest) (relay.ChatResponse, error)
	Status(sessionID string) domain.InteractionRecord
	Provider() string
	History(ctx context.Context) ([]domain.InteractionRecord, error)
	Reset(ctx context.Context) error
}

// Switcher changes the active provider.
type Switcher interface {
	Switch(provider string) error
}

// SessionCounter reports live continuous sessions.
type SessionCounter interface {
	Count() int
}

// Root describes the service.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"service":         ServiceName,
		"status":          "running",
		"llm_provider":    h.relay.Provider(),
		"websocket":       "/ws/clm",
		"active_sessions": h.sessions.Count(),
	})
}

// Chat runs a one-shot turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req relay.ChatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := session.FromContext(r.Context())
	resp, err := h.relay.Chat(r.Context(), sessionID, req)
	if errors.Is(err, relay.ErrEmptyMessage) {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if err != nil {
		slog.Error("Chat failed", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "chat failed")
		return
	}

	JSON(w, http.StatusOK, resp)
}

// Status returns the pipeline state of the requested session, or of the
// most recently active one when no session id is given.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := session.ExplicitFromContext(r.Context())
	JSON(w, http.StatusOK, h.relay.Status(sessionID))
}

// Switch changes the active provider. A rejected switch leaves the current
// provider in place.
func (h *Handler) Switch(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if err := h.switcher.Switch(provider); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, llm.ErrUnsupportedProvider):
			status = http.StatusBadRequest
		case errors.Is(err, llm.ErrMissingCredential), errors.Is(err, llm.ErrProviderUnavailable):
			status = http.StatusServiceUnavailable
		}
		slog.Warn("Provider switch rejected", "provider", provider, "error", err)
		Error(w, status, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"status":       "switched",
		"llm_provider": h.relay.Provider(),
	})
}

// History returns every completed interaction.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.relay.History(r.Context())
	if err != nil {
		slog.Error("Failed to load history", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"interactions": records})
}

// Reset clears all pipeline state and the interaction log.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.Reset(r.Context()); err != nil {
		slog.Error("Reset failed", "error", err)
		Error(w, http.StatusInternalServerError, "reset failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
