package clm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/clm-relay/internal/relay"
)

const writeTimeout = 10 * time.Second

// Relay is the part of the relay core the socket loop needs.
type Relay interface {
	HandleMessage(ctx context.Context, sess *relay.Session, payload map[string]any) *relay.TurnResult
	Settle(ctx context.Context, sessionID string)
	Release(sessionID string)
}

// reply is the frame sent back for every completed turn.
type reply struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Options configures a Handler.
type Options struct {
	// AllowedOrigins are full origins ("https://app.example") or "*".
	AllowedOrigins []string
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
}

// Handler serves /ws/clm. Each connection gets its own relay session.
type Handler struct {
	relay          Relay
	sm             *SessionManager
	originPatterns []string
	readLimit      int64
}

// NewHandler creates a new CLM WebSocket handler.
func NewHandler(r Relay, sm *SessionManager, opts Options) *Handler {
	return &Handler{
		relay:          r,
		sm:             sm,
		originPatterns: originPatterns(opts.AllowedOrigins),
		readLimit:      opts.ReadLimit,
	}
}

// originPatterns turns configured origins into the host patterns the
// websocket library matches against.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	sess := relay.NewSession()
	slog.Info("CLM client connected", "session_id", sess.ID, "ip", r.RemoteAddr)

	h.sm.Register(sess.ID, ws)
	defer func() {
		h.sm.Unregister(sess.ID, ws)
		h.relay.Release(sess.ID)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sess.ID)
		}
		slog.Info("CLM client disconnected", "session_id", sess.ID, "turns", sess.History.Len())
	}()

	h.serve(r.Context(), ws, sess)
}

// serve reads frames until the connection ends. One frame is fully handled
// before the next is read. A panic ends only this session.
func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, sess *relay.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("CLM session failed", "session_id", sess.ID, "panic", rec, "stack", string(debug.Stack()))
			if err := ws.Close(websocket.StatusInternalError, "internal error"); err != nil {
				slog.Debug("Failed to close websocket after panic", "error", err, "session_id", sess.ID)
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sess.ID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sess.ID)
			}
			return
		}

		res := h.relay.HandleMessage(ctx, sess, decodeFrame(data, sess.ID))
		if res == nil {
			continue
		}

		if err := writeJSON(ws, reply{Type: "assistant_input", Text: res.Reply}); err != nil {
			slog.Warn("Failed to send reply", "error", err, "session_id", sess.ID)
			return
		}
		slog.Debug("Sent reply", "session_id", sess.ID, "chars", len(res.Reply))

		h.relay.Settle(ctx, sess.ID)
	}
}

// decodeFrame parses a text frame as a JSON object. Anything else becomes
// an empty payload, which the relay ignores.
func decodeFrame(data []byte, sessionID string) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		slog.Warn("Ignoring malformed CLM frame", "session_id", sessionID, "error", err, "bytes", len(data))
		return map[string]any{}
	}
	return payload
}

func writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
