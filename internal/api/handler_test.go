//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/clm-relay/internal/config"
	"github.com/ashureev/clm-relay/internal/llm"
	"github.com/ashureev/clm-relay/internal/pipeline"
	"github.com/ashureev/clm-relay/internal/relay"
	"github.com/ashureev/clm-relay/internal/session"
	"github.com/ashureev/clm-relay/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusBadRequest, "nope")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"error":"nope"}` {
		t.Errorf("Unexpected body %s", body)
	}
}

type stubClient struct{ name string }

func (s stubClient) Name() string { return s.name }

func (s stubClient) Complete(_ context.Context, req llm.Request) (string, error) {
	return s.name + " says hi to " + req.Turns[len(req.Turns)-1].Content, nil
}

type stubCreds map[string]string

func (s stubCreds) Lookup(provider string) config.Credential {
	keyVar := map[string]string{
		config.ProviderClaude: "ANTHROPIC_API_KEY",
		config.ProviderOpenAI: "OPENAI_API_KEY",
	}[provider]
	return config.Credential{Provider: provider, APIKey: s[provider], KeyVar: keyVar}
}

type stubCounter int

func (c stubCounter) Count() int { return int(c) }

func newTestRouter(t *testing.T, creds stubCreds) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := llm.NewRegistry(creds, llm.Options{Logger: logger})
	for _, name := range []string{config.ProviderClaude, config.ProviderOpenAI} {
		name := name
		registry.RegisterFactory(name, func(config.Credential) (llm.Client, error) {
			return stubClient{name: name}, nil
		})
	}
	if err := registry.Init(config.ProviderClaude); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	repo, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	svc := relay.NewService(registry, pipeline.NewTracker(), repo, relay.Options{Logger: logger})

	r := chi.NewRouter()
	r.Use(session.Middleware)
	NewHandler(svc, registry, stubCounter(2), 256).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("%s %s: failed to decode %q: %v", method, target, w.Body.String(), err)
	}
	return w.Code, got
}

func TestRoot(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	code, got := do(t, h, http.MethodGet, "/", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got["status"] != "running" || got["llm_provider"] != "claude" || got["websocket"] != "/ws/clm" {
		t.Fatalf("unexpected root %v", got)
	}
	if got["service"] != ServiceName || got["active_sessions"] != float64(2) {
		t.Fatalf("unexpected root %v", got)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	code, got := do(t, h, http.MethodPost, "/chat",
		`{"message":"hello","emotions":[{"name":"joy","score":0.9}]}`,
		map[string]string{session.HeaderName: "ui-1"})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, got)
	}
	if got["response"] != "claude says hi to hello\n[Voice emotion analysis: joy: 0.90]" {
		t.Fatalf("unexpected response %v", got["response"])
	}
	if got["llm_provider"] != "claude" {
		t.Fatalf("unexpected provider %v", got["llm_provider"])
	}
	if _, ok := got["latency_ms"].(float64); !ok {
		t.Fatalf("expected numeric latency, got %v", got["latency_ms"])
	}
	emotions, ok := got["emotions_detected"].([]interface{})
	if !ok || len(emotions) != 1 {
		t.Fatalf("expected echoed emotions, got %v", got["emotions_detected"])
	}

	code, status := do(t, h, http.MethodGet, "/status?session_id=ui-1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if status["stage"] != "idle" || status["transcript"] != "hello" || status["session_id"] != "ui-1" {
		t.Fatalf("unexpected status %v", status)
	}
	if status["llm_provider"] != "claude" {
		t.Fatalf("status should carry the provider, got %v", status)
	}
}

func TestChatNoEmotionsEchoesEmptyList(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	_, got := do(t, h, http.MethodPost, "/chat", `{"message":"hi"}`, nil)
	emotions, ok := got["emotions_detected"].([]interface{})
	if !ok || len(emotions) != 0 {
		t.Fatalf("expected empty list, got %#v", got["emotions_detected"])
	}
}

func TestChatRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `hello`, http.StatusBadRequest},
		{"wrong type", `{"message": 5}`, http.StatusBadRequest},
		{"blank message", `{"message": "   "}`, http.StatusBadRequest},
		{"missing message", `{}`, http.StatusBadRequest},
		{"trailing data", `{"message":"a"} {"message":"b"}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("x", 512) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		code, got := do(t, h, http.MethodPost, "/chat", tc.body, nil)
		if code != tc.want {
			t.Errorf("%s: expected %d, got %d (%v)", tc.name, tc.want, code, got)
		}
		if _, ok := got["error"]; !ok {
			t.Errorf("%s: expected error body, got %v", tc.name, got)
		}
	}
}

func TestStatusWithoutActivity(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	code, got := do(t, h, http.MethodGet, "/status", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got["stage"] != "idle" || got["latency_ms"] != nil {
		t.Fatalf("unexpected status %v", got)
	}
	if emotions, ok := got["emotions"].([]interface{}); !ok || len(emotions) != 0 {
		t.Fatalf("emotions should be an empty list, got %#v", got["emotions"])
	}
}

func TestStatusDefaultsToLatestSession(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	do(t, h, http.MethodPost, "/chat", `{"message":"first"}`, map[string]string{session.HeaderName: "a"})
	do(t, h, http.MethodPost, "/chat", `{"message":"second"}`, map[string]string{session.HeaderName: "b"})

	_, got := do(t, h, http.MethodGet, "/status", "", nil)
	if got["session_id"] != "b" || got["transcript"] != "second" {
		t.Fatalf("expected latest session b, got %v", got)
	}
}

func TestSwitch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		creds        stubCreds
		target       string
		wantCode     int
		wantError    string
		wantProvider string
	}{
		{
			name:         "switch to openai",
			creds:        stubCreds{"claude": "k", "openai": "sk"},
			target:       "openai",
			wantCode:     http.StatusOK,
			wantProvider: "openai",
		},
		{
			name:         "case insensitive",
			creds:        stubCreds{"claude": "k", "openai": "sk"},
			target:       "OPENAI",
			wantCode:     http.StatusOK,
			wantProvider: "openai",
		},
		{
			name:         "unsupported provider",
			creds:        stubCreds{"claude": "k"},
			target:       "gemini",
			wantCode:     http.StatusBadRequest,
			wantError:    "Provider must be 'claude' or 'openai'",
			wantProvider: "claude",
		},
		{
			name:         "missing key",
			creds:        stubCreds{"claude": "k"},
			target:       "openai",
			wantCode:     http.StatusServiceUnavailable,
			wantError:    "OPENAI_API_KEY not set in .env",
			wantProvider: "claude",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newTestRouter(t, tc.creds)
			code, got := do(t, h, http.MethodPost, "/switch/"+tc.target, "", nil)
			if code != tc.wantCode {
				t.Fatalf("expected %d, got %d (%v)", tc.wantCode, code, got)
			}
			if tc.wantError != "" && got["error"] != tc.wantError {
				t.Fatalf("expected error %q, got %v", tc.wantError, got["error"])
			}
			if tc.wantError == "" && (got["status"] != "switched" || got["llm_provider"] != tc.wantProvider) {
				t.Fatalf("unexpected body %v", got)
			}

			_, status := do(t, h, http.MethodGet, "/status", "", nil)
			if status["llm_provider"] != tc.wantProvider {
				t.Fatalf("expected provider %q after switch, got %v", tc.wantProvider, status["llm_provider"])
			}
		})
	}
}

func TestSwitchAffectsNextChat(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k", "openai": "sk"})
	if code, _ := do(t, h, http.MethodPost, "/switch/openai", "", nil); code != http.StatusOK {
		t.Fatalf("switch failed with %d", code)
	}
	_, got := do(t, h, http.MethodPost, "/chat", `{"message":"yo"}`, nil)
	if got["llm_provider"] != "openai" || got["response"] != "openai says hi to yo" {
		t.Fatalf("unexpected chat after switch %v", got)
	}
}

func TestHistoryAndReset(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, stubCreds{"claude": "k"})
	do(t, h, http.MethodPost, "/chat", `{"message":"one"}`, nil)
	do(t, h, http.MethodPost, "/chat", `{"message":"two"}`, nil)

	_, got := do(t, h, http.MethodGet, "/history", "", nil)
	interactions, ok := got["interactions"].([]interface{})
	if !ok || len(interactions) != 2 {
		t.Fatalf("expected 2 interactions, got %v", got)
	}
	first := interactions[0].(map[string]interface{})
	if first["stage"] != "speaking" || first["transcript"] != "one" || first["llm_provider"] != "claude" {
		t.Fatalf("unexpected record %v", first)
	}
	if first["session_id"] != session.DefaultID {
		t.Fatalf("expected default session id, got %v", first["session_id"])
	}

	for i := 0; i < 2; i++ {
		code, body := do(t, h, http.MethodPost, "/reset", "", nil)
		if code != http.StatusOK || body["status"] != "reset" {
			t.Fatalf("reset %d: unexpected %d %v", i, code, body)
		}
	}

	_, got = do(t, h, http.MethodGet, "/history", "", nil)
	interactions, ok = got["interactions"].([]interface{})
	if !ok || len(interactions) != 0 {
		t.Fatalf("expected empty history after reset, got %v", got)
	}
	_, status := do(t, h, http.MethodGet, "/status", "", nil)
	if status["stage"] != "idle" || status["transcript"] != "" {
		t.Fatalf("expected idle after reset, got %v", status)
	}
}
