package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/clm-relay/internal/config"
	"github.com/ashureev/clm-relay/internal/domain"
)

type fakeClient struct {
	name  string
	reply string
	err   error
	delay time.Duration

	mu       sync.Mutex
	requests []Request
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeClient) lastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeCreds struct {
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeCreds) set(provider, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[provider] = key
}

func (f *fakeCreds) Lookup(provider string) config.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	keyVar := map[string]string{
		config.ProviderClaude: "ANTHROPIC_API_KEY",
		config.ProviderOpenAI: "OPENAI_API_KEY",
	}[provider]
	return config.Credential{Provider: provider, APIKey: f.keys[provider], KeyVar: keyVar}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(creds *fakeCreds, clients map[string]*fakeClient) *Registry {
	r := NewRegistry(creds, Options{Logger: quietLogger(), Timeout: time.Second})
	for name, c := range clients {
		c := c
		r.RegisterFactory(name, func(config.Credential) (Client, error) { return c, nil })
	}
	return r
}

func TestInitWithoutCredentialIsUnconfigured(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{keys: map[string]string{}}
	r := newTestRegistry(creds, map[string]*fakeClient{config.ProviderClaude: {name: "claude", reply: "hi"}})

	if err := r.Init("claude"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if r.Active() != "claude" || r.Ready() {
		t.Fatalf("expected claude selected but not ready, got %q ready=%v", r.Active(), r.Ready())
	}

	res := r.Generate(context.Background(), []domain.Turn{domain.UserTurn("hello")})
	if res.Outcome != OutcomeUnconfigured {
		t.Fatalf("expected unconfigured outcome, got %s", res.Outcome)
	}
	if res.Text != "Claude API not configured. Set ANTHROPIC_API_KEY in .env" {
		t.Fatalf("unexpected placeholder %q", res.Text)
	}
	if res.Err != nil {
		t.Fatalf("placeholder should not carry an error: %v", res.Err)
	}
}

func TestInitRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(&fakeCreds{keys: map[string]string{}}, nil)
	if err := r.Init("gemini"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestGenerateSendsSystemPromptAndHistory(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "openai", reply: "Sounds great!"}
	creds := &fakeCreds{keys: map[string]string{config.ProviderOpenAI: "sk"}}
	r := newTestRegistry(creds, map[string]*fakeClient{config.ProviderOpenAI: client})
	if err := r.Init("openai"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	turns := []domain.Turn{
		domain.UserTurn("hi"),
		domain.AssistantTurn("hello"),
		domain.UserTurn("tell me more"),
	}
	res := r.Generate(context.Background(), turns)
	if res.Outcome != OutcomeGenerated || res.Text != "Sounds great!" || res.Provider != "openai" {
		t.Fatalf("unexpected result %+v", res)
	}

	req := client.lastRequest()
	if req.System != SystemPrompt {
		t.Fatal("expected system prompt to be sent")
	}
	if req.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected %d max tokens, got %d", DefaultMaxTokens, req.MaxTokens)
	}
	if len(req.Turns) != 3 || req.Turns[2].Content != "tell me more" {
		t.Fatalf("unexpected turns %+v", req.Turns)
	}
}

func TestGenerateFailureUsesFallback(t *testing.T) {
	t.Parallel()

	upstream := errors.New("boom")
	client := &fakeClient{name: "claude", err: upstream}
	creds := &fakeCreds{keys: map[string]string{config.ProviderClaude: "k"}}
	r := newTestRegistry(creds, map[string]*fakeClient{config.ProviderClaude: client})
	if err := r.Init("claude"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	res := r.Generate(context.Background(), []domain.Turn{domain.UserTurn("hi")})
	if res.Text != FallbackReply || res.Outcome != OutcomeFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	if !errors.Is(res.Err, upstream) {
		t.Fatalf("expected upstream error to be kept, got %v", res.Err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	client := &fakeClient{name: "claude", reply: "late", delay: time.Second}
	creds := &fakeCreds{keys: map[string]string{config.ProviderClaude: "k"}}
	r := NewRegistry(creds, Options{Logger: quietLogger(), Timeout: 20 * time.Millisecond})
	r.RegisterFactory(config.ProviderClaude, func(config.Credential) (Client, error) { return client, nil })
	if err := r.Init("claude"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	res := r.Generate(context.Background(), []domain.Turn{domain.UserTurn("hi")})
	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure, got %+v", res)
	}
}

func TestSwitch(t *testing.T) {
	t.Parallel()

	claude := &fakeClient{name: "claude", reply: "short"}
	openai := &fakeClient{name: "openai", reply: "long"}

	tests := []struct {
		name       string
		keys       map[string]string
		register   []string
		target     string
		wantErr    error
		wantReason string
		wantActive string
	}{
		{
			name:       "switch succeeds",
			keys:       map[string]string{"claude": "k", "openai": "sk"},
			register:   []string{"claude", "openai"},
			target:     "OpenAI",
			wantActive: "openai",
		},
		{
			name:       "unsupported provider",
			keys:       map[string]string{"claude": "k"},
			register:   []string{"claude", "openai"},
			target:     "gemini",
			wantErr:    ErrUnsupportedProvider,
			wantReason: "Provider must be 'claude' or 'openai'",
			wantActive: "claude",
		},
		{
			name:       "missing credential",
			keys:       map[string]string{"claude": "k"},
			register:   []string{"claude", "openai"},
			target:     "openai",
			wantErr:    ErrMissingCredential,
			wantReason: "OPENAI_API_KEY not set in .env",
			wantActive: "claude",
		},
		{
			name:       "no implementation registered",
			keys:       map[string]string{"claude": "k", "openai": "sk"},
			register:   []string{"claude"},
			target:     "openai",
			wantErr:    ErrProviderUnavailable,
			wantActive: "claude",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clients := map[string]*fakeClient{}
			for _, name := range tc.register {
				if name == "claude" {
					clients[name] = claude
				} else {
					clients[name] = openai
				}
			}
			r := newTestRegistry(&fakeCreds{keys: tc.keys}, clients)
			if err := r.Init("claude"); err != nil {
				t.Fatalf("Init failed: %v", err)
			}

			err := r.Switch(tc.target)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if tc.wantReason != "" && err.Error() != tc.wantReason {
				t.Fatalf("expected reason %q, got %q", tc.wantReason, err.Error())
			}
			if r.Active() != tc.wantActive {
				t.Fatalf("expected active %q, got %q", tc.wantActive, r.Active())
			}
			if !r.Ready() {
				t.Fatal("active provider should still be ready")
			}
		})
	}
}

func TestSwitchReadsCredentialsAtSwitchTime(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{keys: map[string]string{}}
	r := newTestRegistry(creds, map[string]*fakeClient{
		config.ProviderClaude: {name: "claude", reply: "a"},
		config.ProviderOpenAI: {name: "openai", reply: "b"},
	})
	if err := r.Init("claude"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := r.Switch("openai"); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}

	creds.set(config.ProviderOpenAI, "sk-late")
	if err := r.Switch("openai"); err != nil {
		t.Fatalf("expected switch to succeed once key exists: %v", err)
	}
	if res := r.Generate(context.Background(), []domain.Turn{domain.UserTurn("x")}); res.Text != "b" {
		t.Fatalf("expected openai reply, got %+v", res)
	}
}

func TestSwitchFactoryError(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{keys: map[string]string{"claude": "k"}}
	r := NewRegistry(creds, Options{Logger: quietLogger()})
	r.RegisterFactory(config.ProviderClaude, func(config.Credential) (Client, error) {
		return nil, errors.New("bad key format")
	})
	if err := r.Init("claude"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if r.Ready() {
		t.Fatal("failed factory must leave provider unconfigured")
	}
	err := r.Switch("claude")
	if !errors.Is(err, ErrProviderUnavailable) || !strings.Contains(err.Error(), "bad key format") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestOnChangeObservers(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{keys: map[string]string{"openai": "sk"}}
	r := newTestRegistry(creds, map[string]*fakeClient{
		config.ProviderClaude: {name: "claude"},
		config.ProviderOpenAI: {name: "openai"},
	})

	type event struct {
		provider string
		ready    bool
	}
	var mu sync.Mutex
	var events []event
	r.OnChange(func(provider string, ready bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{provider, ready})
	})

	if err := r.Init("claude"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := r.Switch("openai"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []event{{"", false}, {"claude", false}, {"openai", true}}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: expected %+v, got %+v", i, want[i], events[i])
		}
	}
}
