package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/clm-relay/internal/config"
	"github.com/ashureev/clm-relay/internal/domain"
)

// Switch failures. Callers match them with errors.Is.
var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrMissingCredential   = errors.New("missing credential")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// FallbackReply is returned to the user when the provider call fails.
const FallbackReply = "I'm having trouble thinking right now. Could you try again?"

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 30 * time.Second

var providerLabels = map[string]string{
	config.ProviderClaude: "Claude",
	config.ProviderOpenAI: "OpenAI",
}

// Outcome classifies how a reply was produced.
type Outcome string

const (
	OutcomeGenerated    Outcome = "generated"
	OutcomeUnconfigured Outcome = "unconfigured"
	OutcomeFailed       Outcome = "failed"
)

// Result is the reply for one turn. Text is always safe to show the user.
type Result struct {
	Text     string
	Provider string
	Outcome  Outcome
	// Err is set when Outcome is OutcomeFailed.
	Err error
}

// Factory builds a Client from a credential.
type Factory func(cred config.Credential) (Client, error)

// CredentialSource resolves provider credentials.
type CredentialSource interface {
	Lookup(provider string) config.Credential
}

// SwitchError explains a rejected provider switch. Error returns the
// message shown to the operator.
type SwitchError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *SwitchError) Error() string { return e.Reason }

func (e *SwitchError) Unwrap() error { return e.Err }

// Options configures a Registry.
type Options struct {
	MaxTokens int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Registry owns the active provider selection and a live client per
// configured provider. The selection is read once at the start of every
// Generate call, so a concurrent Switch affects only later turns.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	clients   map[string]Client
	active    string
	observers []func(provider string, ready bool)

	creds     CredentialSource
	maxTokens int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Register factories before Init.
func NewRegistry(creds CredentialSource, opts Options) *Registry {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[string]Client),
		creds:     creds,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
	}
}

// NewDefaultRegistry returns a registry with both SDK-backed providers
// registered.
func NewDefaultRegistry(creds CredentialSource, opts Options) *Registry {
	r := NewRegistry(creds, opts)
	r.RegisterFactory(config.ProviderClaude, AnthropicFactory)
	r.RegisterFactory(config.ProviderOpenAI, OpenAIFactory)
	return r
}

// RegisterFactory makes a provider implementation available.
func (r *Registry) RegisterFactory(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Init selects the startup provider. A missing credential or a failing
// factory is logged and leaves the provider unconfigured; only an
// unsupported name is an error.
func (r *Registry) Init(provider string) error {
	name := normalizeProvider(provider)
	if !config.IsSupportedProvider(name) {
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}

	client, err := r.build(name)
	r.mu.Lock()
	r.active = name
	if err == nil {
		r.clients[name] = client
	} else {
		delete(r.clients, name)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("LLM provider not configured", "provider", name, "error", err)
	} else {
		r.logger.Info("LLM provider ready", "provider", name)
	}
	r.notify()
	return nil
}

// Switch makes provider the active selection after building a fresh client
// from the credentials currently in the environment. On error the previous
// selection stays active.
func (r *Registry) Switch(provider string) error {
	name := normalizeProvider(provider)
	if !config.IsSupportedProvider(name) {
		return &SwitchError{
			Provider: name,
			Reason:   fmt.Sprintf("Provider must be '%s' or '%s'", config.ProviderClaude, config.ProviderOpenAI),
			Err:      ErrUnsupportedProvider,
		}
	}

	client, err := r.build(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = name
	r.clients[name] = client
	r.mu.Unlock()

	r.logger.Info("Switched LLM provider", "from", previous, "to", name)
	r.notify()
	return nil
}

func (r *Registry) build(name string) (Client, error) {
	r.mu.RLock()
	factory := r.factories[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, &SwitchError{
			Provider: name,
			Reason:   fmt.Sprintf("%s client is not available in this build", providerLabels[name]),
			Err:      ErrProviderUnavailable,
		}
	}

	cred := r.creds.Lookup(name)
	if !cred.Present() {
		return nil, &SwitchError{
			Provider: name,
			Reason:   fmt.Sprintf("%s not set in .env", cred.KeyVar),
			Err:      ErrMissingCredential,
		}
	}

	client, err := factory(cred)
	if err != nil {
		return nil, &SwitchError{
			Provider: name,
			Reason:   fmt.Sprintf("Failed to initialise %s client: %v", providerLabels[name], err),
			Err:      fmt.Errorf("%w: %w", ErrProviderUnavailable, err),
		}
	}
	return client, nil
}

// Active returns the selected provider name.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Ready reports whether the active provider has a live client.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[r.active] != nil
}

// OnChange registers fn to be called after every Init or successful Switch.
// fn is also called immediately with the current state.
func (r *Registry) OnChange(fn func(provider string, ready bool)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	provider, ready := r.active, r.clients[r.active] != nil
	r.mu.Unlock()
	fn(provider, ready)
}

func (r *Registry) notify() {
	r.mu.RLock()
	observers := append([]func(string, bool){}, r.observers...)
	provider, ready := r.active, r.clients[r.active] != nil
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(provider, ready)
	}
}

// Generate produces the reply for turns using the provider that is active
// when the call starts. It never returns an error: failures are reported
// through Result.Outcome and replaced by user-facing text.
func (r *Registry) Generate(ctx context.Context, turns []domain.Turn) Result {
	r.mu.RLock()
	name := r.active
	client := r.clients[name]
	r.mu.RUnlock()

	if client == nil {
		cred := r.creds.Lookup(name)
		return Result{
			Text:     fmt.Sprintf("%s API not configured. Set %s in .env", providerLabels[name], cred.KeyVar),
			Provider: name,
			Outcome:  OutcomeUnconfigured,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := client.Complete(callCtx, Request{
		System:    SystemPrompt,
		Turns:     turns,
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		r.logger.Error("LLM call failed", "provider", name, "error", err)
		return Result{
			Text:     FallbackReply,
			Provider: name,
			Outcome:  OutcomeFailed,
			Err:      err,
		}
	}

	return Result{Text: text, Provider: name, Outcome: OutcomeGenerated}
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
