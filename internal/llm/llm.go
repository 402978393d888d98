// Package llm adapts text-generation providers behind a single Client
// interface and tracks which provider is active.
package llm

import (
	"context"

	"github.com/ashureev/clm-relay/internal/domain"
)

// SystemPrompt is the persona sent with every generation request.
const SystemPrompt = `You are a helpful, empathetic voice assistant, part of a voice pipeline demo that shows how AI systems compose together.

Keep your responses concise and conversational, since they will be spoken aloud. Aim for 1-3 sentences unless the user asks for detail.

You may receive emotion/prosody data detected from the user's voice. Use this context naturally: if someone sounds stressed, acknowledge it gently; if they sound excited, match their energy. Don't explicitly say "I detect you are feeling X" unless it's natural to do so.`

// DefaultMaxTokens bounds the length of a generated reply.
const DefaultMaxTokens = 300

// Request is one generation call: the system instruction plus the full
// ordered history, ending with the latest user turn.
type Request struct {
	System    string
	Turns     []domain.Turn
	MaxTokens int
}

// Client generates a reply from a conversation history.
type Client interface {
	// Name returns the provider name the client serves.
	Name() string
	// Complete returns the generated text for req.
	Complete(ctx context.Context, req Request) (string, error)
}
