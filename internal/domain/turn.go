// Package domain contains core domain types for the CLM relay.
package domain

// Role identifies the speaker of a conversation turn.
type Role string

const (
	// RoleUser marks a turn spoken by the person talking to the assistant.
	RoleUser Role = "user"
	// RoleAssistant marks a turn generated by the language model.
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation history. Turns are never modified
// after they are appended; their order is the literal prompt context.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserTurn returns a user turn with the given content.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn returns an assistant turn with the given content.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}
