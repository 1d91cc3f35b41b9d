// Package llm provides the chat model client.
package llm

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client completes a conversation. There is no structured-output
// guarantee: the reply is free text.
type Client interface {
	// Complete sends messages and returns the model's reply text.
	Complete(ctx context.Context, messages []Message) (string, error)

	// Ping checks if the model endpoint is reachable.
	Ping(ctx context.Context) error
}
