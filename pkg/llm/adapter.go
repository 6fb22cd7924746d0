// Package llm defines the chat completion collaborator used by the split
// STT, LLM and TTS pipeline.
package llm

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	System   string
	Messages []Message
	// MaxTokens caps the reply; zero leaves the provider default.
	MaxTokens int
}

// Completer produces one assistant reply for a conversation.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
