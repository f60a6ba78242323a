// Package llm defines the Provider interface for language-model backends.
//
// The relay asks for one non-streaming completion per user turn. Concrete
// backends live in sub-packages (gemini, anyllm, openai) and are selected by
// configuration.
package llm

import (
	"context"
	"errors"
)

// ErrNoText is returned when the backend answered successfully but the reply
// carried no usable text.
var ErrNoText = errors.New("llm: response contained no text")

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting reported by the backend. Zero values mean the
// backend did not report them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must not be empty; the last entry is the user's turn.
type CompletionRequest struct {
	Messages []Message

	// SystemPrompt is an optional instruction placed ahead of Messages.
	SystemPrompt string

	// Temperature controls randomness. Zero lets the backend decide.
	Temperature float64

	// MaxTokens caps the reply length. Zero lets the backend decide.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is implemented by every language-model backend. Implementations
// must be safe for concurrent use and return promptly when ctx is done.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Prompt builds a request holding a single user message.
func Prompt(text string) CompletionRequest {
	return CompletionRequest{Messages: []Message{{Role: RoleUser, Content: text}}}
}
