// Package llm defines the Provider interface for the language-model backends
// used by caption post-processing. A provider wraps a remote or local model
// API and exposes single-shot completions without coupling callers to any
// specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the backend. Counts
// are in the model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything the model needs to produce a response.
type Request struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the user content.
	SystemPrompt string

	// Prompt is the user content driving the response.
	Prompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests
	// the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Response is a completed model reply.
type Response struct {
	Content string
	Usage   Usage
}

// Provider is a single-shot completion backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
