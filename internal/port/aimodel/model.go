// Package aimodel defines the pluggable model backend port.
package aimodel

import "context"

// Usage counts tokens consumed by one generation call.
type Usage struct {
	Input  int
	Output int
}

// Options tune a single generation call.
type Options struct {
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Generator is the contract every model backend satisfies. The concrete
// backend (OpenAI, a LiteLLM proxy, a Gemini shim) is a collaborator; its
// internals are not part of this system. Implementations must honor ctx
// cancellation so execution timeouts stop wasted work.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (text string, usage Usage, err error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (string, Usage, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (string, Usage, error) {
	return f(ctx, prompt, opts)
}
