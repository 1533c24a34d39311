// Package openai implements the model generator port against any
// OpenAI-compatible chat completion endpoint, including a LiteLLM proxy.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/litree/labsos/internal/port/aimodel"
)

// Generator wraps a go-openai client as an aimodel.Generator.
type Generator struct {
	client       *goopenai.Client
	defaultModel string
}

// New creates a Generator. baseURL may point at the OpenAI API or any
// compatible proxy; defaultModel is used when the call options name none.
func New(baseURL, apiKey, defaultModel string) *Generator {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Generator{
		client:       goopenai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

// Generate runs one chat completion. Cancellation of ctx aborts the
// request in flight.
func (g *Generator) Generate(ctx context.Context, prompt string, opts aimodel.Options) (string, aimodel.Usage, error) {
	model := opts.Model
	if model == "" {
		model = g.defaultModel
	}

	var messages []goopenai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", aimodel.Usage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", aimodel.Usage{}, fmt.Errorf("chat completion: empty choices")
	}

	usage := aimodel.Usage{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
