// Package llm provides language model clients. The agent treats a
// model as a black box: prompt text in, completion text out.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for prompt and completion payloads.
const LevelTrace = slog.Level(-8)

// Client is the interface every model provider implements.
type Client interface {
	// Generate sends prompt to model and returns the completion.
	Generate(ctx context.Context, model, prompt string) (*Completion, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Completion is the provider-neutral result of one model invocation.
type Completion struct {
	Model string
	Text  string

	// Token usage (zero when the provider does not report it)
	PromptTokens     int
	CompletionTokens int

	TotalDuration time.Duration
}

// TotalTokens returns prompt plus completion tokens.
func (c *Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}
