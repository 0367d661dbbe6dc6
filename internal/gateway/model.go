package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// NewModel returns the completion model selected by cfg.Model's provider
// prefix ("openai/", "anthropic/" or "ollama/").
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	name := cfg.ModelName()
	switch cfg.Provider() {
	case "openai":
		opts := []openai.Option{openai.WithModel(name)}
		if cfg.Key.IsSet() {
			opts = append(opts, openai.WithToken(cfg.Key.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(name)}
		if cfg.Key.IsSet() {
			opts = append(opts, anthropic.WithToken(cfg.Key.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(name)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider())
	}
}

// WarmUp sends one short completion so a local model is loaded before the
// first conversation needs it.
func WarmUp(ctx context.Context, model llms.Model, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := llms.GenerateFromSinglePrompt(ctx, model, "Reply with OK.", llms.WithMaxTokens(4)); err != nil {
		return fmt.Errorf("warming up model: %w", err)
	}
	return nil
}
