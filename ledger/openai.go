package ledger

import (
	"context"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/errors"
)

// OpenAIAnswerer answers questions through the OpenAI chat completions
// API. Each call is bounded by the configured request timeout.
type OpenAIAnswerer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewOpenAIAnswerer creates an answerer, or nil when no credential is
// configured so the ledger degrades to store-only mode.
func NewOpenAIAnswerer(cfg config.Answering) *OpenAIAnswerer {
	if !cfg.Enabled() {
		return nil
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIAnswerer{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.RequestTimeout,
	}
}

// Ask implements Answerer.
func (a *OpenAIAnswerer) Ask(ctx context.Context, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		return "", errors.WrapTransient(err, "OpenAIAnswerer", "Ask", "chat completion")
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
