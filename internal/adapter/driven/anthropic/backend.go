// Package anthropic implements the SummaryBackend port with the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SummaryBackend = (*Backend)(nil)

const systemPrompt = "You write short digests of work activity for a chat message. " +
	"Answer with the digest only, in markdown, without a heading."

// Config configures the backend.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string       // empty uses the public API
	HTTP      *http.Client // nil uses the SDK default
}

// Backend calls the Messages API once per Summarize; the summarizer owns
// timeouts and fallback, so SDK retries are disabled.
type Backend struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewBackend creates a Backend.
func NewBackend(cfg Config) *Backend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTP != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTP))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	return &Backend{
		client:    sdk.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Summarize sends prompt as a single user message and returns the text blocks
// of the reply.
func (b *Backend) Summarize(ctx context.Context, prompt string) (string, error) {
	msg, err := b.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(b.model),
		MaxTokens: b.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("anthropic messages returned %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	slog.Debug("anthropic summary received",
		"model", msg.Model,
		"stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)

	if text.Len() == 0 {
		return "", errors.New("anthropic reply contained no text")
	}
	return text.String(), nil
}
