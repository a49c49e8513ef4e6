package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/iambrandonn/orca/internal/protocol"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 1024
)

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint. Used by tests.
	BaseURL string
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	hasKey    bool
}

// NewAnthropic creates a Model backed by the official client.
func NewAnthropic(opts AnthropicOptions) *Anthropic {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Anthropic{
		client:    &client,
		model:     anthropic.Model(opts.Model),
		maxTokens: opts.MaxTokens,
		hasKey:    opts.APIKey != "",
	}
}

// Complete sends the conversation and returns the concatenated text blocks.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	if !a.hasKey {
		return "", ErrNoCredential
	}

	msgs := normalize(req.Messages)
	if len(msgs) == 0 {
		return "", fmt.Errorf("anthropic: no user message to send")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(msgs)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == protocol.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
