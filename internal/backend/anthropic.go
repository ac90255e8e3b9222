package backend

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/neboloop/warden/internal/config"
)

const anthropicDefaultMaxTokens = 8192

// anthropicGenerator runs completions against the Anthropic messages API.
type anthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// newAnthropicGenerator builds the generator from provider config.
// An empty api_key defers to the SDK's ANTHROPIC_API_KEY lookup.
func newAnthropicGenerator(cfg config.ProviderConfig) *anthropicGenerator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return &anthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (g *anthropicGenerator) id() string { return "anthropic" }

func (g *anthropicGenerator) generate(ctx context.Context, system string, msgs []message) (string, int64, int64, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  buildAnthropicMessages(msgs),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", 0, 0, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

func buildAnthropicMessages(msgs []message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		// Skip empty messages to avoid "text content blocks must be non-empty"
		if m.content == "" {
			continue
		}
		if m.role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.content)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.content)))
		}
	}
	return out
}
