package backend

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/neboloop/warden/internal/config"
)

// openaiGenerator runs completions against the OpenAI chat API.
type openaiGenerator struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// newOpenAIGenerator builds the generator from provider config.
// An empty api_key defers to the SDK's OPENAI_API_KEY lookup.
func newOpenAIGenerator(cfg config.ProviderConfig) *openaiGenerator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &openaiGenerator{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (g *openaiGenerator) id() string { return "openai" }

func (g *openaiGenerator) generate(ctx context.Context, system string, msgs []message) (string, int64, int64, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: buildOpenAIMessages(system, msgs),
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(g.maxTokens)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", 0, 0, err
	}

	var reply string
	if len(resp.Choices) > 0 {
		reply = resp.Choices[0].Message.Content
	}
	return reply, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

func buildOpenAIMessages(system string, msgs []message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.content == "" {
			continue
		}
		if m.role == "assistant" {
			out = append(out, openai.AssistantMessage(m.content))
		} else {
			out = append(out, openai.UserMessage(m.content))
		}
	}
	return out
}
