package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLMClient drives llm.json through the Anthropic Messages API,
// demanding JSON-only output by embedding the schema in the system prompt
// (the Messages API has no dedicated JSON-schema response mode).
type AnthropicLLMClient struct {
	client *sdk.Client
	model  string
}

// NewAnthropicLLMClient builds a client from an API key and model id (for
// example sdk.ModelClaudeSonnet4_5_20250929).
func NewAnthropicLLMClient(apiKey, model string) *AnthropicLLMClient {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicLLMClient{client: &c, model: model}
}

// CompleteJSON asks Claude to answer strictly with JSON matching schema and
// decodes the reply.
func (a *AnthropicLLMClient) CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (map[string]any, error) {
	system := fmt.Sprintf("Respond with ONLY a single JSON object matching this JSON Schema, no prose:\n%s", marshalSchema(schema))

	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 4096,
		System: []sdk.TextBlockParam{
			{Text: system},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: llm.json: anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("tasks: llm.json: anthropic reply is not valid JSON: %w", err)
	}
	return out, nil
}
