package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompatibleLLMClient drives llm.json against any OpenAI-compatible
// chat completions endpoint (provider=openai_compatible), demanding
// JSON-object output via ResponseFormat.
type OpenAICompatibleLLMClient struct {
	client openai.Client
	model  string
}

// NewOpenAICompatibleLLMClient builds a client pointed at baseURL (empty
// uses the default OpenAI endpoint) with the given model id.
func NewOpenAICompatibleLLMClient(apiKey, baseURL, model string) *OpenAICompatibleLLMClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompatibleLLMClient{client: openai.NewClient(opts...), model: model}
}

// CompleteJSON requests a JSON-object completion and decodes it.
func (c *OpenAICompatibleLLMClient) CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (map[string]any, error) {
	system := fmt.Sprintf("Respond with ONLY a single JSON object matching this JSON Schema, no prose:\n%s", marshalSchema(schema))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: llm.json: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("tasks: llm.json: no completion choices returned")
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("tasks: llm.json: reply is not valid JSON: %w", err)
	}
	return out, nil
}
