package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

// handleLLMJSON demands a JSON-only completion validated against the
// task's embedded schema (spec §6 llm.json). Idempotent; HTTP-shaped
// transient classification, same as http.request.
func handleLLMJSON(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.LLM == nil {
		return nil, fmt.Errorf("tasks: llm.json: no LLMClient configured")
	}

	prompt, _ := ec.Input["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("tasks: llm.json: input.prompt is required")
	}
	schema, _ := ec.Input["schema"].(map[string]any)

	out, err := ec.Collabs.LLM.CompleteJSON(ec.Context, prompt, schema)
	if err != nil {
		return nil, retry.NewTransient(err)
	}
	if len(schema) > 0 {
		var docs [2]any
		for i, v := range []any{schema, out} {
			b, _ := json.Marshal(v)
			_ = json.Unmarshal(b, &docs[i])
		}
		c := jsonschema.NewCompiler()
		err := c.AddResource("llm-output.json", docs[0])
		var compiled *jsonschema.Schema
		if err == nil {
			compiled, err = c.Compile("llm-output.json")
		}
		if err == nil {
			err = compiled.Validate(docs[1])
		}
		if err != nil {
			return nil, retry.NewFatal(fmt.Sprintf("llm.json: reply does not satisfy schema: %v", err))
		}
	}
	return map[string]any{"result": out}, nil
}

// MockLLMClient is the deterministic provider=mock stand-in, ported from
// `_placeholder_for_schema` in the Python original: it walks the schema's
// declared properties and fills each with a type-appropriate zero value,
// so downstream tasks get a well-shaped result without a network call.
type MockLLMClient struct{}

// CompleteJSON ignores prompt and returns a placeholder document shaped by
// schema.
func (MockLLMClient) CompleteJSON(_ context.Context, prompt string, schema map[string]any) (map[string]any, error) {
	return placeholderForSchema(schema), nil
}

func placeholderForSchema(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(props))
	for name, rawProp := range props {
		prop, _ := rawProp.(map[string]any)
		out[name] = placeholderForType(prop)
	}
	return out
}

func placeholderForType(prop map[string]any) any {
	switch prop["type"] {
	case "string":
		return ""
	case "integer", "number":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		items, _ := prop["properties"].(map[string]any)
		if items == nil {
			return map[string]any{}
		}
		return placeholderForSchema(prop)
	default:
		return nil
	}
}

// marshalSchema is a small helper the SDK-backed clients use to embed the
// schema in their system prompt when the provider has no native
// JSON-schema response mode.
func marshalSchema(schema map[string]any) string {
	b, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(b)
}
