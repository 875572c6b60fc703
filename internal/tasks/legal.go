package tasks

import (
	"bytes"
	"fmt"
	"text/template"
)

// handleLegalGenerate renders a named legal letter template against the
// decrypted profile, optionally post-processing the draft through
// llm.json (spec §6 legal.generate_request). Idempotent; never transient.
func handleLegalGenerate(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.LegalTemplates == nil || ec.Collabs.Vault == nil {
		return nil, fmt.Errorf("tasks: legal.generate_request: LegalTemplateRenderer and PIIVault must both be configured")
	}

	templateName, _ := ec.Input["template"].(string)
	if templateName == "" {
		return nil, fmt.Errorf("tasks: legal.generate_request: input.template is required")
	}
	profileID, _ := ec.Input["profile_id"].(string)
	if profileID == "" {
		return nil, fmt.Errorf("tasks: legal.generate_request: input.profile_id is required")
	}

	profile, err := ec.Collabs.Vault.Decrypt(ec.Context, profileID)
	if err != nil {
		return nil, fmt.Errorf("tasks: legal.generate_request: decrypt profile: %w", err)
	}

	letter, err := ec.Collabs.LegalTemplates.Render(templateName, profile)
	if err != nil {
		return nil, fmt.Errorf("tasks: legal.generate_request: render: %w", err)
	}

	postProcess, _ := ec.Input["post_process_with_llm"].(bool)
	if postProcess && ec.Collabs.LLM != nil {
		out, err := handleLLMJSON(ExecutionContext{
			Context: ec.Context, RunID: ec.RunID, Task: ec.Task,
			Input: map[string]any{
				"prompt": fmt.Sprintf("Tighten this legal removal letter without changing its legal meaning:\n\n%s", letter),
				"schema": map[string]any{
					"type":       "object",
					"required":   []any{"letter"},
					"properties": map[string]any{"letter": map[string]any{"type": "string"}},
				},
			},
			RefScope: ec.RefScope, Collabs: ec.Collabs, Logger: ec.Logger, Timeout: ec.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("tasks: legal.generate_request: llm post-process: %w", err)
		}
		if result, ok := out["result"].(map[string]any); ok {
			if revised, ok := result["letter"].(string); ok && revised != "" {
				letter = revised
			}
		}
	}

	return map[string]any{"template": templateName, "letter": letter}, nil
}

// TextTemplateRenderer is the default LegalTemplateRenderer, rendering
// named letter bodies with stdlib text/template (the renderer's template
// catalogue is out of core scope, spec.md §1).
type TextTemplateRenderer struct {
	Templates map[string]string
}

// Render executes the named template against profile.
func (r TextTemplateRenderer) Render(templateName string, profile map[string]any) (string, error) {
	body, ok := r.Templates[templateName]
	if !ok {
		return "", fmt.Errorf("legal: unknown template %q", templateName)
	}
	tmpl, err := template.New(templateName).Parse(body)
	if err != nil {
		return "", fmt.Errorf("legal: parse template %q: %w", templateName, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, profile); err != nil {
		return "", fmt.Errorf("legal: execute template %q: %w", templateName, err)
	}
	return buf.String(), nil
}
