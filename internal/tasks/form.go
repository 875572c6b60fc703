package tasks

import (
	"encoding/base64"
	"fmt"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

// defaultOptOutHints are the heuristic keywords form.submit's detector
// falls back on when the plan supplies no explicit hints (spec §6
// form.submit: "keywords opt-out/remove/privacy/etc.").
var defaultOptOutHints = map[string]any{
	"keywords": []string{"opt-out", "opt out", "remove", "privacy", "do not sell", "delete my data"},
}

// handleFormSubmit detects a removal form, fills it from the task input,
// submits it, and screenshots before and after (spec §6 form.submit).
// Never idempotent by default; same transient classification as
// scrape.rendered.
func handleFormSubmit(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.Browser == nil || ec.Collabs.FormDetector == nil {
		return nil, fmt.Errorf("tasks: form.submit: Browser and FormDetector must both be configured")
	}
	b := ec.Collabs.Browser

	url, _ := ec.Input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("tasks: form.submit: input.url is required")
	}

	html, _, err := b.Navigate(ec.Context, url, "", ec.Task.EffectiveTimeoutMS())
	if err != nil {
		return nil, retry.NewTransient(err)
	}

	hints, _ := ec.Input["hints"].(map[string]any)
	if hints == nil {
		hints = defaultOptOutHints
	}
	form, err := ec.Collabs.FormDetector.Detect(html, hints)
	if err != nil {
		return nil, retry.NewFatal(fmt.Sprintf("form.submit: no removal form detected: %v", err))
	}

	before, err := b.Screenshot(ec.Context)
	if err != nil {
		return nil, retry.NewTransient(err)
	}

	values, _ := ec.Input["field_values"].(map[string]any)
	for selector, v := range values {
		value, _ := v.(string)
		if err := b.Fill(ec.Context, selector, value); err != nil {
			return nil, retry.NewTransient(err)
		}
	}
	for selector, value := range form.FieldValues {
		if err := b.Fill(ec.Context, selector, value); err != nil {
			return nil, retry.NewTransient(err)
		}
	}

	if err := b.Click(ec.Context, form.Selector, ""); err != nil {
		return nil, retry.NewTransient(err)
	}

	after, err := b.Screenshot(ec.Context)
	if err != nil {
		return nil, retry.NewTransient(err)
	}

	return map[string]any{
		"form_selector":       form.Selector,
		"screenshot_before_b64": base64.StdEncoding.EncodeToString(before),
		"screenshot_after_b64":  base64.StdEncoding.EncodeToString(after),
	}, nil
}
