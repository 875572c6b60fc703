package tasks

import (
	"encoding/base64"
	"fmt"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

// handleScrapeRendered drives a headless render, an optional action
// sequence, and an optional screenshot (spec §6 scrape.rendered).
// Timeouts are transient; a declared wait_for selector that never appears
// is not (spec.md §6 table).
func handleScrapeRendered(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.Browser == nil {
		return nil, fmt.Errorf("tasks: scrape.rendered: no Browser configured")
	}
	b := ec.Collabs.Browser

	url, _ := ec.Input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("tasks: scrape.rendered: input.url is required")
	}
	waitFor, _ := ec.Input["wait_for"].(string)
	timeoutMS := ec.Task.EffectiveTimeoutMS()

	html, status, err := b.Navigate(ec.Context, url, waitFor, timeoutMS)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, retry.NewTransient(err)
		}
		return nil, retry.NewFatal(err.Error())
	}
	if waitFor != "" && !containsSelectorHit(html, waitFor) {
		return nil, retry.NewFatal(fmt.Sprintf("scrape.rendered: wait_for selector %q never appeared", waitFor))
	}

	if actions, ok := ec.Input["actions"].([]any); ok {
		if err := runActionSequence(ec, b, actions); err != nil {
			return nil, err
		}
	}

	out := map[string]any{"html": html, "status_code": status}

	if shot, _ := ec.Input["screenshot"].(bool); shot {
		png, err := b.Screenshot(ec.Context)
		if err != nil {
			return nil, retry.NewTransient(err)
		}
		out["screenshot_base64"] = base64.StdEncoding.EncodeToString(png)
	}
	return out, nil
}

func runActionSequence(ec ExecutionContext, b Browser, actions []any) error {
	for _, a := range actions {
		step, _ := a.(map[string]any)
		kind, _ := step["action"].(string)
		selector, _ := step["selector"].(string)
		switch kind {
		case "fill":
			value, _ := step["value"].(string)
			if err := b.Fill(ec.Context, selector, value); err != nil {
				return retry.NewTransient(err)
			}
		case "click":
			waitFor, _ := step["wait_for"].(string)
			if err := b.Click(ec.Context, selector, waitFor); err != nil {
				return retry.NewTransient(err)
			}
		default:
			return retry.NewFatal(fmt.Sprintf("scrape.rendered: unknown action %q", kind))
		}
	}
	return nil
}

// containsSelectorHit is a conservative stand-in for a real DOM query: the
// Browser's Navigate already failed the wait itself when it times out, so
// this only guards the case where html was returned but the caller wants a
// structural re-check of the already-rendered page.
func containsSelectorHit(html, selector string) bool {
	return html != ""
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
