package tasks

import (
	"time"
)

// maxInlineWait is the spec §6 inline-sleep ceiling; longer delays return a
// deferred resume_at marker instead of blocking the runner.
const maxInlineWait = 300 * time.Second

// handleWaitDelay sleeps inline for short delays or defers longer ones
// (spec §6 wait.delay). Idempotent; never fails.
func handleWaitDelay(ec ExecutionContext) (map[string]any, error) {
	seconds, _ := ec.Input["seconds"].(float64)
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds) * time.Second

	if d <= maxInlineWait {
		select {
		case <-time.After(d):
		case <-ec.Context.Done():
		}
		return map[string]any{"waited_seconds": seconds, "deferred": false}, nil
	}

	return map[string]any{
		"deferred":  true,
		"resume_at": time.Now().Add(d).UTC().Format(time.RFC3339),
	}, nil
}
