package tasks

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// handleQueueHumanAction enqueues a human-handoff item and succeeds
// immediately with its queue id (spec §6 queue.human_action). Idempotent;
// never transient.
func handleQueueHumanAction(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.HumanQueue == nil {
		return nil, fmt.Errorf("tasks: queue.human_action: no HumanActionEnqueuer configured")
	}

	brokerID, _ := ec.Input["broker_id"].(string)
	listingID, _ := ec.Input["listing_id"].(string)
	actionNeeded, _ := ec.Input["action_needed"].(string)
	instructions, _ := ec.Input["instructions"].(string)
	priority, _ := ec.Input["priority"].(float64)

	itemID := uuid.NewString()
	if err := ec.Collabs.HumanQueue.EnqueueHumanAction(itemID, brokerID, listingID, actionNeeded, instructions, int(priority)); err != nil {
		return nil, fmt.Errorf("tasks: queue.human_action: enqueue: %w", err)
	}
	return map[string]any{"queue_item_id": itemID, "action_needed": actionNeeded}, nil
}

// handleCaptchaSolve wraps queue.human_action for a CAPTCHA challenge,
// attaching a screenshot reference (spec §6 captcha.solve). Shares the
// same human action queue.
func handleCaptchaSolve(ec ExecutionContext) (map[string]any, error) {
	delegateInput := map[string]any{
		"broker_id":     ec.Input["broker_id"],
		"listing_id":    ec.Input["listing_id"],
		"action_needed": "captcha",
		"instructions":  "Solve the CAPTCHA challenge and resume the run.",
		"priority":      ec.Input["priority"],
	}

	out, err := handleQueueHumanAction(ExecutionContext{
		Context: ec.Context, RunID: ec.RunID, Task: ec.Task,
		Input: delegateInput, RefScope: ec.RefScope, Collabs: ec.Collabs, Logger: ec.Logger, Timeout: ec.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if shotB64, ok := ec.Input["screenshot_base64"].(string); ok && shotB64 != "" {
		if _, err := base64.StdEncoding.DecodeString(shotB64); err == nil {
			out["screenshot_base64"] = shotB64
		}
	}
	return out, nil
}
