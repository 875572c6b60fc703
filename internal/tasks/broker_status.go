package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// handleBrokerUpdateStatus composes a status-update record and persists it
// through the Store (REDESIGN FLAGS, DESIGN.md): it advances a listing's
// state machine and, when a removal_action block is present, records the
// attempt too. Idempotent; failures are never transient.
func handleBrokerUpdateStatus(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.BrokerStore == nil {
		return nil, fmt.Errorf("tasks: broker.update_status: no BrokerStatusStore configured")
	}

	brokerID, _ := ec.Input["broker_id"].(string)
	profileID, _ := ec.Input["profile_id"].(string)
	status, _ := ec.Input["status"].(string)
	if brokerID == "" || profileID == "" || status == "" {
		return nil, fmt.Errorf("tasks: broker.update_status: broker_id, profile_id and status are required")
	}

	recheckAfter := time.Now().Add(30 * 24 * time.Hour)
	if days, ok := ec.Input["recheck_after_days"].(float64); ok && days > 0 {
		recheckAfter = time.Now().Add(time.Duration(days) * 24 * time.Hour)
	}

	listingID, err := ec.Collabs.BrokerStore.UpsertBrokerListingStatus(brokerID, profileID, status, recheckAfter)
	if err != nil {
		return nil, fmt.Errorf("tasks: broker.update_status: upsert listing: %w", err)
	}

	out := map[string]any{"listing_id": listingID, "status": status}

	if action, ok := ec.Input["removal_action"].(map[string]any); ok {
		actionID := uuid.NewString()
		actionType, _ := action["type"].(string)
		actionStatus, _ := action["status"].(string)
		detail, _ := action["detail"].(string)
		if err := ec.Collabs.BrokerStore.RecordRemovalAction(actionID, listingID, brokerID, profileID, actionType, actionStatus, detail); err != nil {
			return nil, fmt.Errorf("tasks: broker.update_status: record removal action: %w", err)
		}
		out["removal_action_id"] = actionID
	}

	return out, nil
}
