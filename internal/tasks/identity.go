package tasks

import (
	"fmt"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

// handleMatchIdentity decrypts the run's PII profile and scores it against
// each candidate listing (spec §6 match.identity). Idempotent; failures
// are never transient.
func handleMatchIdentity(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.IdentityMatcher == nil || ec.Collabs.Vault == nil {
		return nil, fmt.Errorf("tasks: match.identity: IdentityMatcher and PIIVault must both be configured")
	}

	profileID, _ := ec.Input["profile_id"].(string)
	if profileID == "" {
		return nil, fmt.Errorf("tasks: match.identity: input.profile_id is required")
	}
	profile, err := ec.Collabs.Vault.Decrypt(ec.Context, profileID)
	if err != nil {
		return nil, retry.NewFatal(fmt.Sprintf("match.identity: decrypt profile: %v", err))
	}

	listingsRaw, _ := ec.Input["listings"].([]any)
	results := make([]map[string]any, 0, len(listingsRaw))
	for _, raw := range listingsRaw {
		listing, _ := raw.(map[string]any)
		res, err := ec.Collabs.IdentityMatcher.Match(listing, profile)
		if err != nil {
			return nil, retry.NewFatal(fmt.Sprintf("match.identity: matcher: %v", err))
		}
		results = append(results, map[string]any{
			"listing":    listing,
			"confidence": res.Confidence,
			"matched":    res.Matched,
			"fields":     res.Fields,
		})
	}
	return map[string]any{"results": results}, nil
}
