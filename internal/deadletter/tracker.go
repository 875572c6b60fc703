// Package deadletter implements the dead-letter controller (C7): a
// process-local, mutex-guarded counter of consecutive Run failures per
// broker, disabling every enabled Schedule for a broker once its failure
// streak crosses a threshold, grounded on
// original_source's engine/dead_letter.py and shaped the way cortex's
// internal/dispatch.RateLimiter wraps a *store.Store behind a sync.Mutex.
package deadletter

import (
	"log/slog"
	"sync"

	"github.com/muckitymuck/erasure-executor/internal/store"
)

// DefaultMaxConsecutiveFailures is the threshold at which a broker's
// schedules are disabled (spec §4.6).
const DefaultMaxConsecutiveFailures = 3

// Tracker counts consecutive failures per broker. Lost counters on
// restart are acceptable: the state is advisory, not authoritative (spec
// §5 "Shared resources").
type Tracker struct {
	store       *store.Store
	maxFailures int
	logger      *slog.Logger

	mu     sync.Mutex
	counts map[string]int
}

// New builds a Tracker backed by s. maxFailures <= 0 uses
// DefaultMaxConsecutiveFailures.
func New(s *store.Store, maxFailures int, logger *slog.Logger) *Tracker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: s, maxFailures: maxFailures, logger: logger, counts: make(map[string]int)}
}

// RecordSuccess resets a broker's consecutive failure count.
func (t *Tracker) RecordSuccess(brokerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, brokerID)
}

// RecordFailure increments a broker's consecutive failure count and, once
// the threshold is reached, disables every enabled Schedule for that
// broker. Returns true iff this call tipped the broker into dead-letter.
func (t *Tracker) RecordFailure(brokerID, runID, errMessage string) bool {
	t.mu.Lock()
	count := t.counts[brokerID] + 1
	t.counts[brokerID] = count
	t.mu.Unlock()

	t.logger.Warn("dead letter failure recorded",
		"broker_id", brokerID, "run_id", runID, "count", count, "max_failures", t.maxFailures,
		"error", truncate(errMessage, 200),
	)

	if count < t.maxFailures {
		return false
	}
	t.disableBroker(brokerID)
	return true
}

func (t *Tracker) disableBroker(brokerID string) {
	n, err := t.store.DisableSchedulesForBroker(brokerID)
	if err != nil {
		t.logger.Error("dead letter disable failed", "broker_id", brokerID, "error", err)
		return
	}
	t.logger.Error("broker dead-lettered",
		"broker_id", brokerID, "disabled_schedules", n, "max_failures", t.maxFailures,
	)
}

// FailureCount returns brokerID's current consecutive failure count.
func (t *Tracker) FailureCount(brokerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[brokerID]
}

// DeadLettered returns every broker id currently at or above the
// threshold.
func (t *Tracker) DeadLettered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for brokerID, count := range t.counts {
		if count >= t.maxFailures {
			out = append(out, brokerID)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
