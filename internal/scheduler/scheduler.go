// Package scheduler implements the Scheduler (C6): a periodic worker that
// polls due Schedules, creates one Run per distinct broker per tick, and
// advances each Schedule's next_run_at, grounded on
// original_source's engine/scheduler.py (ErasureScheduler) for tick
// semantics and on Heikkila-Pty-Ltd-cortex's internal/scheduler package
// for the Go tick-loop/leader-lock shape.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/muckitymuck/erasure-executor/internal/metrics"
	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/store"
)

// DefaultPollInterval matches spec.md §4.5's 300s default.
const DefaultPollInterval = 300 * time.Second

// runCreator loads a plan, recomputes its canonical hash, and persists a
// queued Run, returning the new run id. Wraps plan.Loader+plan.CanonicalHash
// +store.CreateRun the same way the API's run-launch endpoint will.
type runCreator func(planID string, params map[string]any, requestedBy string) (string, error)

// Scheduler runs the tick loop described in spec.md §4.5.
type Scheduler struct {
	store        *store.Store
	createRun    runCreator
	pollInterval time.Duration
	logger       *slog.Logger
	lock         leaderLock
}

// New builds a Scheduler backed by s and loader. A zero pollInterval is
// replaced with DefaultPollInterval.
func New(s *store.Store, loader *plan.Loader, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		createRun:    defaultRunCreator(s, loader),
		pollInterval: pollInterval,
		logger:       logger,
		lock:         noopLeaderLock{},
	}
}

// defaultRunCreator is the run-creation hook of spec.md §4.5 step 3.
func defaultRunCreator(s *store.Store, loader *plan.Loader) runCreator {
	return func(planID string, params map[string]any, requestedBy string) (string, error) {
		p, err := loader.Load(planID)
		if err != nil {
			return "", fmt.Errorf("scheduler: load plan %s: %w", planID, err)
		}
		hash, err := plan.CanonicalHash(p)
		if err != nil {
			return "", fmt.Errorf("scheduler: hash plan %s: %w", planID, err)
		}
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("scheduler: marshal params: %w", err)
		}
		run, err := s.CreateRun(uuid.NewString(), planID, hash, requestedBy, "", string(paramsJSON))
		if err != nil {
			return "", fmt.Errorf("scheduler: create run: %w", err)
		}
		return run.RunID, nil
	}
}

// Run blocks, ticking until ctx is canceled.
func (sch *Scheduler) Run(ctx context.Context) {
	sch.logger.Info("scheduler started", "poll_interval", sch.pollInterval)
	ticker := time.NewTicker(sch.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sch.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			sch.Tick(ctx)
		}
	}
}

// Tick performs one dispatch cycle: select due schedules, dedup by broker,
// create a run per survivor, advance next_run_at (spec.md §4.5 steps 1-4).
func (sch *Scheduler) Tick(ctx context.Context) {
	if err := sch.lock.Acquire(ctx); err != nil {
		sch.logger.Debug("scheduler tick: leader lock not acquired", "error", err)
		metrics.RecordSchedulerTick("skipped_not_leader")
		return
	}
	defer sch.lock.Release(ctx)

	due, err := sch.store.DueSchedules(time.Now())
	if err != nil {
		sch.logger.Error("scheduler tick: list due schedules failed", "error", err)
		return
	}
	metrics.RecordSchedulerTick("ran")
	if len(due) == 0 {
		return
	}

	seenBrokers := make(map[string]bool, len(due))
	dispatched := 0
	for _, sc := range due {
		if seenBrokers[sc.BrokerID] {
			continue
		}
		seenBrokers[sc.BrokerID] = true

		planID := "broker_" + sc.BrokerID
		runID, err := sch.createRun(planID, map[string]any{
			"profile_id": sc.ProfileID,
			"scan_type":  sc.ScanType,
		}, "scheduler")
		if err != nil {
			sch.logger.Error("scheduler tick: create run failed", "broker", sc.BrokerID, "schedule", sc.ScheduleID, "error", err)
			// Still advance to avoid infinite retry on a permanently broken
			// plan (spec.md §4.5 step 3).
			runID = "skipped-" + uuid.NewString()
		}

		if err := sch.store.AdvanceSchedule(sc.ScheduleID, runID, time.Now()); err != nil {
			sch.logger.Error("scheduler tick: advance schedule failed", "schedule", sc.ScheduleID, "error", err)
			continue
		}
		dispatched++
	}

	sch.logger.Info("scheduler tick complete", "due", len(due), "dispatched", dispatched)
}

// BootstrapProfile creates one Schedule per catalogued broker that
// declares a plan file, for a newly registered PII profile (spec.md
// §4.5 "Bootstrap"). Brokers without a plan_file (e.g. brokers that only
// support a manual/postal removal path) are skipped. A (broker, profile)
// pair that already has a schedule is found with
// store.GetScheduleByBrokerProfile, left alone, and not included in the
// returned ids.
func (sch *Scheduler) BootstrapProfile(profileID string, catalog *Catalog) ([]string, error) {
	now := time.Now()
	var scheduleIDs []string
	for _, b := range catalog.All() {
		if b.PlanFile == "" {
			continue
		}
		existing, err := sch.store.GetScheduleByBrokerProfile(b.ID, profileID)
		if err != nil {
			return scheduleIDs, fmt.Errorf("scheduler: check existing schedule for broker %s: %w", b.ID, err)
		}
		if existing != nil {
			continue
		}
		scheduleID := uuid.NewString()
		err = sch.store.CreateSchedule(&store.Schedule{
			ScheduleID:   scheduleID,
			BrokerID:     b.ID,
			ProfileID:    profileID,
			ScanType:     "discovery",
			NextRunAt:    now,
			IntervalDays: b.RecheckDays,
			Enabled:      true,
		})
		if err != nil {
			return scheduleIDs, fmt.Errorf("scheduler: bootstrap schedule for broker %s: %w", b.ID, err)
		}
		scheduleIDs = append(scheduleIDs, scheduleID)
	}
	sch.logger.Info("scheduler bootstrap complete", "profile", profileID, "schedules", len(scheduleIDs))
	return scheduleIDs, nil
}
