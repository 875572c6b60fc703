// Package runner implements the Runner (C5): one goroutine per runner
// process identity, claiming and driving Runs to completion via a 1s tick
// loop, grounded on original_source's engine/runner.py and ticked the way
// cortex's chief monitor loop structures a time.Ticker + context
// cancellation (internal/chief/chief.go).
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muckitymuck/erasure-executor/internal/apperrors"
	"github.com/muckitymuck/erasure-executor/internal/deadletter"
	"github.com/muckitymuck/erasure-executor/internal/metrics"
	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/ref"
	"github.com/muckitymuck/erasure-executor/internal/retry"
	"github.com/muckitymuck/erasure-executor/internal/store"
	"github.com/muckitymuck/erasure-executor/internal/tasks"
)

// Config is the subset of executor configuration the runner needs at
// every tick (spec §4.4).
type Config struct {
	PlansRoot           string
	ArtifactsRoot       string
	MaxConcurrentRuns   int
	DefaultTimeoutMS    int
	RunTimeoutMS        int
	RunClaimTTL         time.Duration
	SideEffectsRequireApproval bool
	RetryPolicy         retry.Policy
}

// Runner owns one claim identity and drives the control loop until its
// context is canceled.
type Runner struct {
	store      *store.Store
	loader     *plan.Loader
	dispatcher *tasks.Dispatcher
	collabs    *tasks.Collaborators
	cfg        Config
	logger     *slog.Logger
	runnerID   string
	deadLetter *deadletter.Tracker
}

// New builds a Runner with a fresh runner identity. deadLetter may be nil,
// in which case terminal task-execution failures are not reported to any
// dead-letter tracker.
func New(s *store.Store, loader *plan.Loader, dispatcher *tasks.Dispatcher, collabs *tasks.Collaborators, cfg Config, logger *slog.Logger, deadLetter *deadletter.Tracker) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store: s, loader: loader, dispatcher: dispatcher, collabs: collabs, cfg: cfg,
		logger: logger, runnerID: uuid.NewString(), deadLetter: deadLetter,
	}
}

// brokerIDFromPlanID recovers the broker_id a scheduled run's plan_id was
// built from (spec §4.5 step 3: `plan_id = "broker_" + broker_id`). Runs
// launched directly against an arbitrary plan id have no broker and report
// "".
func brokerIDFromPlanID(planID string) string {
	brokerID, ok := strings.CutPrefix(planID, "broker_")
	if !ok {
		return ""
	}
	return brokerID
}

// Run blocks, ticking the control loop every second until ctx is canceled
// (spec §4.4's "one-second idle between control-loop iterations").
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started", "runner_id", r.runnerID)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopped", "runner_id", r.runnerID)
			return
		case <-ticker.C:
			if err := r.processOnce(ctx); err != nil {
				r.logger.Error("runner tick error", "runner_id", r.runnerID, "error", err)
			}
		}
	}
}

func (r *Runner) leaseTTL() time.Duration {
	if r.cfg.RunClaimTTL < 30*time.Second {
		return 30 * time.Second
	}
	return r.cfg.RunClaimTTL
}

// processOnce claims at most one run and drives it, mirroring
// runner.py's _process_once: a blocked run with no more pending approvals
// is unblocked back to queued before execution.
func (r *Runner) processOnce(ctx context.Context) error {
	candidateLimit := r.cfg.MaxConcurrentRuns * 4
	if candidateLimit < 1 {
		candidateLimit = 4
	}

	candidates, err := r.store.ClaimCandidates(candidateLimit)
	if err != nil {
		return fmt.Errorf("runner: list claim candidates: %w", err)
	}

	var claimed *store.Run
	for _, candidate := range candidates {
		ok, err := r.store.TryClaim(candidate.RunID, r.runnerID, r.leaseTTL())
		if err != nil {
			return fmt.Errorf("runner: claim %s: %w", candidate.RunID, err)
		}
		if ok {
			run, err := r.store.GetRun(candidate.RunID)
			if err != nil {
				return fmt.Errorf("runner: reload claimed run %s: %w", candidate.RunID, err)
			}
			claimed = run
			break
		}
	}
	if claimed == nil {
		return nil
	}

	if claimed.Status == store.RunBlockedForApproval {
		pending, err := r.store.ListPendingApprovals(claimed.RunID)
		if err != nil {
			return fmt.Errorf("runner: list pending approvals for %s: %w", claimed.RunID, err)
		}
		if len(pending) > 0 {
			return r.store.ClearClaim(claimed.RunID)
		}
		if err := r.store.Unblock(claimed.RunID); err != nil {
			return fmt.Errorf("runner: unblock %s: %w", claimed.RunID, err)
		}
	}

	r.executeRun(ctx, claimed)
	return nil
}

func (r *Runner) runTimedOut(run *store.Run) bool {
	if !run.StartedAt.Valid {
		return false
	}
	elapsed := time.Since(run.StartedAt.Time)
	return elapsed.Milliseconds() > int64(r.cfg.RunTimeoutMS)
}

func (r *Runner) finishFailed(runID, code, message string) {
	if err := r.store.FinishRun(runID, store.RunFailed, code, message, ""); err != nil {
		r.logger.Error("runner: failed to persist failure", "run_id", runID, "error", err)
		return
	}
	metrics.RecordRunFinished(string(store.RunFailed), -1)
}

// executeRun is the per-task loop from runner.py's _execute_run, preserved
// step for step: renew claim, plan-hash recheck, timeout check, dependency
// gate, approval gate, dispatch with retry, artifact persistence, terminal
// transitions.
func (r *Runner) executeRun(ctx context.Context, run *store.Run) {
	if !r.renewOrAbort(run) {
		return
	}

	p, err := r.loader.Load(run.PlanID)
	if err != nil {
		r.finishFailed(run.RunID, string(apperrors.PlanNotFound), err.Error())
		return
	}
	hash, err := plan.CanonicalHash(p)
	if err != nil {
		r.finishFailed(run.RunID, string(apperrors.TaskExecutionFailed), fmt.Sprintf("compute canonical hash: %v", err))
		return
	}
	if hash != run.PlanHash {
		r.finishFailed(run.RunID, string(apperrors.PlanHashMismatch), "plan definition changed after run creation")
		return
	}

	if !run.StartedAt.Valid {
		if err := r.store.MarkRunning(run.RunID); err != nil {
			r.logger.Error("runner: mark running failed", "run_id", run.RunID, "error", err)
			return
		}
		run, err = r.store.GetRun(run.RunID)
		if err != nil {
			r.logger.Error("runner: reload run failed", "run_id", run.RunID, "error", err)
			return
		}
	}
	if r.runTimedOut(run) {
		r.finishFailed(run.RunID, string(apperrors.RunTimeout),
			fmt.Sprintf("run exceeded wall-clock timeout of %dms", r.cfg.RunTimeoutMS))
		return
	}

	var params map[string]any
	_ = json.Unmarshal([]byte(run.ParamsJSON), &params)

	targets := make(map[string]any, len(p.Targets))
	for id, t := range p.Targets {
		targets[id] = map[string]any{"kind": t.Kind, "base_url": t.BaseURL}
	}
	state := make(map[string]any)

	existing, err := r.store.ListTaskInstances(run.RunID)
	if err != nil {
		r.finishFailed(run.RunID, string(apperrors.TaskExecutionFailed), fmt.Sprintf("list task instances: %v", err))
		return
	}
	byTaskID := make(map[string]*store.TaskInstance, len(existing))
	for i := range existing {
		byTaskID[existing[i].TaskID] = &existing[i]
		if existing[i].Status == store.TaskSucceeded && existing[i].OutputJSON != "" {
			var out map[string]any
			if err := json.Unmarshal([]byte(existing[i].OutputJSON), &out); err == nil {
				state[existing[i].TaskID] = out
			}
		}
	}

	for index, task := range p.Tasks {
		if !r.renewOrAbort(run) {
			return
		}
		if r.runTimedOut(run) {
			r.finishFailed(run.RunID, string(apperrors.RunTimeout),
				fmt.Sprintf("run exceeded wall-clock timeout of %dms", r.cfg.RunTimeoutMS))
			return
		}

		row := byTaskID[task.ID]
		if row != nil && row.Status == store.TaskSucceeded {
			continue
		}

		if !allDependenciesSatisfied(task, byTaskID) {
			r.finishFailed(run.RunID, string(apperrors.DepUnsatisfied),
				fmt.Sprintf("dependency not satisfied for task %s", task.ID))
			return
		}

		requiresApproval := task.RequiresApproval ||
			(r.cfg.SideEffectsRequireApproval && task.IsSideEffect())

		if requiresApproval {
			blocked, denied := r.gateApproval(run, task)
			if blocked {
				return
			}
			if denied {
				return
			}
		}

		if row == nil {
			row = &store.TaskInstance{
				TaskRunID:        uuid.NewString(),
				RunID:            run.RunID,
				TaskID:           task.ID,
				TaskIndex:        index,
				TaskName:         task.Name,
				TaskType:         string(task.Type),
				Status:           store.TaskRunning,
				MaxAttempts:      task.EffectiveMaxAttempts(),
				Idempotent:       task.EffectiveIdempotent(),
				RequiresApproval: requiresApproval,
				InputJSON:        marshalOrEmpty(task.Input),
			}
			inserted, err := r.store.InsertRunningTaskInstance(row)
			if err != nil {
				r.finishFailed(run.RunID, string(apperrors.TaskExecutionFailed), fmt.Sprintf("create task instance: %v", err))
				return
			}
			row = inserted
			byTaskID[task.ID] = row
		}

		output, attempt, err := r.dispatchWithRetry(ctx, run, task, params, targets, state)
		if err != nil {
			_ = r.store.FailTaskInstance(row.TaskRunID, string(apperrors.TaskExecutionFailed), err.Error(), attempt)
			r.finishFailed(run.RunID, string(apperrors.TaskExecutionFailed), err.Error())
			if r.deadLetter != nil {
				if brokerID := brokerIDFromPlanID(run.PlanID); brokerID != "" {
					if tripped := r.deadLetter.RecordFailure(brokerID, run.RunID, err.Error()); tripped {
						metrics.RecordDeadLetterTripped(brokerID)
					}
				}
			}
			return
		}
		if err := r.store.CompleteTaskInstance(row.TaskRunID, marshalOrEmpty(output), attempt); err != nil {
			r.logger.Error("runner: persist task success failed", "run_id", run.RunID, "task_id", task.ID, "error", err)
		}

		state[task.ID] = output
		if task.Output != nil && task.Output.SaveAs != "" {
			state[task.Output.SaveAs] = output
		}

		kind := string(task.Type)
		if task.Output != nil && task.Output.ArtifactKind != "" {
			kind = task.Output.ArtifactKind
		}
		if err := r.persistArtifact(run.RunID, kind, task.ID, output); err != nil {
			r.logger.Error("runner: persist artifact failed", "run_id", run.RunID, "task_id", task.ID, "error", err)
		}
	}

	if err := r.store.FinishRun(run.RunID, store.RunSucceeded, "", "", marshalOrEmpty(state)); err != nil {
		r.logger.Error("runner: finish run failed", "run_id", run.RunID, "error", err)
	} else {
		duration := -1.0
		if run.StartedAt.Valid {
			duration = time.Since(run.StartedAt.Time).Seconds()
		}
		metrics.RecordRunFinished(string(store.RunSucceeded), duration)
	}
	if r.deadLetter != nil {
		if brokerID := brokerIDFromPlanID(run.PlanID); brokerID != "" {
			r.deadLetter.RecordSuccess(brokerID)
		}
	}
}

// renewOrAbort renews the claim lease; on loss, logs and returns false so
// the caller abandons this run for the next tick's claim pass (spec §4.4
// "claim lost").
func (r *Runner) renewOrAbort(run *store.Run) bool {
	ok, err := r.store.RenewClaim(run.RunID, r.runnerID, r.leaseTTL())
	if err != nil {
		r.logger.Error("runner: renew claim failed", "run_id", run.RunID, "error", err)
		return false
	}
	if !ok {
		r.logger.Warn("run claim lost", "run_id", run.RunID, "runner_id", r.runnerID, "error_code", string(apperrors.ClaimLost))
		return false
	}
	return true
}

// gateApproval ensures the pending/denied approval record for task exists
// and reports whether execution must stop (blocked awaiting approval, or
// terminated because it was denied).
func (r *Runner) gateApproval(run *store.Run, task plan.Task) (blocked, denied bool) {
	prompt := ""
	if task.Approval != nil {
		if p, ok := task.Approval["prompt"].(string); ok {
			prompt = p
		}
	}
	if prompt == "" {
		prompt = fmt.Sprintf("Approve side effect task %q (%s)", task.Name, task.Type)
	}
	preview := marshalOrEmpty(map[string]any{
		"task_id": task.ID, "task_name": task.Name, "task_type": string(task.Type), "input": task.Input,
	})

	existing, err := r.store.GetApprovalForTask(run.RunID, task.ID)
	if err != nil {
		r.finishFailed(run.RunID, string(apperrors.TaskExecutionFailed), fmt.Sprintf("ensure approval: %v", err))
		return true, false
	}

	approval, err := r.store.FetchOrCreateApproval(uuid.NewString(), run.RunID, task.ID, prompt, preview)
	if err != nil {
		r.finishFailed(run.RunID, string(apperrors.TaskExecutionFailed), fmt.Sprintf("ensure approval: %v", err))
		return true, false
	}
	if existing == nil {
		metrics.RecordApprovalCreated()
	}

	switch approval.Status {
	case store.ApprovalPending:
		if err := r.store.MarkBlockedForApproval(run.RunID); err != nil {
			r.logger.Error("runner: mark blocked_for_approval failed", "run_id", run.RunID, "error", err)
		}
		return true, false
	case store.ApprovalDenied:
		r.finishFailed(run.RunID, string(apperrors.ApprovalDenied), fmt.Sprintf("approval denied for task %s", task.ID))
		return false, true
	default:
		return false, false
	}
}

func (r *Runner) dispatchWithRetry(ctx context.Context, run *store.Run, task plan.Task, params, targets, state map[string]any) (map[string]any, int, error) {
	scope := ref.Context{Params: params, Targets: targets, State: state}
	idempotent := task.EffectiveIdempotent()

	timeoutMS := task.EffectiveTimeoutMS()
	if timeoutMS == 0 {
		timeoutMS = r.cfg.DefaultTimeoutMS
	}

	var output map[string]any
	attempt := 0
	err := retry.Do(task.EffectiveMaxAttempts(), idempotent, r.cfg.RetryPolicy, func(n int) error {
		attempt = n
		taskCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()

		out, execErr := r.dispatcher.Dispatch(tasks.ExecutionContext{
			Context: taskCtx, RunID: run.RunID, Task: task,
			RefScope: scope, Collabs: r.collaborators(), Logger: r.logger,
			Timeout: time.Duration(timeoutMS) * time.Millisecond,
		})
		outcome := "success"
		if execErr != nil {
			outcome = "failure"
		} else {
			output = out
		}
		metrics.RecordTaskAttempt(string(task.Type), outcome, n+1)
		return execErr
	})
	return output, attempt + 1, err
}

func allDependenciesSatisfied(task plan.Task, byTaskID map[string]*store.TaskInstance) bool {
	for _, dep := range task.DependsOn {
		row, ok := byTaskID[dep]
		if !ok || row.Status != store.TaskSucceeded {
			return false
		}
	}
	return true
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (r *Runner) collaborators() *tasks.Collaborators {
	return r.collabs
}

// persistArtifact materializes a task's output as a JSON artifact under
// <artifacts_root>/<run_id>/<artifact_id>.json and records its row (spec
// §4.4 step 7).
func (r *Runner) persistArtifact(runID, kind, taskID string, output map[string]any) error {
	body, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("runner: marshal artifact output: %w", err)
	}

	artifactID := uuid.NewString()
	runDir := filepath.Join(r.cfg.ArtifactsRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("runner: create artifact dir: %w", err)
	}
	relName := artifactID + ".json"
	if err := os.WriteFile(filepath.Join(runDir, relName), body, 0o644); err != nil {
		return fmt.Errorf("runner: write artifact file: %w", err)
	}

	return r.store.CreateArtifact(&store.Artifact{
		ArtifactID:   artifactID,
		RunID:        runID,
		Kind:         kind,
		ContentType:  "application/json",
		URI:          filepath.Join(runID, relName),
		MetadataJSON: marshalOrEmpty(map[string]any{"task_id": taskID}),
	})
}
