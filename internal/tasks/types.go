// Package tasks implements the Task Dispatcher (C3): one handler per task
// type (spec §4.2), each a narrow function over a resolved input and a set
// of external connector interfaces whose internals are out of core scope
// (spec §1).
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/ref"
)

// ExecutionContext is the scope a task handler executes in: the resolved
// input, the reference-resolution context it was resolved from, and the
// collaborators needed to perform the task's effect.
type ExecutionContext struct {
	Context   context.Context
	RunID     string
	Task      plan.Task
	Input     map[string]any
	RefScope  ref.Context
	Collabs   *Collaborators
	Logger    *slog.Logger
	Timeout   time.Duration
}

// Handler executes one task type and returns its output (to be persisted
// as output_json and as an Artifact) or an error — a *retry.TransientError
// when the failure is retry-eligible, any other error otherwise.
type Handler func(ec ExecutionContext) (map[string]any, error)

// Dispatcher maps task type to Handler (spec §4.2, grounded on cortex's
// dispatch-registry pattern).
type Dispatcher struct {
	handlers map[plan.TaskType]Handler
}

// NewDispatcher builds a Dispatcher with every built-in handler registered.
// Collaborators are supplied per call through ExecutionContext.Collabs.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[plan.TaskType]Handler)}
	d.Register(plan.TaskHTTPRequest, handleHTTPRequest)
	d.Register(plan.TaskScrapeStatic, handleScrapeStatic)
	d.Register(plan.TaskScrapeRendered, handleScrapeRendered)
	d.Register(plan.TaskFormSubmit, handleFormSubmit)
	d.Register(plan.TaskEmailSend, handleEmailSend)
	d.Register(plan.TaskEmailCheck, handleEmailCheck)
	d.Register(plan.TaskEmailClickVerify, handleEmailClickVerify)
	d.Register(plan.TaskMatchIdentity, handleMatchIdentity)
	d.Register(plan.TaskBrokerUpdateStatus, handleBrokerUpdateStatus)
	d.Register(plan.TaskQueueHumanAction, handleQueueHumanAction)
	d.Register(plan.TaskCaptchaSolve, handleCaptchaSolve)
	d.Register(plan.TaskWaitDelay, handleWaitDelay)
	d.Register(plan.TaskLLMJSON, handleLLMJSON)
	d.Register(plan.TaskLegalGenerate, handleLegalGenerate)
	d.Register(plan.TaskDiscoverSearch, handleDiscoverSearchEngine)
	return d
}

// Register adds or overrides the handler for a task type.
func (d *Dispatcher) Register(t plan.TaskType, h Handler) {
	d.handlers[t] = h
}

// Dispatch resolves references in the task's declared input, then invokes
// the registered handler, timing the call and logging a structured record
// (spec §4.2 "The dispatcher times every call...").
func (d *Dispatcher) Dispatch(ec ExecutionContext) (map[string]any, error) {
	h, ok := d.handlers[ec.Task.Type]
	if !ok {
		return nil, fmt.Errorf("tasks: no handler registered for type %q", ec.Task.Type)
	}

	resolved := ref.Resolve(map[string]any(ec.Task.Input), ec.RefScope)
	resolvedMap, _ := resolved.(map[string]any)
	ec.Input = resolvedMap

	start := time.Now()
	out, err := h(ec)
	duration := time.Since(start)

	logger := ec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("task dispatched",
		"run_id", ec.RunID,
		"task_id", ec.Task.ID,
		"task_type", string(ec.Task.Type),
		"duration_ms", duration.Milliseconds(),
		"ok", err == nil,
	)
	return out, err
}
