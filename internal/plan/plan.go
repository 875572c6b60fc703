// Package plan implements the Plan Loader (C2): resolving a plan id to a
// parsed, validated plan file, and computing the canonical hash compared
// against a Run's frozen plan_hash at every execution (spec §4.1, §4.4).
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/muckitymuck/erasure-executor/internal/apperrors"
)

var (
	idPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// TaskType is the closed enumeration of spec §6.
type TaskType string

const (
	TaskHTTPRequest        TaskType = "http.request"
	TaskScrapeStatic       TaskType = "scrape.static"
	TaskScrapeRendered     TaskType = "scrape.rendered"
	TaskFormSubmit         TaskType = "form.submit"
	TaskEmailSend          TaskType = "email.send"
	TaskEmailCheck         TaskType = "email.check"
	TaskEmailClickVerify   TaskType = "email.click_verify"
	TaskMatchIdentity      TaskType = "match.identity"
	TaskBrokerUpdateStatus TaskType = "broker.update_status"
	TaskQueueHumanAction   TaskType = "queue.human_action"
	TaskCaptchaSolve       TaskType = "captcha.solve"
	TaskWaitDelay          TaskType = "wait.delay"
	TaskLLMJSON            TaskType = "llm.json"
	TaskLegalGenerate      TaskType = "legal.generate_request"
	TaskDiscoverSearch     TaskType = "discover.search_engine"
)

// sideEffectTypes per spec §4.4 step 3.
var sideEffectTypes = map[TaskType]bool{
	TaskFormSubmit:       true,
	TaskEmailSend:        true,
	TaskEmailClickVerify: true,
	TaskBrokerUpdateStatus: true,
}

// safeHTTPMethods are the verbs http.request is idempotent-by-default for.
var safeHTTPMethods = map[string]bool{"GET": true, "HEAD": true, "OPTIONS": true}

// Target is a named endpoint a plan's tasks address.
type Target struct {
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
}

// Output describes a task's optional save_as alias and artifact kind.
type Output struct {
	SaveAs       string `yaml:"save_as,omitempty"`
	ArtifactKind string `yaml:"artifact_kind,omitempty"`
}

// Task is one node of the plan's task list (spec §4.1).
type Task struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	Type             TaskType       `yaml:"type"`
	DependsOn        []string       `yaml:"depends_on,omitempty"`
	Idempotent       *bool          `yaml:"idempotent,omitempty"`
	MaxAttempts      int            `yaml:"max_attempts,omitempty"`
	TimeoutMS        int            `yaml:"timeout_ms,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty"`
	Approval         map[string]any `yaml:"approval,omitempty"`
	Input            map[string]any `yaml:"input,omitempty"`
	Output           *Output        `yaml:"output,omitempty"`
}

// EffectiveIdempotent resolves the task's idempotent flag to its default:
// true, except http.request on a non-safe verb defaults to false.
func (t Task) EffectiveIdempotent() bool {
	if t.Idempotent != nil {
		return *t.Idempotent
	}
	if t.Type == TaskHTTPRequest {
		method, _ := t.Input["method"].(string)
		return safeHTTPMethods[strings.ToUpper(method)]
	}
	return true
}

// EffectiveMaxAttempts applies the [1,10] default of 3.
func (t Task) EffectiveMaxAttempts() int {
	if t.MaxAttempts <= 0 {
		return 3
	}
	return t.MaxAttempts
}

// EffectiveTimeoutMS applies the [1000, 3_600_000] default of 120_000.
func (t Task) EffectiveTimeoutMS() int {
	if t.TimeoutMS <= 0 {
		return 120_000
	}
	return t.TimeoutMS
}

// IsSideEffect reports whether the task mutates external state (spec §4.4
// step 3): declared side-effect types, plus any http.request with a
// non-safe method.
func (t Task) IsSideEffect() bool {
	if sideEffectTypes[t.Type] {
		return true
	}
	if t.Type == TaskHTTPRequest {
		method, _ := t.Input["method"].(string)
		return !safeHTTPMethods[strings.ToUpper(method)]
	}
	return false
}

// Plan is the decoded, validated plan document (spec §4.1, §6).
type Plan struct {
	PlanID       string            `yaml:"plan_id"`
	Version      string            `yaml:"version"`
	Description  string            `yaml:"description,omitempty"`
	Owner        string            `yaml:"owner,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty"`
	ParamsSchema map[string]any    `yaml:"params_schema,omitempty"`
	Targets      map[string]Target `yaml:"targets"`
	Tasks        []Task            `yaml:"tasks"`
}

// TaskByID finds a task in plan order, or (nil, false).
func (p *Plan) TaskByID(id string) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Loader resolves plan ids to files under a plans root directory.
type Loader struct {
	PlansRoot string
}

// NewLoader builds a Loader rooted at plansRoot.
func NewLoader(plansRoot string) *Loader {
	return &Loader{PlansRoot: plansRoot}
}

// candidatePaths implements the file-resolution order of spec §4.1: try
// <id>.y(a)ml, then brokers/<id>.y(a)ml, then — when id has a "broker_"
// prefix — brokers/<stripped>.y(a)ml. Resolution is deliberately not
// canonicalized (Open Question (b), DESIGN.md).
func (l *Loader) candidatePaths(id string) []string {
	var candidates []string
	for _, ext := range []string{".yml", ".yaml"} {
		candidates = append(candidates, filepath.Join(l.PlansRoot, id+ext))
	}
	for _, ext := range []string{".yml", ".yaml"} {
		candidates = append(candidates, filepath.Join(l.PlansRoot, "brokers", id+ext))
	}
	if stripped, ok := strings.CutPrefix(id, "broker_"); ok {
		for _, ext := range []string{".yml", ".yaml"} {
			candidates = append(candidates, filepath.Join(l.PlansRoot, "brokers", stripped+ext))
		}
	}
	return candidates
}

// Load resolves id to a file, parses it, and validates it structurally
// (task id grammar, dependency references, the Open Question (a)
// idempotent/non-safe-verb rejection). It does not validate run-launch
// params; call ValidateParams separately with the caller-supplied params.
func (l *Loader) Load(id string) (*Plan, error) {
	var lastErr error
	for _, path := range l.candidatePaths(id) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("plan: read %s: %w", path, err)
		}

		var p Plan
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("plan: parse %s: %w", path, err)
		}
		if err := validateStructure(&p); err != nil {
			return nil, err
		}
		return &p, nil
	}
	_ = lastErr
	return nil, apperrors.New(apperrors.PlanNotFound, fmt.Sprintf("no plan file resolves for id %q under %s", id, l.PlansRoot))
}

func validateStructure(p *Plan) error {
	if p.PlanID == "" {
		return apperrors.New(apperrors.ParamsInvalid, "plan_id is required")
	}
	if !versionPattern.MatchString(p.Version) {
		return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: version %q must match N.N.N", p.PlanID, p.Version))
	}
	if len(p.Targets) == 0 {
		return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: at least one target is required", p.PlanID))
	}
	if len(p.Tasks) == 0 {
		return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: at least one task is required", p.PlanID))
	}

	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if !idPattern.MatchString(t.ID) {
			return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: task id %q is not alphanumeric/underscore/dash", p.PlanID, t.ID))
		}
		if seen[t.ID] {
			return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: duplicate task id %q", p.PlanID, t.ID))
		}
		seen[t.ID] = true

		if t.MaxAttempts != 0 && (t.MaxAttempts < 1 || t.MaxAttempts > 10) {
			return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: task %s max_attempts must be in [1,10]", p.PlanID, t.ID))
		}
		if t.TimeoutMS != 0 && (t.TimeoutMS < 1000 || t.TimeoutMS > 3_600_000) {
			return apperrors.New(apperrors.ParamsInvalid, fmt.Sprintf("plan %s: task %s timeout_ms must be in [1000,3600000]", p.PlanID, t.ID))
		}

		// Open Question (a): a non-safe http.request with idempotent:true
		// declared explicitly is rejected at load, not silently trusted.
		if t.Type == TaskHTTPRequest && t.Idempotent != nil && *t.Idempotent {
			method, _ := t.Input["method"].(string)
			if method != "" && !safeHTTPMethods[strings.ToUpper(method)] {
				return apperrors.New(apperrors.ParamsInvalid,
					fmt.Sprintf("plan %s: task %s declares idempotent:true on non-safe method %s", p.PlanID, t.ID, method))
			}
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return apperrors.New(apperrors.DepUnsatisfied, fmt.Sprintf("plan %s: task %s depends_on unknown task %q", p.PlanID, t.ID, dep))
			}
		}
	}

	return nil
}
