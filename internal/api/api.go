// Package api hosts the REST surface of spec.md §6 on a plain
// http.ServeMux, grounded on Heikkila-Pty-Ltd-cortex's internal/api.Server
// shape: a struct holding *store.Store plus collaborators, with Start(ctx)
// blocking until cancellation and a shutdown goroutine watching ctx.Done().
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muckitymuck/erasure-executor/internal/apperrors"
	"github.com/muckitymuck/erasure-executor/internal/metrics"
	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/scheduler"
	"github.com/muckitymuck/erasure-executor/internal/store"
)

// MaxArtifactBytes is the response byte cap for GET
// /v1/runs/{id}/artifacts/{aid} (spec.md §8 boundary: "Artifact reads above
// the byte cap fail with 413").
const MaxArtifactBytes = 10 << 20 // 10 MiB

// Server is the HTTP API server (C9).
type Server struct {
	addr          string
	store         *store.Store
	loader        *plan.Loader
	scheduler     *scheduler.Scheduler
	artifactsRoot string
	logger        *slog.Logger
	startTime     time.Time
	httpServer    *http.Server
	auth          *AuthMiddleware
}

// NewServer builds a Server. sched may be nil if this process does not run
// a scheduler; GET /v1/schedule and the trigger endpoint work from the
// store alone and behave the same either way.
func NewServer(addr, authToken string, s *store.Store, loader *plan.Loader, sched *scheduler.Scheduler, artifactsRoot string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:          addr,
		store:         s,
		loader:        loader,
		scheduler:     sched,
		artifactsRoot: artifactsRoot,
		logger:        logger,
		startTime:     time.Now(),
		auth:          NewAuthMiddleware(authToken, logger),
	}
}

// Start begins listening on the configured bind address. Blocks until ctx
// is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", metrics.Handler().ServeHTTP)

	mux.HandleFunc("/v1/runs", s.auth.RequireAuth(s.handleRunsCollection))
	mux.HandleFunc("/v1/runs/", s.routeRunDetail)

	mux.HandleFunc("/v1/schedule", s.handleScheduleList)
	mux.HandleFunc("/v1/schedule/", s.auth.RequireAuth(s.handleScheduleTrigger))

	mux.HandleFunc("/v1/plans/", s.auth.RequireAuth(s.handlePlanCheck))

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// runStatusResponse is the body returned by every endpoint that surfaces a
// Run (spec.md §7's "every run status includes status, terminal
// error_code/error_message, current running task id, outstanding
// approvals, and the list of materialised artifacts").
type runStatusResponse struct {
	RunID            string         `json:"run_id"`
	PlanID           string         `json:"plan_id"`
	Status           string         `json:"status"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	RunningTaskID    string         `json:"running_task_id,omitempty"`
	PendingApprovals []approvalView `json:"pending_approvals"`
	Artifacts        []artifactView `json:"artifacts"`
}

type approvalView struct {
	ApprovalID string `json:"approval_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Prompt     string `json:"prompt"`
}

type artifactView struct {
	ArtifactID  string `json:"artifact_id"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
}

func (s *Server) buildRunStatus(run *store.Run) (*runStatusResponse, error) {
	resp := &runStatusResponse{
		RunID: run.RunID, PlanID: run.PlanID, Status: run.Status,
		ErrorCode: run.ErrorCode, ErrorMessage: run.ErrorMessage, CreatedAt: run.CreatedAt,
	}

	tasks, err := s.store.ListTaskInstances(run.RunID)
	if err != nil {
		return nil, fmt.Errorf("api: list task instances: %w", err)
	}
	for _, t := range tasks {
		if t.Status == store.TaskRunning {
			resp.RunningTaskID = t.TaskID
			break
		}
	}

	pending, err := s.store.ListPendingApprovals(run.RunID)
	if err != nil {
		return nil, fmt.Errorf("api: list pending approvals: %w", err)
	}
	resp.PendingApprovals = make([]approvalView, 0, len(pending))
	for _, a := range pending {
		resp.PendingApprovals = append(resp.PendingApprovals, approvalView{
			ApprovalID: a.ApprovalID, TaskID: a.TaskID, Status: a.Status, Prompt: a.Prompt,
		})
	}

	artifacts, err := s.store.ListArtifactsForRun(run.RunID)
	if err != nil {
		return nil, fmt.Errorf("api: list artifacts: %w", err)
	}
	resp.Artifacts = make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactView{
			ArtifactID: a.ArtifactID, Kind: a.Kind, ContentType: a.ContentType,
		})
	}

	return resp, nil
}

type createRunRequest struct {
	PlanID         string         `json:"plan_id"`
	Params         map[string]any `json:"params"`
	RequestedBy    string         `json:"requested_by"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// POST /v1/runs
func (s *Server) handleRunsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	p, err := s.loader.Load(req.PlanID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("load plan: %v", err))
		return
	}
	if err := plan.ValidateParams(p, req.Params); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid params: %v", err))
		return
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.store.GetRunByIdempotencyKey(req.IdempotencyKey); err != nil {
			writeError(w, http.StatusInternalServerError, "lookup existing run failed")
			return
		} else if existing != nil && existing.PlanID != req.PlanID {
			writeError(w, http.StatusConflict, "idempotency_key already used for a different plan_id")
			return
		}
	}

	hash, err := plan.CanonicalHash(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compute plan hash failed")
		return
	}
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "params not serializable")
		return
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "api"
	}

	run, err := s.store.CreateRun(uuid.NewString(), req.PlanID, hash, requestedBy, req.IdempotencyKey, string(paramsJSON))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create run failed")
		return
	}
	metrics.RecordRunCreated(requestedBy)

	resp, err := s.buildRunStatus(run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build run status failed")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// routeRunDetail dispatches /v1/runs/{id}, /v1/runs/{id}/approvals/{aid},
// and /v1/runs/{id}/artifacts/{aid}.
func (s *Server) routeRunDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 3 && parts[1] == "approvals":
		s.auth.RequireAuth(s.handleResolveApproval)(w, r)
	case len(parts) == 3 && parts[1] == "artifacts":
		s.handleArtifactContent(w, r, parts[0], parts[2])
	case len(parts) == 1:
		s.handleRunDetail(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// GET /v1/runs/{id}
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup run failed")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	resp, err := s.buildRunStatus(run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build run status failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveApprovalRequest struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

// POST /v1/runs/{id}/approvals/{aid}
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	runID, approvalID := parts[0], parts[2]

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var decision string
	switch req.Decision {
	case "approve":
		decision = store.ApprovalApproved
	case "deny":
		decision = store.ApprovalDenied
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve or deny")
		return
	}

	approval, err := s.store.GetApproval(approvalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup approval failed")
		return
	}
	if approval == nil || approval.RunID != runID {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}

	if _, err := s.store.ResolveApproval(approvalID, decision, req.ResolvedBy); err != nil {
		writeError(w, http.StatusInternalServerError, "resolve approval failed")
		return
	}
	metrics.RecordApprovalResolved(decision)

	run, err := s.store.GetRun(runID)
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	resp, err := s.buildRunStatus(run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build run status failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/runs/{id}/artifacts/{aid}
func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request, runID, artifactID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	artifact, err := s.store.GetArtifact(runID, artifactID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup artifact failed")
		return
	}
	if artifact == nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	fullPath := filepath.Join(s.artifactsRoot, artifact.URI)
	rel, err := filepath.Rel(s.artifactsRoot, fullPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		writeError(w, http.StatusForbidden, string(apperrors.ArtifactPathRejected))
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact file missing")
		return
	}
	if info.Size() > MaxArtifactBytes {
		writeError(w, http.StatusRequestEntityTooLarge, string(apperrors.ArtifactTooLarge))
		return
	}

	body, err := os.ReadFile(fullPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact file missing")
		return
	}

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type scheduleView struct {
	ScheduleID   string `json:"schedule_id"`
	BrokerID     string `json:"broker_id"`
	ProfileID    string `json:"profile_id"`
	ScanType     string `json:"scan_type"`
	NextRunAt    string `json:"next_run_at"`
	IntervalDays int    `json:"interval_days"`
}

// GET /v1/schedule
func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	schedules, err := s.store.ListEnabledSchedules()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list schedules failed")
		return
	}
	views := make([]scheduleView, 0, len(schedules))
	for _, sc := range schedules {
		views = append(views, scheduleView{
			ScheduleID: sc.ScheduleID, BrokerID: sc.BrokerID, ProfileID: sc.ProfileID,
			ScanType: sc.ScanType, NextRunAt: sc.NextRunAt.Format(time.RFC3339), IntervalDays: sc.IntervalDays,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// POST /v1/schedule/{id}/trigger
func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/schedule/")
	scheduleID, ok := strings.CutSuffix(rest, "/trigger")
	if !ok || scheduleID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sc, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup schedule failed")
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err := s.store.TriggerNow(scheduleID); err != nil {
		writeError(w, http.StatusInternalServerError, "trigger schedule failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type planCheckResponse struct {
	PlanID       string   `json:"plan_id"`
	Parses       bool     `json:"parses"`
	HashComputed bool     `json:"hash_computed"`
	Hash         string   `json:"hash,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// POST /v1/plans/{id}/check
func (s *Server) handlePlanCheck(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/plans/")
	planID, ok := strings.CutSuffix(rest, "/check")
	if !ok || planID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := planCheckResponse{PlanID: planID}

	p, err := s.loader.Load(planID)
	if err != nil {
		resp.Errors = append(resp.Errors, err.Error())
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Parses = true

	hash, err := plan.CanonicalHash(p)
	if err != nil {
		resp.Errors = append(resp.Errors, err.Error())
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.HashComputed = true
	resp.Hash = hash

	writeJSON(w, http.StatusOK, resp)
}
