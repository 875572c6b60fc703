package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/store"
)

const authToken = "test-token"

const samplePlan = `
plan_id: sample
version: 1.0.0
targets:
  broker:
    kind: http
    base_url: https://example.com
tasks:
  - id: A
    name: fetch
    type: http.request
    input:
      method: GET
      url: https://example.com
`

func newTestServer(t *testing.T) (*Server, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	plansRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(plansRoot, "sample.yaml"), []byte(samplePlan), 0o644))
	loader := plan.NewLoader(plansRoot)

	artifactsRoot := t.TempDir()
	srv := NewServer("127.0.0.1:0", authToken, st, loader, nil, artifactsRoot, nil)
	return srv, st, artifactsRoot
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+authToken)
	return req
}

func TestHandleHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body["ok"])
}

func TestCreateRunRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader([]byte(`{"plan_id":"sample"}`)))
	srv.auth.RequireAuth(srv.handleRunsCollection)(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRunSucceeds(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/runs", []byte(`{"plan_id":"sample","requested_by":"alice"}`))
	srv.handleRunsCollection(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp runStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	require.Equal(t, "sample", resp.PlanID)
	require.Equal(t, store.RunQueued, resp.Status)
}

func TestCreateRunUnknownPlanFails(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/runs", []byte(`{"plan_id":"does-not-exist"}`))
	srv.handleRunsCollection(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunIdempotentRelaunchReturnsExistingRun(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := []byte(`{"plan_id":"sample","idempotency_key":"k1"}`)
	rec1 := httptest.NewRecorder()
	srv.handleRunsCollection(rec1, authedRequest(http.MethodPost, "/v1/runs", body))
	require.Equal(t, http.StatusAccepted, rec1.Code)
	var first runStatusResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &first))

	rec2 := httptest.NewRecorder()
	srv.handleRunsCollection(rec2, authedRequest(http.MethodPost, "/v1/runs", body))
	require.Equal(t, http.StatusAccepted, rec2.Code)
	var second runStatusResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))

	require.Equal(t, first.RunID, second.RunID)
}

func TestCreateRunIdempotencyKeyConflictDifferentPlan(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(srv.loader.PlansRoot, "other.yaml"), []byte(`
plan_id: other
version: 1.0.0
targets:
  broker:
    kind: http
    base_url: https://example.com
tasks:
  - id: A
    name: fetch
    type: http.request
    input:
      method: GET
`), 0o644))

	rec1 := httptest.NewRecorder()
	srv.handleRunsCollection(rec1, authedRequest(http.MethodPost, "/v1/runs", []byte(`{"plan_id":"sample","idempotency_key":"k2"}`)))
	require.Equal(t, http.StatusAccepted, rec1.Code)

	rec2 := httptest.NewRecorder()
	srv.handleRunsCollection(rec2, authedRequest(http.MethodPost, "/v1/runs", []byte(`{"plan_id":"other","idempotency_key":"k2"}`)))
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestGetRunDetailNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.routeRunDetail(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunDetailFound(t *testing.T) {
	srv, st, _ := newTestServer(t)
	run, err := st.CreateRun("run-1", "sample", "hash-1", "alice", "", "{}")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.routeRunDetail(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, run.RunID, resp.RunID)
	require.Empty(t, resp.PendingApprovals)
	require.Empty(t, resp.Artifacts)
}

func TestResolveApprovalApprove(t *testing.T) {
	srv, st, _ := newTestServer(t)
	run, err := st.CreateRun("run-2", "sample", "hash-1", "alice", "", "{}")
	require.NoError(t, err)
	approval, err := st.FetchOrCreateApproval("ap-1", run.RunID, "A", "approve?", "{}")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/runs/"+run.RunID+"/approvals/"+approval.ApprovalID, []byte(`{"decision":"approve","resolved_by":"bob"}`))
	srv.routeRunDetail(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resolved, err := st.GetApproval(approval.ApprovalID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalApproved, resolved.Status)
}

func TestResolveApprovalWrongRunNotFound(t *testing.T) {
	srv, st, _ := newTestServer(t)
	run1, err := st.CreateRun("run-3", "sample", "hash-1", "alice", "", "{}")
	require.NoError(t, err)
	run2, err := st.CreateRun("run-4", "sample", "hash-1", "alice", "", "{}")
	require.NoError(t, err)
	approval, err := st.FetchOrCreateApproval("ap-2", run1.RunID, "A", "approve?", "{}")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/runs/"+run2.RunID+"/approvals/"+approval.ApprovalID, []byte(`{"decision":"approve"}`))
	srv.routeRunDetail(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactContentRoundTrip(t *testing.T) {
	srv, st, artifactsRoot := newTestServer(t)
	run, err := st.CreateRun("run-5", "sample", "hash-1", "alice", "", "{}")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(artifactsRoot, run.RunID), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifactsRoot, run.RunID, "a1.json"), []byte(`{"ok":true}`), 0o644))
	require.NoError(t, st.CreateArtifact(&store.Artifact{
		ArtifactID: "a1", RunID: run.RunID, Kind: "json", ContentType: "application/json",
		URI: filepath.Join(run.RunID, "a1.json"),
	}))

	rec := httptest.NewRecorder()
	srv.routeRunDetail(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID+"/artifacts/a1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestArtifactContentNotFound(t *testing.T) {
	srv, st, _ := newTestServer(t)
	run, err := st.CreateRun("run-6", "sample", "hash-1", "alice", "", "{}")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.routeRunDetail(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.RunID+"/artifacts/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleListEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.handleScheduleList(rec, httptest.NewRequest(http.MethodGet, "/v1/schedule", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []scheduleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Empty(t, views)
}

func TestScheduleTriggerRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/schedule/sch-1/trigger", nil)
	srv.auth.RequireAuth(srv.handleScheduleTrigger)(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScheduleTriggerNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/schedule/does-not-exist/trigger", nil)
	srv.handleScheduleTrigger(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlanCheckParsesValidPlan(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/plans/sample/check", nil)
	srv.handlePlanCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp planCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Parses)
	require.True(t, resp.HashComputed)
	require.NotEmpty(t, resp.Hash)
}

func TestPlanCheckReportsMissingPlan(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/plans/does-not-exist/check", nil)
	srv.handlePlanCheck(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp planCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Parses)
	require.NotEmpty(t, resp.Errors)
}
