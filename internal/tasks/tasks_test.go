package tasks

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/ref"
	"github.com/muckitymuck/erasure-executor/internal/retry"
)

func refScopeWithParams(params map[string]any) ref.Context {
	return ref.Context{Params: params, Targets: map[string]any{}, State: map[string]any{}}
}

type fakeHTTPClient struct {
	resp *http.Response
	err  error
}

func (f fakeHTTPClient) Do(*http.Request) (*http.Response, error) { return f.resp, f.err }

func baseExecutionContext(task plan.Task, input map[string]any, collabs *Collaborators) ExecutionContext {
	return ExecutionContext{
		Context: context.Background(),
		RunID:   "run-1",
		Task:    task,
		Input:   input,
		Collabs: collabs,
	}
}

func TestHandleHTTPRequestTransientOnGatewayTimeout(t *testing.T) {
	resp := &http.Response{StatusCode: 504, Body: http.NoBody, Header: http.Header{}}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskHTTPRequest},
		map[string]any{"method": "GET", "url": "https://example.com"},
		&Collaborators{HTTP: fakeHTTPClient{resp: resp}},
	)
	_, err := handleHTTPRequest(ec)
	require.Error(t, err)
	var te *retry.TransientError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Transient)
}

func TestHandleHTTPRequestFatalOnNotFound(t *testing.T) {
	resp := &http.Response{StatusCode: 404, Body: http.NoBody, Header: http.Header{}}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskHTTPRequest},
		map[string]any{"method": "GET", "url": "https://example.com"},
		&Collaborators{HTTP: fakeHTTPClient{resp: resp}},
	)
	_, err := handleHTTPRequest(ec)
	require.Error(t, err)
	var te *retry.TransientError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Transient)
}

func TestHandleWaitDelayInline(t *testing.T) {
	ec := baseExecutionContext(plan.Task{Type: plan.TaskWaitDelay}, map[string]any{"seconds": 0.0}, nil)
	out, err := handleWaitDelay(ec)
	require.NoError(t, err)
	assert.Equal(t, false, out["deferred"])
}

func TestHandleWaitDelayDefersLongSleep(t *testing.T) {
	ec := baseExecutionContext(plan.Task{Type: plan.TaskWaitDelay}, map[string]any{"seconds": 3600.0}, nil)
	out, err := handleWaitDelay(ec)
	require.NoError(t, err)
	assert.Equal(t, true, out["deferred"])
	assert.NotEmpty(t, out["resume_at"])
}

func TestGoquerySelectorAttributeGrammar(t *testing.T) {
	html := `<html><body><a class="x" href="https://spokeo.com/p/1">Jane Doe</a></body></html>`
	sel := GoquerySelector{}

	hrefs, err := sel.Select(html, "a.x @href")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://spokeo.com/p/1"}, hrefs)

	texts, err := sel.Select(html, "a.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"Jane Doe"}, texts)
}

func TestHandleScrapeStaticUsesSelectors(t *testing.T) {
	html := `<div class="name">Jane Doe</div>`
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskScrapeStatic},
		map[string]any{"html": html, "selectors": map[string]any{"name": ".name"}},
		&Collaborators{Scraper: GoquerySelector{}},
	)
	out, err := handleScrapeStatic(ec)
	require.NoError(t, err)
	fields := out["fields"].(map[string]any)
	assert.Equal(t, []string{"Jane Doe"}, fields["name"])
}

func TestClassifySearchResultKnownBrokerDomain(t *testing.T) {
	r := SearchResult{URL: "https://www.spokeo.com/people/Jane-Doe", Title: "Jane Doe - Phone Number, Address"}
	c := classifySearchResult(r, 1)
	assert.True(t, c.IsKnownBroker)
	assert.True(t, c.IsLikelyBroker)
	assert.Greater(t, c.Confidence, 0.8)
}

func TestClassifySearchResultUnrelatedSite(t *testing.T) {
	r := SearchResult{URL: "https://news.example.com/article", Title: "Local weather update"}
	c := classifySearchResult(r, 1)
	assert.False(t, c.IsKnownBroker)
	assert.False(t, c.IsLikelyBroker)
}

func TestDispatcherDispatchResolvesRefsAndTimes(t *testing.T) {
	d := NewDispatcher()
	resp := &http.Response{StatusCode: 200, Body: http.NoBody, Header: http.Header{}}
	ec := ExecutionContext{
		Context: context.Background(),
		RunID:   "run-1",
		Task: plan.Task{
			ID:   "A",
			Type: plan.TaskHTTPRequest,
			Input: map[string]any{
				"method": "GET",
				"url":    "{{ params.target_url }}",
			},
		},
		RefScope: refScopeWithParams(map[string]any{"target_url": "https://example.com"}),
		Collabs:  &Collaborators{HTTP: fakeHTTPClient{resp: resp}},
		Timeout:  time.Second,
	}
	out, err := d.Dispatch(ec)
	require.NoError(t, err)
	assert.Equal(t, 200, out["status_code"])
}
