package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muckitymuck/erasure-executor/internal/plan"
	"github.com/muckitymuck/erasure-executor/internal/retry"
)

type fakeMailer struct {
	sent OutgoingMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg OutgoingMail) error {
	f.sent = msg
	return f.err
}

func TestHandleEmailSendDeliversMessage(t *testing.T) {
	mailer := &fakeMailer{}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskEmailSend},
		map[string]any{"to": []any{"jane@example.com"}, "from": "agent@example.com", "subject": "hi", "body": "hello"},
		&Collaborators{Mailer: mailer},
	)
	out, err := handleEmailSend(ec)
	require.NoError(t, err)
	assert.Equal(t, true, out["sent"])
	assert.Equal(t, []string{"jane@example.com"}, mailer.sent.To)
}

func TestHandleEmailSendTransientOnMailerError(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp down")}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskEmailSend},
		map[string]any{"to": []any{"jane@example.com"}},
		&Collaborators{Mailer: mailer},
	)
	_, err := handleEmailSend(ec)
	require.Error(t, err)
	var te *retry.TransientError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Transient)
}

type fakeMailPoller struct {
	msgs []InboundMail
}

func (f *fakeMailPoller) Poll(_ context.Context, _ MailFilter, _ time.Time) ([]InboundMail, error) {
	return f.msgs, nil
}

func TestHandleEmailCheckReturnsMatchedURLs(t *testing.T) {
	poller := &fakeMailPoller{msgs: []InboundMail{{From: "broker@example.com", Subject: "confirm", URLs: []string{"https://example.com/confirm"}}}}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskEmailCheck},
		map[string]any{"from": "broker@example.com"},
		&Collaborators{MailPoller: poller},
	)
	out, err := handleEmailCheck(ec)
	require.NoError(t, err)
	assert.Equal(t, true, out["matched"])
	assert.Equal(t, []string{"https://example.com/confirm"}, out["urls"])
}

type fakeBrowser struct {
	html       string
	status     int
	navErr     error
	filled     map[string]string
	clicked    string
	screenshot []byte
}

func (f *fakeBrowser) Navigate(_ context.Context, _, _ string, _ int) (string, int, error) {
	return f.html, f.status, f.navErr
}
func (f *fakeBrowser) Fill(_ context.Context, selector, value string) error {
	if f.filled == nil {
		f.filled = map[string]string{}
	}
	f.filled[selector] = value
	return nil
}
func (f *fakeBrowser) Click(_ context.Context, selector, _ string) error {
	f.clicked = selector
	return nil
}
func (f *fakeBrowser) Screenshot(_ context.Context) ([]byte, error) {
	return f.screenshot, nil
}

func TestHandleEmailClickVerifyDelegatesToScrapeRendered(t *testing.T) {
	browser := &fakeBrowser{html: "<html>verified</html>", status: 200}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskEmailClickVerify},
		map[string]any{"url": "https://example.com/verify"},
		&Collaborators{Browser: browser},
	)
	out, err := handleEmailClickVerify(ec)
	require.NoError(t, err)
	assert.Equal(t, "<html>verified</html>", out["html"])
	assert.Equal(t, 200, out["status_code"])
}

type fakeFormDetector struct {
	form *DetectedForm
	err  error
}

func (f *fakeFormDetector) Detect(_ string, _ map[string]any) (*DetectedForm, error) {
	return f.form, f.err
}

func TestHandleFormSubmitFillsAndClicks(t *testing.T) {
	browser := &fakeBrowser{html: "<html><form></form></html>", status: 200, screenshot: []byte("shot")}
	detector := &fakeFormDetector{form: &DetectedForm{Selector: "#opt-out", FieldValues: map[string]string{"#email": "jane@example.com"}}}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskFormSubmit},
		map[string]any{"url": "https://broker.example.com/optout"},
		&Collaborators{Browser: browser, FormDetector: detector},
	)
	out, err := handleFormSubmit(ec)
	require.NoError(t, err)
	assert.Equal(t, "#opt-out", out["form_selector"])
	assert.Equal(t, "#opt-out", browser.clicked)
	assert.Equal(t, "jane@example.com", browser.filled["#email"])
}

func TestHandleFormSubmitFatalWhenNoFormDetected(t *testing.T) {
	browser := &fakeBrowser{html: "<html></html>", status: 200}
	detector := &fakeFormDetector{err: errors.New("no form")}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskFormSubmit},
		map[string]any{"url": "https://broker.example.com/optout"},
		&Collaborators{Browser: browser, FormDetector: detector},
	)
	_, err := handleFormSubmit(ec)
	require.Error(t, err)
	var te *retry.TransientError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Transient)
}

type fakeIdentityMatcher struct {
	result MatchResult
}

func (f fakeIdentityMatcher) Match(_, _ map[string]any) (MatchResult, error) {
	return f.result, nil
}

type fakeVault struct {
	profile map[string]any
}

func (f fakeVault) Decrypt(_ context.Context, _ string) (map[string]any, error) {
	return f.profile, nil
}

func TestHandleMatchIdentityScoresListings(t *testing.T) {
	matcher := fakeIdentityMatcher{result: MatchResult{Confidence: 0.92, Matched: true}}
	vault := fakeVault{profile: map[string]any{"name": "Jane Doe"}}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskMatchIdentity},
		map[string]any{"profile_id": "p1", "listings": []any{map[string]any{"name": "Jane Doe"}}},
		&Collaborators{IdentityMatcher: matcher, Vault: vault},
	)
	out, err := handleMatchIdentity(ec)
	require.NoError(t, err)
	results := out["results"].([]map[string]any)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0]["matched"])
}

func TestHandleLegalGenerateRendersTemplate(t *testing.T) {
	renderer := TextTemplateRenderer{Templates: map[string]string{"ccpa": "Dear Broker, remove {{.name}}."}}
	vault := fakeVault{profile: map[string]any{"name": "Jane Doe"}}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskLegalGenerate},
		map[string]any{"template": "ccpa", "profile_id": "p1"},
		&Collaborators{LegalTemplates: renderer, Vault: vault},
	)
	out, err := handleLegalGenerate(ec)
	require.NoError(t, err)
	assert.Equal(t, "Dear Broker, remove Jane Doe.", out["letter"])
}

type fakeBrokerStore struct {
	listingID      string
	actionRecorded bool
}

func (f *fakeBrokerStore) UpsertBrokerListingStatus(_, _, _ string, _ time.Time) (string, error) {
	return f.listingID, nil
}
func (f *fakeBrokerStore) RecordRemovalAction(_, _, _, _, _, _, _ string) error {
	f.actionRecorded = true
	return nil
}

func TestHandleBrokerUpdateStatusUpsertsAndRecordsAction(t *testing.T) {
	store := &fakeBrokerStore{listingID: "listing-1"}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskBrokerUpdateStatus},
		map[string]any{
			"broker_id": "spokeo", "profile_id": "p1", "status": "removed",
			"removal_action": map[string]any{"type": "opt_out_form", "status": "submitted"},
		},
		&Collaborators{BrokerStore: store},
	)
	out, err := handleBrokerUpdateStatus(ec)
	require.NoError(t, err)
	assert.Equal(t, "listing-1", out["listing_id"])
	assert.True(t, store.actionRecorded)
	assert.NotEmpty(t, out["removal_action_id"])
}

type fakeHumanQueue struct {
	enqueued bool
}

func (f *fakeHumanQueue) EnqueueHumanAction(_, _, _, _, _ string, _ int) error {
	f.enqueued = true
	return nil
}

func TestHandleQueueHumanActionEnqueues(t *testing.T) {
	queue := &fakeHumanQueue{}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskQueueHumanAction},
		map[string]any{"broker_id": "spokeo", "action_needed": "manual_review"},
		&Collaborators{HumanQueue: queue},
	)
	out, err := handleQueueHumanAction(ec)
	require.NoError(t, err)
	assert.True(t, queue.enqueued)
	assert.NotEmpty(t, out["queue_item_id"])
}

func TestHandleCaptchaSolveDelegatesToHumanQueue(t *testing.T) {
	queue := &fakeHumanQueue{}
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskCaptchaSolve},
		map[string]any{"broker_id": "spokeo"},
		&Collaborators{HumanQueue: queue},
	)
	out, err := handleCaptchaSolve(ec)
	require.NoError(t, err)
	assert.True(t, queue.enqueued)
	assert.Equal(t, "captcha", out["action_needed"])
}

func TestHandleLLMJSONUsesMockClient(t *testing.T) {
	ec := baseExecutionContext(
		plan.Task{Type: plan.TaskLLMJSON},
		map[string]any{
			"prompt": "classify this listing",
			"schema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"matched": map[string]any{"type": "boolean"}},
			},
		},
		&Collaborators{LLM: MockLLMClient{}},
	)
	out, err := handleLLMJSON(ec)
	require.NoError(t, err)
	result := out["result"].(map[string]any)
	assert.Equal(t, false, result["matched"])
}

func TestHandleLLMJSONNoClientConfigured(t *testing.T) {
	ec := baseExecutionContext(plan.Task{Type: plan.TaskLLMJSON}, map[string]any{"prompt": "x"}, &Collaborators{})
	_, err := handleLLMJSON(ec)
	require.Error(t, err)
}
