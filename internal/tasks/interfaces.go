package tasks

import (
	"context"
	"net/http"
	"time"
)

// HTTPClient is the narrow surface http.go needs; *http.Client satisfies it
// directly (spec.md §1 "Out of scope" — no HTTP client library appears
// anywhere in the retrieved corpus, so the standard one is used un-wrapped).
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// PageScraper extracts values from an HTML blob with a "<css> @<attr>"
// selector grammar (spec §6 scrape.static).
type PageScraper interface {
	Select(html string, selector string) ([]string, error)
}

// DetectedForm is what FormDetector reports about a located form.
type DetectedForm struct {
	Selector    string            `json:"selector"`
	FieldValues map[string]string `json:"field_values"`
	SubmitText  string            `json:"submit_text,omitempty"`
}

// Browser is the narrow surface scrape.rendered/form.submit need against a
// headless renderer. Its implementation is out of core scope (spec §1).
type Browser interface {
	Navigate(ctx context.Context, url string, waitFor string, timeoutMS int) (html string, status int, err error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector, waitFor string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// FormDetector locates a privacy/removal form on a rendered page, from
// explicit hints or heuristic keyword matching (spec §6 form.submit).
type FormDetector interface {
	Detect(html string, hints map[string]any) (*DetectedForm, error)
}

// OutgoingMail is one message for Mailer.Send.
type OutgoingMail struct {
	To      []string
	From    string
	Subject string
	Body    string
	Headers map[string]string
}

// Mailer sends outbound mail from the agent mailbox (spec §6 email.send).
type Mailer interface {
	Send(ctx context.Context, msg OutgoingMail) error
}

// MailFilter narrows an inbox poll to matching messages.
type MailFilter struct {
	From    string
	Subject string
}

// InboundMail is one matched message, with any URLs already extracted.
type InboundMail struct {
	From      string
	Subject   string
	Body      string
	URLs      []string
	ReceivedAt time.Time
}

// MailPoller searches an inbox with a wall-clock deadline (spec §6
// email.check).
type MailPoller interface {
	Poll(ctx context.Context, filter MailFilter, deadline time.Time) ([]InboundMail, error)
}

// MatchResult is a per-listing confidence score from an IdentityMatcher.
type MatchResult struct {
	Confidence float64        `json:"confidence"`
	Matched    bool           `json:"matched"`
	Fields     map[string]any `json:"matched_fields,omitempty"`
}

// IdentityMatcher scores a candidate listing against a decrypted profile
// (spec §6 match.identity).
type IdentityMatcher interface {
	Match(listing, profile map[string]any) (MatchResult, error)
}

// SearchResult is one classified SERP hit.
type SearchResult struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	BrokerID string `json:"broker_id,omitempty"`
}

// SearchEngineClient fetches SERP results for a discovery query (spec §6
// discover.search_engine).
type SearchEngineClient interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// LLMClient demands JSON-only completions against an embedded schema (spec
// §6 llm.json).
type LLMClient interface {
	CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (map[string]any, error)
}

// LegalTemplateRenderer renders one of the named legal letter templates
// against a decrypted profile (spec §6 legal.generate_request).
type LegalTemplateRenderer interface {
	Render(templateName string, profile map[string]any) (string, error)
}

// PIIVault decrypts a subject's stored profile for match.identity and
// legal.generate_request. Key management is out of core scope (spec §1).
type PIIVault interface {
	Decrypt(ctx context.Context, profileID string) (map[string]any, error)
}

// Collaborators bundles every connector a Dispatcher's handlers may need.
// A nil field means that task type is unavailable; handlers report a fatal
// configuration error rather than panic.
type Collaborators struct {
	HTTP            HTTPClient
	Scraper         PageScraper
	Browser         Browser
	FormDetector    FormDetector
	Mailer          Mailer
	MailPoller      MailPoller
	IdentityMatcher IdentityMatcher
	SearchEngine    SearchEngineClient
	LLM             LLMClient
	LegalTemplates  LegalTemplateRenderer
	Vault           PIIVault

	// HumanQueue and BrokerStore are the store-backed side effects of
	// queue.human_action/captcha.solve and broker.update_status
	// (REDESIGN FLAGS, DESIGN.md).
	HumanQueue  HumanActionEnqueuer
	BrokerStore BrokerStatusStore
}

// HumanActionEnqueuer is the store surface queue.human_action/captcha.solve
// write to.
type HumanActionEnqueuer interface {
	EnqueueHumanAction(itemID, brokerID, listingID, actionNeeded, instructions string, priority int) error
}

// BrokerStatusStore is the store surface broker.update_status writes to —
// the redesigned persistence path (DESIGN.md REDESIGN FLAGS).
type BrokerStatusStore interface {
	UpsertBrokerListingStatus(brokerID, profileID, status string, recheckAfter time.Time) (listingID string, err error)
	RecordRemovalAction(actionID, listingID, brokerID, profileID, actionType, status, detail string) error
}
