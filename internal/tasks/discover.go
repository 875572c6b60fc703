package tasks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

// knownBrokerDomains mirrors original_source's KNOWN_BROKER_DOMAINS: the
// strongest classification signal for a discovered search result.
var knownBrokerDomains = map[string]bool{
	"spokeo.com": true, "beenverified.com": true, "intelius.com": true,
	"whitepages.com": true, "truepeoplesearch.com": true, "fastpeoplesearch.com": true,
	"peoplefinder.com": true, "familytreenow.com": true, "radaris.com": true,
	"acxiom.com": true, "mylife.com": true, "peekyou.com": true,
	"zabasearch.com": true, "pipl.com": true, "thatsthem.com": true,
	"ussearch.com": true, "instantcheckmate.com": true, "truthfinder.com": true,
	"clustrmaps.com": true, "nuwber.com": true, "publicrecordsnow.com": true,
	"cyberbackgroundchecks.com": true, "neighborwho.com": true, "addresses.com": true,
	"advancedbackgroundchecks.com": true, "anywho.com": true, "checkpeople.com": true,
	"publicdatacheck.com": true, "usphonebook.com": true, "voterrecords.com": true,
}

var profileURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/people/[A-Z]`),
	regexp.MustCompile(`(?i)/name/`),
	regexp.MustCompile(`(?i)/person/`),
	regexp.MustCompile(`(?i)/profile/`),
	regexp.MustCompile(`(?i)/search\?.*name=`),
	regexp.MustCompile(`/[A-Z][a-z]+-[A-Z][a-z]+/`),
}

var peopleSearchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)phone\s*(number|#)`),
	regexp.MustCompile(`(?i)address(es)?.*history`),
	regexp.MustCompile(`(?i)background\s*check`),
	regexp.MustCompile(`(?i)public\s*records?`),
	regexp.MustCompile(`(?i)people\s*search`),
	regexp.MustCompile(`(?i)find\s*(people|person|anyone)`),
	regexp.MustCompile(`(?i)age\s*\d{2}`),
	regexp.MustCompile(`(?i)relatives|associates`),
	regexp.MustCompile(`(?i)opt[\s-]*out`),
	regexp.MustCompile(`(?i)remove\s*(my|your)?\s*(info|information|listing|data)`),
}

// buildSearchQueries generates the query variations original_source's
// build_search_queries produces, maximizing discovery coverage.
func buildSearchQueries(fullName, city, state string) []string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		return nil
	}
	queries := []string{fmt.Sprintf("%q", name)}

	var locationParts []string
	if city != "" {
		locationParts = append(locationParts, strings.TrimSpace(city))
	}
	if state != "" {
		locationParts = append(locationParts, strings.TrimSpace(state))
	}
	location := strings.Join(locationParts, ", ")

	if location != "" {
		queries = append(queries, fmt.Sprintf("%q %s", name, location))
	}
	queries = append(queries, fmt.Sprintf("%q public records", name))
	queries = append(queries, fmt.Sprintf("%q people search", name))
	if location != "" {
		queries = append(queries, fmt.Sprintf("%q %s address phone", name, location))
	}
	return queries
}

func extractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// classifiedResult is a search result scored for broker likelihood.
type classifiedResult struct {
	URL            string
	Title          string
	Position       int
	Domain         string
	IsKnownBroker  bool
	IsLikelyBroker bool
	Confidence     float64
	Signals        []string
}

// classifySearchResult ports classify_result's three-signal scoring.
func classifySearchResult(r SearchResult, position int) classifiedResult {
	domain := extractDomain(r.URL)
	var signals []string
	score := 0.0

	isKnown := knownBrokerDomains[domain]
	if isKnown {
		signals = append(signals, "known_broker_domain:"+domain)
		score += 0.7
	}

	for _, p := range profileURLPatterns {
		if p.MatchString(r.URL) {
			signals = append(signals, "profile_url_pattern:"+p.String())
			score += 0.15
			break
		}
	}

	text := r.Title
	hits := 0
	for _, p := range peopleSearchPatterns {
		if p.MatchString(text) {
			signals = append(signals, "text_pattern:"+p.String())
			hits++
			if hits >= 3 {
				break
			}
		}
	}
	score += minFloat(float64(hits)*0.1, 0.3)

	confidence := minFloat(score, 1.0)
	return classifiedResult{
		URL: r.URL, Title: r.Title, Position: position, Domain: domain,
		IsKnownBroker: isKnown, IsLikelyBroker: confidence >= 0.3,
		Confidence: confidence, Signals: signals,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// handleDiscoverSearchEngine builds a name/location query set, fetches SERP
// results, classifies each via the known-domain/URL/keyword heuristic, and
// returns the likely-broker subset sorted by confidence descending (spec §6
// discover.search_engine). Idempotent; transient classification as
// http.request.
func handleDiscoverSearchEngine(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.SearchEngine == nil {
		return nil, fmt.Errorf("tasks: discover.search_engine: no SearchEngineClient configured")
	}

	fullName, _ := ec.Input["full_name"].(string)
	if fullName == "" {
		return nil, fmt.Errorf("tasks: discover.search_engine: input.full_name is required")
	}
	city, _ := ec.Input["city"].(string)
	state, _ := ec.Input["state"].(string)

	queries := buildSearchQueries(fullName, city, state)

	var classified []classifiedResult
	for _, q := range queries {
		results, err := ec.Collabs.SearchEngine.Search(ec.Context, q)
		if err != nil {
			return nil, retry.NewTransient(err)
		}
		for i, r := range results {
			classified = append(classified, classifySearchResult(r, i+1))
		}
	}

	likely := make([]classifiedResult, 0, len(classified))
	for _, c := range classified {
		if c.IsLikelyBroker {
			likely = append(likely, c)
		}
	}
	sort.SliceStable(likely, func(i, j int) bool {
		if likely[i].Confidence != likely[j].Confidence {
			return likely[i].Confidence > likely[j].Confidence
		}
		return likely[i].Position < likely[j].Position
	})

	out := make([]map[string]any, 0, len(likely))
	for _, c := range likely {
		out = append(out, map[string]any{
			"url":             c.URL,
			"title":           c.Title,
			"domain":          c.Domain,
			"is_known_broker": c.IsKnownBroker,
			"confidence":      c.Confidence,
			"signals":         c.Signals,
		})
	}
	return map[string]any{"queries": queries, "results": out}, nil
}

// HTTPSearchEngineClient fetches a SERP over plain net/http and extracts
// anchor tags with the goquery-backed PageScraper, mirroring
// original_source's parse_search_results_from_html. The search engine's
// rendering details are out of core scope (spec.md §1).
type HTTPSearchEngineClient struct {
	HTTP    HTTPClient
	Scraper PageScraper
	Engine  string // "google" or "bing"
}

func (c HTTPSearchEngineClient) buildSearchURL(query string) string {
	encoded := url.QueryEscape(query)
	if c.Engine == "bing" {
		return "https://www.bing.com/search?q=" + encoded
	}
	return "https://www.google.com/search?q=" + encoded + "&num=20"
}

// Search fetches the results page and extracts candidate links via the
// "a @href" / "a" selector pair, skipping search-engine-internal domains.
func (c HTTPSearchEngineClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildSearchURL(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; erasure-executor/1.0)")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, err
	}

	hrefs, err := c.Scraper.Select(string(body), "a @href")
	if err != nil {
		return nil, err
	}
	titles, err := c.Scraper.Select(string(body), "a")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var results []SearchResult
	for i, href := range hrefs {
		if !strings.HasPrefix(href, "http") || seen[href] {
			continue
		}
		domain := extractDomain(href)
		if domain == "google.com" || domain == "bing.com" || strings.Contains(href, "/search?") {
			continue
		}
		seen[href] = true
		title := ""
		if i < len(titles) {
			title = titles[i]
		}
		results = append(results, SearchResult{URL: href, Title: title})
	}
	return results, nil
}
