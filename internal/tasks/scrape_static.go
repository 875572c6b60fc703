package tasks

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func handleScrapeStatic(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.Scraper == nil {
		return nil, fmt.Errorf("tasks: scrape.static: no PageScraper configured")
	}

	html, _ := ec.Input["html"].(string)
	if html == "" {
		html, _ = ec.Input["body"].(string)
	}
	if html == "" {
		return nil, fmt.Errorf("tasks: scrape.static: input.html (or input.body) is required")
	}

	selectorsRaw, _ := ec.Input["selectors"].(map[string]any)
	fields := make(map[string]any, len(selectorsRaw))
	for name, sel := range selectorsRaw {
		selector, _ := sel.(string)
		matches, err := ec.Collabs.Scraper.Select(html, selector)
		if err != nil {
			return nil, fmt.Errorf("tasks: scrape.static: field %q: %w", name, err)
		}
		fields[name] = matches
	}

	return map[string]any{"fields": fields}, nil
}

// GoquerySelector is the default PageScraper, implementing the
// "<css> @<attr>" selector grammar spec §6 requires on top of
// github.com/PuerkitoBio/goquery's CSS selection.
type GoquerySelector struct{}

// Select parses html once and applies selector, where selector is either a
// bare CSS selector (text content of every match) or "<css> @<attr>"
// (attribute value of every match).
func (GoquerySelector) Select(html, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("scrape: parse html: %w", err)
	}

	css, attr, hasAttr := strings.Cut(selector, " @")

	var out []string
	doc.Find(css).Each(func(_ int, s *goquery.Selection) {
		if hasAttr {
			if v, ok := s.Attr(attr); ok {
				out = append(out, v)
			}
			return
		}
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out, nil
}
