package tasks

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/muckitymuck/erasure-executor/internal/retry"
)

func handleHTTPRequest(ec ExecutionContext) (map[string]any, error) {
	if ec.Collabs == nil || ec.Collabs.HTTP == nil {
		return nil, fmt.Errorf("tasks: http.request: no HTTPClient configured")
	}

	method, _ := ec.Input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	url, _ := ec.Input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("tasks: http.request: input.url is required")
	}

	var body io.Reader
	if b, ok := ec.Input["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ec.Context, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("tasks: http.request: build request: %w", err)
	}
	if headers, ok := ec.Input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := ec.Collabs.HTTP.Do(req)
	if err != nil {
		return nil, retry.NewTransient(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, retry.NewTransient(err)
	}

	out := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        string(respBody),
	}

	if resp.StatusCode >= 400 {
		if retry.IsTransientHTTPStatus(resp.StatusCode) {
			return out, retry.NewTransientStatus(resp.StatusCode, fmt.Sprintf("http.request: %s %s returned %d", method, url, resp.StatusCode))
		}
		return out, retry.NewFatal(fmt.Sprintf("http.request: %s %s returned %d", method, url, resp.StatusCode))
	}
	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
