// Package discovery turns the SQLi tool's crawl CSV artifact into the
// deduplicated Endpoint/Parameter set the test phases run against, and
// writes the two derived target files other tool invocations read from.
package discovery

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

const csvHeader = "URL,POST"

// queryParamFallbackRe extracts query parameter names. It runs over the
// parsed query string when url.Parse succeeds, else over the raw URL.
var queryParamFallbackRe = regexp.MustCompile(`[?&]([^=&]+)=`)

// Result is the aggregated outcome of reading one crawl CSV.
type Result struct {
	Endpoints  []model.Endpoint
	Parameters []model.Parameter
}

// ReadResult is ReadCSV's outcome: the parsed Result plus the number of
// malformed rows (a data line with no comma, or a wrong header line) that
// were skipped rather than aborting the read. Blank lines are skipped
// without being counted.
type ReadResult struct {
	Result
	SkippedRows int
}

// ReadCSV implements spec.md §4.3/§6: header exactly "URL,POST", one
// record per data line, the FIRST comma separates URL from POST body
// (the body itself may contain commas). Endpoints are deduped by
// (method, url), merging parameter sets in first-seen order. When rows
// were skipped, the full ReadResult is returned together with an error
// wrapping model.ErrParseError.
func ReadCSV(path string) (ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReadResult{}, fmt.Errorf("discovery: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	order := make([]model.EndpointKey, 0)
	byKey := make(map[model.EndpointKey]*model.Endpoint)
	var skipped int

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.TrimSpace(line) != csvHeader {
				skipped++
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		rawURL, body, ok := splitFirstComma(line)
		if !ok {
			skipped++
			continue
		}

		method := model.MethodGET
		if body != "" {
			method = model.MethodPOST
		}

		params := extractParams(rawURL, body)
		key := model.EndpointKey{Method: method, URL: rawURL}

		ep, exists := byKey[key]
		if !exists {
			newEp := model.Endpoint{Method: method, URL: rawURL}
			if body != "" {
				newEp.SetPostData(body)
			}
			newEp.MergeParameters(params)
			byKey[key] = &newEp
			order = append(order, key)
			continue
		}
		ep.MergeParameters(params)
		if body != "" {
			ep.SetPostData(body)
		}
	}
	if err := scanner.Err(); err != nil {
		return ReadResult{}, fmt.Errorf("discovery: scanning %s: %w", path, err)
	}

	res := Result{
		Endpoints:  make([]model.Endpoint, 0, len(order)),
		Parameters: make([]model.Parameter, 0),
	}
	for _, key := range order {
		ep := *byKey[key]
		res.Endpoints = append(res.Endpoints, ep)
		ptype := model.ParamQuery
		if ep.Method == model.MethodPOST {
			ptype = model.ParamBody
		}
		for _, name := range ep.Parameters {
			res.Parameters = append(res.Parameters, model.Parameter{
				Endpoint: key,
				Name:     name,
				Type:     ptype,
				Testable: name != "*",
			})
		}
	}

	if skipped > 0 {
		return ReadResult{Result: res, SkippedRows: skipped}, fmt.Errorf("%w: %d malformed row(s) in %s", model.ErrParseError, skipped, path)
	}
	return ReadResult{Result: res, SkippedRows: skipped}, nil
}

// splitFirstComma splits a CSV data line on its first comma only, per
// spec.md §6. A line with no comma at all is treated as malformed.
func splitFirstComma(line string) (rawURL string, body string, ok bool) {
	idx := strings.Index(line, ",")
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+1:], true
}

// extractParams combines query-string parameter names (via net/url, with
// a regex fallback) and body parameter names (split on '&' then first
// '='), preserving first-seen order and de-duplicating.
func extractParams(rawURL, body string) []string {
	seen := make(map[string]struct{})
	var names []string

	add := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	queryPart := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
		queryPart = "?" + u.RawQuery
	}
	for _, m := range queryParamFallbackRe.FindAllStringSubmatch(queryPart, -1) {
		add(m[1])
	}

	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		name := pair
		if i := strings.Index(pair, "="); i >= 0 {
			name = pair[:i]
		}
		add(name)
	}

	return names
}

// WriteTargetFiles writes get_targets.txt and post_targets.txt under dir,
// per spec.md §6.
func WriteTargetFiles(dir string, endpoints []model.Endpoint) error {
	var getLines, postLines []string
	for _, ep := range endpoints {
		switch ep.Method {
		case model.MethodGET:
			getLines = append(getLines, ep.URL)
		case model.MethodPOST:
			body := ep.PostData
			if body == "" {
				body = reconstructBody(ep.Parameters)
			}
			postLines = append(postLines, ep.URL+"|||"+body)
		}
	}

	if err := writeLines(filepath.Join(dir, "get_targets.txt"), getLines); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(dir, "post_targets.txt"), postLines); err != nil {
		return err
	}
	return nil
}

func reconstructBody(params []string) string {
	parts := make([]string, 0, len(params))
	for _, name := range params {
		parts = append(parts, name+"=")
	}
	return strings.Join(parts, "&")
}

func writeLines(path string, lines []string) error {
	if len(lines) == 0 {
		return os.WriteFile(path, nil, 0o644)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("discovery: writing %s: %w", path, err)
	}
	return nil
}
