package toolparser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

// xssFinding mirrors one element of the XSS tool's `--format json` array,
// per spec.md §4.6/§6.
type xssFinding struct {
	Param    string `json:"param"`
	POC      string `json:"poc"`
	URL      string `json:"url"`
	Evidence string `json:"evidence"`
	Severity string `json:"severity,omitempty"`
	CWE      string `json:"cwe,omitempty"`
}

// ParseXSSJSON parses the XSS tool's batch JSON output into
// Vulnerabilities attributed to endpoint. A malformed payload is a
// model.ErrParseError, not fatal to the scan (spec.md §7): the caller
// should log it as a warning and treat the invocation as having produced
// zero findings.
func ParseXSSJSON(data []byte, endpoint model.EndpointKey) ([]model.Vulnerability, error) {
	var findings []xssFinding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("%w: xss tool output: %v", model.ErrParseError, err)
	}

	vulns := make([]model.Vulnerability, 0, len(findings))
	for _, f := range findings {
		vulns = append(vulns, model.Vulnerability{
			Type:        model.XSSTool,
			Severity:    ClassifyXSSSeverity(f.Severity, f.POC),
			Endpoint:    endpoint,
			Parameter:   f.Param,
			Description: f.Evidence,
		})
	}
	return vulns, nil
}

// ClassifyXSSSeverity implements spec.md §4.6's rule: an explicit
// severity wins; otherwise a POC containing "alert" is high, else medium.
// ParseXSSJSON is its only caller; there is no streaming XSS parser.
func ClassifyXSSSeverity(explicit, poc string) model.Severity {
	if explicit != "" {
		return model.Severity(strings.ToLower(explicit))
	}
	if strings.Contains(strings.ToLower(poc), "alert") {
		return model.SeverityHigh
	}
	return model.SeverityMedium
}
