package toolparser

import (
	"strings"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

// FindingParser extracts vulnerability findings from one SQLi test-run
// invocation's streaming stdout. It is scoped to a single Endpoint/
// parameter-list pair and reset by the phase runner before each new
// invocation, so "first match per (endpoint, param) wins" (spec.md §4.2)
// only ever looks within the current invocation's own lines.
type FindingParser struct {
	endpoint model.EndpointKey
	params   []string
	seen     map[string]struct{}
}

// NewFindingParser creates a parser scoped to endpoint, attributing
// matches to the first of params whose name appears in a line.
func NewFindingParser(endpoint model.EndpointKey, params []string) *FindingParser {
	return &FindingParser{endpoint: endpoint, params: params, seen: make(map[string]struct{})}
}

// OnLine feeds one stdout line. It returns a new Vulnerability the first
// time a still-unseen parameter on this endpoint is confirmed vulnerable;
// subsequent matches for the same parameter are ignored. Banner/prompt
// noise is filtered before the vulnerability-signal check runs.
func (p *FindingParser) OnLine(line string) (model.Vulnerability, bool) {
	if isBanner(line) {
		return model.Vulnerability{}, false
	}
	if !vulnerabilitySignalRe.MatchString(line) {
		return model.Vulnerability{}, false
	}

	param, ok := attributeParameter(line, p.params)
	if !ok {
		return model.Vulnerability{}, false
	}
	if _, dup := p.seen[param]; dup {
		return model.Vulnerability{}, false
	}
	p.seen[param] = struct{}{}

	return model.Vulnerability{
		Type:        model.SQLiTool,
		Severity:    model.SeverityCritical, // all SQLi findings are critical, spec.md §4.2
		Endpoint:    p.endpoint,
		Parameter:   param,
		Description: line,
	}, true
}

// attributeParameter implements spec.md §4.2's attribution rule: the
// parameter is the first param.name for which the line contains
// param.name OR matches "Parameter: ... <name>" OR "[CRITICAL] ... <name>".
func attributeParameter(line string, params []string) (string, bool) {
	for _, name := range params {
		if name == "" || name == "*" {
			continue
		}
		if containsWord(line, name) {
			return name, true
		}
	}

	if m := paramAttributionRe.FindStringSubmatch(line); m != nil {
		name := firstNonEmpty(m[1], m[2], m[3])
		if name != "" {
			if matched, ok := matchKnownParam(name, params); ok {
				return matched, true
			}
		}
	}

	if m := criticalAttributionRe.FindStringSubmatch(line); m != nil {
		if matched, ok := matchKnownParam(m[1], params); ok {
			return matched, true
		}
	}

	return "", false
}

func matchKnownParam(candidate string, params []string) (string, bool) {
	for _, name := range params {
		if name == candidate {
			return name, true
		}
	}
	return "", false
}

func containsWord(line, word string) bool {
	return strings.Contains(line, word)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
