// Package toolparser recognizes tool completion markers and extracts
// findings from the two scanner binaries' streaming and batch output.
// Regexes are compiled once at package init, matching the teacher's
// compile-once-at-package-level convention (internal/driven/analyzer.go's
// whitespaceRegex) rather than recompiling per line.
package toolparser

import "regexp"

var (
	// crawlCompletionRe matches the SQLi tool's "found a total of N
	// targets" log line that signals crawling is done.
	crawlCompletionRe = regexp.MustCompile(`(?i)found a total of (\d+) targets?`)

	// vulnerabilitySignalRe flags a line as reporting a confirmed finding.
	vulnerabilitySignalRe = regexp.MustCompile(`(?i)vulnerable|injectable|injection point`)

	// paramAttributionRe matches "Parameter: ... <name>" style lines.
	paramAttributionRe = regexp.MustCompile(`(?i)parameter:\s*(?:'([^']+)'|"([^"]+)"|(\S+))`)

	// criticalAttributionRe matches "[CRITICAL] ... <name>" style lines.
	criticalAttributionRe = regexp.MustCompile(`\[CRITICAL\].*?(\S+)\s*$`)

	// bannerPatterns filter out ASCII-art/legal/startup/prompt noise that
	// is never a finding signal, even if it happens to contain a
	// parameter name.
	bannerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*[-=_*#~]{3,}\s*$`),                       // ascii art separators
		regexp.MustCompile(`(?i)legal disclaimer`),
		regexp.MustCompile(`(?i)usage of .* for attacking targets`),
		regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\]\s*\[INFO\]`),          // timestamp-prefixed startup info
		regexp.MustCompile(`(?i)press (enter|ctrl-c) to`),
		regexp.MustCompile(`(?i)\[y/N\]|\[Y/n\]`),                        // quit/continue prompts
	}
)

// isBanner reports whether line is known startup/prompt noise rather than
// tool output that could carry a finding.
func isBanner(line string) bool {
	for _, re := range bannerPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
