package model

import (
	"errors"
	"net/url"
)

// Error kinds per spec.md §7. Each wraps context with fmt.Errorf("...: %w", ErrX)
// so callers can errors.Is/errors.As against the sentinel.
var (
	// ErrConfigInvalid is fatal at construction time.
	ErrConfigInvalid = errors.New("config invalid")
	// ErrToolMissing is logged as a warning; phases requiring the tool become no-ops.
	ErrToolMissing = errors.New("tool missing")
	// ErrToolInvocationFailed marks a subphase as error and continues to the next.
	ErrToolInvocationFailed = errors.New("tool invocation failed")
	// ErrArtifactNotFound means the crawl CSV was absent after the retry window.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrParseError marks a malformed CSV row or XSS JSON output; the offending
	// row/output is skipped with a warning.
	ErrParseError = errors.New("parse error")
	// ErrTimeout means a tool deadline was reached; non-fatal, partial output retained.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled is returned by suspension primitives after stop(); propagated
	// silently, never logged as an error.
	ErrCancelled = errors.New("cancelled")

	// ErrAlreadyStarted is returned by a second Start() call on one Orchestrator.
	ErrAlreadyStarted = errors.New("scan already started")
	// ErrScanFinished is returned by any control call after a terminal event.
	ErrScanFinished = errors.New("scan already finished")
)

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}
