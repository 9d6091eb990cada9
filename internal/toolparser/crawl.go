package toolparser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

// Crawl completion/CSV-search timing, fixed by spec.md §4.2/§5.
const (
	CompletionKillDelay = 1 * time.Second
	PostKillWait        = 5 * time.Second
	CSVRetryWait        = 2 * time.Second
	CSVRetryCount       = 3
	csvFreshWindow      = time.Hour
)

// CrawlParser watches the SQLi tool's crawl-mode stdout for the
// completion marker and, through FindCSV, searches the scan's tmp
// directory for the crawl's CSV artifact. The discovery phase calls
// FindCSV once the crawl invocation has ended, whether or not the marker
// was seen (a deadline kill without a marker takes the same path).
type CrawlParser struct {
	tmpDir string

	matched atomic.Bool
}

// NewCrawlParser creates a parser that will search tmpDir for the crawl's
// CSV artifact once triggered.
func NewCrawlParser(tmpDir string) *CrawlParser {
	return &CrawlParser{tmpDir: tmpDir}
}

// OnLine feeds one stdout line to the parser. It returns true the first
// time the completion marker is recognized (later lines are ignored for
// this purpose).
func (p *CrawlParser) OnLine(line string) bool {
	if p.matched.Load() {
		return false
	}
	if crawlCompletionRe.MatchString(line) {
		p.matched.CompareAndSwap(false, true)
		return true
	}
	return false
}

// Matched reports whether the completion marker was ever recognized.
func (p *CrawlParser) Matched() bool { return p.matched.Load() }

// FindCSV searches tmpDir recursively for a .csv file modified within the
// last hour, retrying CSVRetryCount times with CSVRetryWait between
// attempts. If multiple fresh CSVs exist, the most recently modified one
// wins. Returns an error wrapping model.ErrArtifactNotFound if none is
// found after all retries.
func (p *CrawlParser) FindCSV(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= CSVRetryCount; attempt++ {
		path, err := p.searchOnce()
		if err == nil {
			return path, nil
		}
		lastErr = err

		if attempt == CSVRetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(CSVRetryWait):
		}
	}
	return "", lastErr
}

func (p *CrawlParser) searchOnce() (string, error) {
	var bestPath string
	var bestMTime time.Time
	cutoff := time.Now().Add(-csvFreshWindow)

	err := filepath.Walk(p.tmpDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort walk; unreadable entries are skipped
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			return nil
		}
		if bestPath == "" || info.ModTime().After(bestMTime) {
			bestPath = path
			bestMTime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("toolparser: walking %s: %w", p.tmpDir, err)
	}
	if bestPath == "" {
		return "", fmt.Errorf("%w: no .csv found under %s within %s", model.ErrArtifactNotFound, p.tmpDir, csvFreshWindow)
	}
	return bestPath, nil
}
