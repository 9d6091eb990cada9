package toolparser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

func TestCrawlParser_OnLine_MatchesCompletionMarker(t *testing.T) {
	p := NewCrawlParser(t.TempDir())

	assert.False(t, p.OnLine("[INFO] crawling site..."))
	assert.True(t, p.OnLine("[12:00:00] [INFO] found a total of 7 targets"))
	assert.True(t, p.Matched())
	// Further matches are ignored once already matched.
	assert.False(t, p.OnLine("found a total of 9 targets"))
}

func TestCrawlParser_FindCSV_PicksMostRecentFreshCSV(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "older.csv")
	newer := filepath.Join(dir, "newer.csv")
	require.NoError(t, os.WriteFile(older, []byte("URL,POST\n"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("URL,POST\n"), 0o644))

	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-10*time.Minute), now.Add(-10*time.Minute)))
	require.NoError(t, os.Chtimes(newer, now, now))

	p := NewCrawlParser(dir)
	got, err := p.FindCSV(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestCrawlParser_FindCSV_NoneFoundReturnsArtifactNotFound(t *testing.T) {
	dir := t.TempDir()
	p := NewCrawlParser(dir)

	// Shrink the retry loop for the test by using a short-lived context;
	// FindCSV still performs its fixed CSVRetryWait sleeps, so only assert
	// on the final error classification, not timing.
	ctx, cancel := context.WithTimeout(context.Background(), 7*time.Second)
	defer cancel()

	_, err := p.FindCSV(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrArtifactNotFound)
}

func TestFindingParser_OnLine_FirstMatchPerParamWins(t *testing.T) {
	ep := model.EndpointKey{Method: model.MethodGET, URL: "http://t/a"}
	p := NewFindingParser(ep, []string{"id", "name"})

	v, ok := p.OnLine("Parameter: id is vulnerable")
	require.True(t, ok)
	assert.Equal(t, "id", v.Parameter)
	assert.Equal(t, model.SeverityCritical, v.Severity)
	assert.Equal(t, model.SQLiTool, v.Type)

	// Duplicate line for the same param is ignored.
	_, ok = p.OnLine("Parameter: id is vulnerable")
	assert.False(t, ok)
}

func TestFindingParser_OnLine_IgnoresBannerLines(t *testing.T) {
	ep := model.EndpointKey{Method: model.MethodGET, URL: "http://t/a"}
	p := NewFindingParser(ep, []string{"id"})

	_, ok := p.OnLine("legal disclaimer: usage of this tool for attacking targets without prior mutual consent is illegal")
	assert.False(t, ok)
}

func TestFindingParser_OnLine_DirectNameMatch(t *testing.T) {
	ep := model.EndpointKey{Method: model.MethodGET, URL: "http://t/a"}
	p := NewFindingParser(ep, []string{"id"})

	v, ok := p.OnLine("GET parameter 'id' appears to be injectable")
	require.True(t, ok)
	assert.Equal(t, "id", v.Parameter)
}

func TestParseXSSJSON_SeverityRule(t *testing.T) {
	ep := model.EndpointKey{Method: model.MethodGET, URL: "http://t/a"}
	data := []byte(`[
		{"param":"q","poc":"<script>alert(1)</script>","url":"http://t/a","evidence":"reflected"},
		{"param":"r","poc":"<img src=x>","url":"http://t/a","evidence":"reflected"},
		{"param":"s","poc":"x","url":"http://t/a","evidence":"e","severity":"low"}
	]`)

	vulns, err := ParseXSSJSON(data, ep)
	require.NoError(t, err)
	require.Len(t, vulns, 3)
	assert.Equal(t, model.SeverityHigh, vulns[0].Severity)
	assert.Equal(t, model.SeverityMedium, vulns[1].Severity)
	assert.Equal(t, model.Severity("low"), vulns[2].Severity)
}

func TestParseXSSJSON_MalformedReturnsParseError(t *testing.T) {
	ep := model.EndpointKey{Method: model.MethodGET, URL: "http://t/a"}
	_, err := ParseXSSJSON([]byte("not json"), ep)
	require.Error(t, err)
}
