package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.csv")
	content := "URL,POST\n"
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCSV_GETEndpointWithQueryParam(t *testing.T) {
	path := writeCSV(t, "http://t/a?id=1,")

	res, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, res.Endpoints, 1)
	ep := res.Endpoints[0]
	assert.Equal(t, model.MethodGET, ep.Method)
	assert.Equal(t, "http://t/a?id=1", ep.URL)
	assert.Equal(t, []string{"id"}, ep.Parameters)
}

func TestReadCSV_SplitsOnFirstCommaIntoURLAndPOSTBody(t *testing.T) {
	// spec.md §8 literal example: "http://x/a?id=1,a=1&b=2" yields one POST
	// endpoint with URL "http://x/a?id=1" and body "a=1&b=2", params {id,a,b}.
	path := writeCSV(t, "http://x/a?id=1,a=1&b=2")

	res, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, res.Endpoints, 1)
	ep := res.Endpoints[0]
	assert.Equal(t, model.MethodPOST, ep.Method)
	assert.Equal(t, "http://x/a?id=1", ep.URL)
	assert.Equal(t, "a=1&b=2", ep.PostData)
	assert.ElementsMatch(t, []string{"id", "a", "b"}, ep.Parameters)
}

func TestReadCSV_DedupesByMethodAndURLMergingParams(t *testing.T) {
	path := writeCSV(t,
		"http://t/a,id=1",
		"http://t/a,name=bob",
	)

	res, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, res.Endpoints, 1)
	assert.Equal(t, []string{"id", "name"}, res.Endpoints[0].Parameters)
}

func TestReadCSV_SkipsMalformedRowsWithParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.csv")
	// A line with no comma at all is malformed.
	content := "URL,POST\nhttp://t/a?id=1,\nmalformed-line-no-comma\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	res, err := ReadCSV(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrParseError)
	require.Len(t, res.Endpoints, 1)
}

func TestWriteTargetFiles_WritesGetAndPostLines(t *testing.T) {
	dir := t.TempDir()
	endpoints := []model.Endpoint{
		{Method: model.MethodGET, URL: "http://t/a?id=1"},
		{Method: model.MethodPOST, URL: "http://t/b", PostData: "x=1&y=2"},
	}

	require.NoError(t, WriteTargetFiles(dir, endpoints))

	get, err := os.ReadFile(filepath.Join(dir, "get_targets.txt"))
	require.NoError(t, err)
	assert.Equal(t, "http://t/a?id=1\n", string(get))

	post, err := os.ReadFile(filepath.Join(dir, "post_targets.txt"))
	require.NoError(t, err)
	assert.Equal(t, "http://t/b|||x=1&y=2\n", string(post))
}

func TestWriteTargetFiles_ReconstructsBodyWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	endpoints := []model.Endpoint{
		{Method: model.MethodPOST, URL: "http://t/c", Parameters: []string{"x", "y"}},
	}

	require.NoError(t, WriteTargetFiles(dir, endpoints))

	post, err := os.ReadFile(filepath.Join(dir, "post_targets.txt"))
	require.NoError(t, err)
	assert.Equal(t, "http://t/c|||x=&y=\n", string(post))
}
