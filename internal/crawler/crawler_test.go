package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// siteExecutor serves canned HTML pages keyed by URL and records every fetch.
type siteExecutor struct {
	mu      sync.Mutex
	pages   map[string]string
	down    map[string]bool
	fetched []string
}

func (s *siteExecutor) ExecuteBatch(ctx context.Context, specs []networking.RequestSpec) []networking.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]networking.Result, len(specs))
	for i, spec := range specs {
		s.fetched = append(s.fetched, spec.URL)
		out[i].Spec = spec
		if s.down[spec.URL] {
			out[i].Err = errors.New("connection refused")
			continue
		}
		body, ok := s.pages[spec.URL]
		status := http.StatusOK
		if !ok {
			status = http.StatusNotFound
		}
		out[i].Observations = []*networking.Observation{{
			URL:        spec.URL,
			StatusCode: status,
			Headers:    networking.Headers{{Name: "Content-Type", Value: "text/html"}},
			Body:       body,
		}}
	}
	return out
}

func page(links ...string) string {
	body := "<html><body>"
	for _, l := range links {
		body += fmt.Sprintf(`<a href="%s">x</a>`, l)
	}
	return body + "</body></html>"
}

func newTestCrawler(t *testing.T, exec BatchExecutor, mutate func(*config.Config)) *Crawler {
	t.Helper()
	cfg := config.GetDefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(exec, cfg, &utils.NoOpLogger{})
	require.NoError(t, err)
	return c
}

func urls(cands []CandidateURL) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.URL
	}
	return out
}

func TestCrawl_NeverYieldsPagesBeyondMaxDepth(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{pages: map[string]string{
		"http://site.test/":      page("/one"),
		"http://site.test/one":   page("/two"),
		"http://site.test/two":   page("/three"),
		"http://site.test/three": page(),
	}}
	c := newTestCrawler(t, exec, nil)
	target := config.Target{Seeds: []string{"http://site.test/"}, MaxDepth: 2}

	cands, err := c.Collect(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://site.test/", "http://site.test/one", "http://site.test/two"}, urls(cands))
	assert.Equal(t, []int{0, 1, 2}, []int{cands[0].Depth, cands[1].Depth, cands[2].Depth})
	assert.NotContains(t, exec.fetched, "http://site.test/two", "pages at max depth are not expanded")
	assert.NotContains(t, exec.fetched, "http://site.test/three")
}

func TestCrawl_DeduplicatesAndSurvivesCycles(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{pages: map[string]string{
		"http://site.test/":  page("/a", "/b", "/a#frag", "http://SITE.test:80/a"),
		"http://site.test/a": page("/", "/b"),
		"http://site.test/b": page("/a"),
	}}
	c := newTestCrawler(t, exec, nil)

	cands, err := c.Collect(context.Background(), config.Target{Seeds: []string{"http://site.test/"}, MaxDepth: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"http://site.test/", "http://site.test/a", "http://site.test/b"}, urls(cands))
}

func TestCrawl_AppliesScopeRules(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{pages: map[string]string{
		"http://site.test/": page(
			"/admin/users", "/administrator", "/docs/guide", "/docs/v1/api",
			"http://other.test/x", "/static/app.css", "/logo.png", "mailto:a@b.c",
		),
	}}
	c := newTestCrawler(t, exec, nil)
	target := config.Target{
		Seeds:        []string{"http://site.test/"},
		ExcludePaths: []string{"/admin/", "/docs/*/api"},
		MaxDepth:     1,
	}

	cands, err := c.Collect(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://site.test/", "http://site.test/administrator", "http://site.test/docs/guide"}, urls(cands))
}

func TestCrawl_WordlistEntriesLandAtDepthOne(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/paths.txt"
	require.NoError(t, writeFile(path, "# comment\nbackup\n/api/v1\n"))

	exec := &siteExecutor{pages: map[string]string{"http://site.test/": page()}}
	c := newTestCrawler(t, exec, func(cfg *config.Config) { cfg.Wordlists.Paths = path })
	target := config.Target{Seeds: []string{"http://site.test/"}, IncludePaths: []string{"/login"}, MaxDepth: 3}

	cands, err := c.Collect(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, cands, 4)
	for _, cand := range cands[1:] {
		assert.Equal(t, 1, cand.Depth)
		assert.Equal(t, SourceWordlist, cand.Source)
		assert.Equal(t, "http://site.test/", cand.Parent)
	}
	assert.Equal(t, []string{"http://site.test/login", "http://site.test/backup", "http://site.test/api/v1"}, urls(cands[1:]))
}

func TestCrawl_UnreachableSeedIsCrawlError(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{
		pages: map[string]string{"http://up.test/": page()},
		down:  map[string]bool{"http://down.test/": true},
	}
	c := newTestCrawler(t, exec, nil)

	cands, err := c.Collect(context.Background(), config.Target{Seeds: []string{"http://down.test/", "http://up.test/"}, MaxDepth: 1})
	require.Error(t, err)
	assert.True(t, IsCrawlError(err))
	var ce *CrawlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "http://down.test/", ce.Seed)
	assert.Equal(t, []string{"http://up.test/"}, urls(cands))
}

func TestCrawl_RespectsMaxURLsAndEarlyBreak(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{pages: map[string]string{"http://site.test/": page("/1", "/2", "/3", "/4")}}
	c := newTestCrawler(t, exec, func(cfg *config.Config) { cfg.MaxURLs = 3 })
	target := config.Target{Seeds: []string{"http://site.test/"}, MaxDepth: 1}

	cands, err := c.Collect(context.Background(), target)
	require.NoError(t, err)
	assert.Len(t, cands, 3)

	n := 0
	for _, err := range c.Crawl(context.Background(), target) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestCrawl_IsRestartable(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{pages: map[string]string{
		"http://site.test/":  page("/a?b=2&a=1"),
		"http://site.test/a": page(),
	}}
	c := newTestCrawler(t, exec, nil)
	target := config.Target{Seeds: []string{"site.test"}, MaxDepth: 2}

	first, err := c.Collect(context.Background(), target)
	require.NoError(t, err)
	second, err := c.Collect(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.Equal(t, []string{"a", "b"}, first[1].Params)
	assert.Equal(t, "http://site.test/a?a=1&b=2", first[1].Normalized)
}

func TestCrawl_CancelledContextEndsSequence(t *testing.T) {
	t.Parallel()

	exec := &siteExecutor{pages: map[string]string{"http://site.test/": page("/a")}}
	c := newTestCrawler(t, exec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Collect(ctx, config.Target{Seeds: []string{"http://site.test/"}, MaxDepth: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCrawl_AgainstLiveServer(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path != "/" {
			fmt.Fprint(w, "<html>leaf</html>")
			return
		}
		fmt.Fprint(w, `<html><head><base href="/app/"></head><body>
			<a href="home">h</a><form action="/search"></form>
			<script>fetch('/api/items').then(r => r.json())</script>
		</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.GetDefaultConfig()
	cfg.Timeout = 2 * time.Second
	client, err := networking.NewClient(cfg, &utils.NoOpLogger{})
	require.NoError(t, err)
	d := networking.NewDispatcher(client, networking.NewRateLimiter(0, 1), nil, 4, &utils.NoOpLogger{})
	defer d.Close()

	c, err := New(d, cfg, &utils.NoOpLogger{})
	require.NoError(t, err)
	cands, err := c.Collect(context.Background(), config.Target{Seeds: []string{srv.URL}, MaxDepth: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		srv.URL + "/", srv.URL + "/app/home", srv.URL + "/search", srv.URL + "/api/items",
	}, urls(cands))
}
