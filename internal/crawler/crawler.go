package crawler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"sort"
	"strings"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/utils"
)

// Source records how a CandidateURL was discovered.
type Source string

const (
	SourceSeed     Source = "seed"
	SourceCrawled  Source = "crawled"
	SourceWordlist Source = "wordlist"
)

// CandidateURL is one in-scope URL handed to the probes.
type CandidateURL struct {
	URL        string   `json:"url"`
	Normalized string   `json:"normalized"`
	Path       string   `json:"path"`
	Depth      int      `json:"depth"`
	Source     Source   `json:"source"`
	Parent     string   `json:"parent,omitempty"`
	Params     []string `json:"params,omitempty"`
}

// IsSeed reports whether c is one of the Target seeds.
func (c CandidateURL) IsSeed() bool {
	return c.Source == SourceSeed
}

// CrawlError reports a seed that could not be fetched.
type CrawlError struct {
	Seed string
	Err  error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("seed %s unreachable: %v", e.Seed, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// IsCrawlError reports whether err is or wraps a CrawlError.
func IsCrawlError(err error) bool {
	var ce *CrawlError
	return errors.As(err, &ce)
}

// BatchExecutor runs a batch of requests and returns results in input order.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, specs []networking.RequestSpec) []networking.Result
}

// Crawler discovers candidate URLs breadth-first.
type Crawler struct {
	executor BatchExecutor
	config   *config.Config
	logger   utils.Logger
	wordlist []string
}

// New creates a Crawler. The optional paths wordlist is read once here.
func New(executor BatchExecutor, cfg *config.Config, logger utils.Logger) (*Crawler, error) {
	c := &Crawler{executor: executor, config: cfg, logger: logger}
	if cfg.Wordlists.Paths != "" {
		lines, err := config.LoadLinesFromFile(cfg.Wordlists.Paths)
		if err != nil {
			return nil, fmt.Errorf("loading paths wordlist: %w", err)
		}
		c.wordlist = lines
		logger.Debugf("Loaded %d path wordlist entries from %s", len(lines), cfg.Wordlists.Paths)
	}
	return c, nil
}

// Crawl returns a lazy sequence of candidates for target. Seeds come first,
// then each depth level in discovery order. Unreachable seeds are yielded as
// CrawlError values; a cancelled ctx ends the sequence with ctx.Err().
// Each call starts a fresh traversal.
func (c *Crawler) Crawl(ctx context.Context, target config.Target) iter.Seq2[CandidateURL, error] {
	return func(yield func(CandidateURL, error) bool) {
		w := &walk{crawler: c, target: target, seen: make(map[string]bool)}
		w.run(ctx, yield)
	}
}

// Collect drains Crawl into a slice. It stops at the first error that is not
// a CrawlError; CrawlErrors are joined and returned alongside the candidates.
func (c *Crawler) Collect(ctx context.Context, target config.Target) ([]CandidateURL, error) {
	var (
		out       []CandidateURL
		seedFails []error
	)
	for cand, err := range c.Crawl(ctx, target) {
		if err != nil {
			if IsCrawlError(err) {
				seedFails = append(seedFails, err)
				continue
			}
			return out, err
		}
		out = append(out, cand)
	}
	return out, errors.Join(seedFails...)
}

// walk is the state of one traversal.
type walk struct {
	crawler *Crawler
	target  config.Target
	seen    map[string]bool
	scope   []*url.URL
	yielded int
}

func (w *walk) run(ctx context.Context, yield func(CandidateURL, error) bool) {
	c := w.crawler
	var seeds []CandidateURL
	for _, raw := range w.target.Seeds {
		cand, err := newCandidate(utils.EnsureScheme(raw), 0, SourceSeed, "")
		if err != nil {
			if !yield(CandidateURL{}, &CrawlError{Seed: raw, Err: err}) {
				return
			}
			continue
		}
		if w.seen[cand.Normalized] {
			continue
		}
		w.seen[cand.Normalized] = true
		u, _ := url.Parse(cand.URL)
		w.scope = append(w.scope, u)
		seeds = append(seeds, cand)
	}
	if len(seeds) == 0 {
		return
	}

	// seeds are fetched before being yielded so unreachable ones surface as errors
	results := c.executor.ExecuteBatch(ctx, crawlSpecs(seeds))
	if err := ctx.Err(); err != nil {
		yield(CandidateURL{}, err)
		return
	}
	var level []fetched
	for i, res := range results {
		if !res.OK() {
			err := res.Err
			if err == nil {
				err = errors.New("no response")
			}
			c.logger.Warnf("Seed %s unreachable: %v", seeds[i].URL, err)
			if !yield(CandidateURL{}, &CrawlError{Seed: seeds[i].URL, Err: err}) {
				return
			}
			continue
		}
		if !w.emit(seeds[i], yield) {
			return
		}
		level = append(level, fetched{cand: seeds[i], obs: res.Last()})
	}

	var next []CandidateURL
	if w.target.MaxDepth >= 1 {
		for _, f := range level {
			next = append(next, w.expandWordlist(f.cand)...)
		}
	}

	for depth := 0; depth < w.target.MaxDepth; depth++ {
		for _, f := range level {
			next = append(next, w.discover(f)...)
		}
		if len(next) == 0 {
			return
		}
		for _, cand := range next {
			if !w.emit(cand, yield) {
				return
			}
		}
		if depth+1 >= w.target.MaxDepth {
			return
		}

		results := c.executor.ExecuteBatch(ctx, crawlSpecs(next))
		if err := ctx.Err(); err != nil {
			yield(CandidateURL{}, err)
			return
		}
		level = level[:0]
		for i, res := range results {
			if res.OK() {
				level = append(level, fetched{cand: next[i], obs: res.Last()})
			} else {
				c.logger.Debugf("Crawl fetch of %s failed: %v", next[i].URL, res.Err)
			}
		}
		next = nil
	}
}

type fetched struct {
	cand CandidateURL
	obs  *networking.Observation
}

// emit yields cand unless the MaxURLs budget is spent. It returns false when
// the traversal must stop.
func (w *walk) emit(cand CandidateURL, yield func(CandidateURL, error) bool) bool {
	limit := w.crawler.config.MaxURLs
	if limit > 0 && w.yielded >= limit {
		return false
	}
	w.yielded++
	return yield(cand, nil)
}

// discover extracts in-scope, unseen links one level below f.
func (w *walk) discover(f fetched) []CandidateURL {
	if !looksLikeHTML(f.obs) {
		return nil
	}
	base, err := url.Parse(f.obs.URL)
	if err != nil {
		base, _ = url.Parse(f.cand.URL)
	}
	var out []CandidateURL
	for _, link := range extractLinks(f.obs.Body, base) {
		if cand, ok := w.admit(link, f.cand.Depth+1, SourceCrawled, f.cand.URL); ok {
			out = append(out, cand)
		}
	}
	return out
}

// expandWordlist appends configured include paths and wordlist entries to
// seed at depth 1.
func (w *walk) expandWordlist(seed CandidateURL) []CandidateURL {
	entries := append(append([]string(nil), w.target.IncludePaths...), w.crawler.wordlist...)
	var out []CandidateURL
	for _, entry := range entries {
		target, err := utils.WithPath(seed.URL, "/"+strings.TrimLeft(entry, "/"))
		if err != nil {
			continue
		}
		if cand, ok := w.admit(target, 1, SourceWordlist, seed.URL); ok {
			out = append(out, cand)
		}
	}
	return out
}

// admit applies scope, static-resource, exclude and dedup rules.
func (w *walk) admit(raw string, depth int, source Source, parent string) (CandidateURL, bool) {
	cand, err := newCandidate(raw, depth, source, parent)
	if err != nil || w.seen[cand.Normalized] {
		return CandidateURL{}, false
	}
	if !w.inScope(cand.URL) || isStaticResource(cand.Path) {
		return CandidateURL{}, false
	}
	for _, rule := range w.target.ExcludePaths {
		if utils.MatchesPathRule(cand.Path, rule) {
			w.crawler.logger.Debugf("Excluding %s (rule %q)", cand.URL, rule)
			w.seen[cand.Normalized] = true
			return CandidateURL{}, false
		}
	}
	w.seen[cand.Normalized] = true
	return cand, true
}

func (w *walk) inScope(raw string) bool {
	for _, seed := range w.scope {
		if w.target.Subdomains {
			if utils.IsSameDomain(seed.String(), raw) {
				return true
			}
		} else if utils.IsSameHost(seed.String(), raw) {
			return true
		}
	}
	return false
}

func newCandidate(raw string, depth int, source Source, parent string) (CandidateURL, error) {
	norm, err := utils.NormalizeURL(raw)
	if err != nil {
		return CandidateURL{}, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return CandidateURL{}, err
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	p := u.Path
	var params []string
	for k := range u.Query() {
		params = append(params, k)
	}
	sort.Strings(params)
	return CandidateURL{
		URL:        u.String(),
		Normalized: norm,
		Path:       p,
		Depth:      depth,
		Source:     source,
		Parent:     parent,
		Params:     params,
	}, nil
}

func crawlSpecs(cands []CandidateURL) []networking.RequestSpec {
	specs := make([]networking.RequestSpec, len(cands))
	for i, c := range cands {
		specs[i] = networking.RequestSpec{URL: c.URL, Label: "crawl"}
	}
	return specs
}

func looksLikeHTML(obs *networking.Observation) bool {
	if obs == nil || obs.Body == "" {
		return false
	}
	ct := strings.ToLower(obs.Headers.Get("Content-Type"))
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" {
		return false
	}
	head := strings.ToLower(obs.Body)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}
