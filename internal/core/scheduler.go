package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/metrics"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/utils"
)

// ScanOption customizes RunScan.
type ScanOption func(*scanOptions)

type scanOptions struct {
	sender   networking.Sender
	metrics  *metrics.Recorder
	progress func(done, total int)
	probes   []Probe
}

// WithSender replaces the HTTP client, mainly for tests.
func WithSender(s networking.Sender) ScanOption {
	return func(o *scanOptions) { o.sender = s }
}

// WithMetrics records scan metrics on m.
func WithMetrics(m *metrics.Recorder) ScanOption {
	return func(o *scanOptions) { o.metrics = m }
}

// WithProgress is called after each probe job completes.
func WithProgress(fn func(done, total int)) ScanOption {
	return func(o *scanOptions) { o.progress = fn }
}

// WithProbes replaces the probes built from the configuration.
func WithProbes(probes ...Probe) ScanOption {
	return func(o *scanOptions) { o.probes = probes }
}

// probeJob is one probe run against one candidate.
type probeJob struct {
	probe Probe
	cand  crawler.CandidateURL
	plan  Plan
}

// Scheduler owns everything one scan shares: the dispatcher with its rate
// limiter and worker pool, the crawler, the probes and the collected results.
type Scheduler struct {
	config     *config.Config
	target     config.Target
	dispatcher *networking.Dispatcher
	crawler    *crawler.Crawler
	probes     []Probe
	logger     utils.Logger
	metrics    *metrics.Recorder
	progress   func(done, total int)
	state      *scanState

	mu       sync.Mutex
	findings []report.Finding
	failures []report.SoftFailure
	wg       sync.WaitGroup
}

// RunScan runs one complete scan of target. A scan that finishes, even with
// soft failures, returns its ScanResult and a nil error. Invalid
// configuration, unreachable seeds and internal state errors return nil and
// a *ScanError. Cancellation returns the partial result together with a
// *ScanError wrapping ErrScanCanceled.
func RunScan(ctx context.Context, target config.Target, cfg *config.Config, logger utils.Logger, opts ...ScanOption) (*report.ScanResult, error) {
	var o scanOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := newScanState(o.metrics, logger)

	if err := validateScan(target, cfg); err != nil {
		_ = state.Transition(PhaseFailed)
		return nil, &ScanError{Phase: PhaseIdle, Err: err}
	}

	s, err := newScheduler(target, cfg, logger, o, state)
	if err != nil {
		_ = state.Transition(PhaseFailed)
		return nil, &ScanError{Phase: PhaseIdle, Err: err}
	}
	defer s.dispatcher.Close()
	return s.run(ctx)
}

func validateScan(target config.Target, cfg *config.Config) error {
	if err := config.ValidateConfiguration(cfg); err != nil {
		return err
	}
	if len(target.Seeds) == 0 {
		return config.ConfigErrors{{Field: "seeds", Message: "at least one seed URL is required"}}
	}
	return nil
}

func newScheduler(target config.Target, cfg *config.Config, logger utils.Logger, o scanOptions, state *scanState) (*Scheduler, error) {
	sender := o.sender
	if sender == nil {
		client, err := networking.NewClient(cfg, logger,
			networking.WithMetrics(o.metrics),
			networking.WithIndicators(indicatorTable(cfg.CacheIndicators)))
		if err != nil {
			return nil, err
		}
		sender = client
	}

	probes := o.probes
	if probes == nil {
		var err error
		if probes, err = BuildProbes(cfg, logger); err != nil {
			return nil, err
		}
	}

	limiter := networking.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	if limiter.Unlimited() {
		logger.Debugf("Rate limiting disabled")
	} else {
		logger.Debugf("Rate limited to %d request(s)/s, burst %d", cfg.RateLimit, cfg.RateBurst)
	}
	domains := networking.NewDomainManager(cfg.StandbyDuration, cfg.StandbyMax, logger)
	dispatcher := networking.NewDispatcher(sender, limiter, domains, cfg.Threads, logger)

	cr, err := crawler.New(dispatcher, cfg, logger)
	if err != nil {
		dispatcher.Close()
		return nil, err
	}

	return &Scheduler{
		config:     cfg,
		target:     target,
		dispatcher: dispatcher,
		crawler:    cr,
		probes:     probes,
		logger:     logger,
		metrics:    o.metrics,
		progress:   o.progress,
		state:      state,
	}, nil
}

// indicatorTable registers the configured cache indicators ahead of the
// built-in ones. Earlier rules take precedence over later ones.
func indicatorTable(rules []config.CacheIndicatorRule) *utils.CacheIndicatorTable {
	table := utils.NewCacheIndicatorTable()
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		table.Register(utils.TokenIndicator(r.Header, lowerAll(r.Hit), lowerAll(r.Miss)))
	}
	return table
}

func phaseNames(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

func lowerAll(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) run(ctx context.Context) (*report.ScanResult, error) {
	result := &report.ScanResult{
		ScanID:    uuid.NewString(),
		Target:    report.SummarizeTarget(s.target),
		StartTime: time.Now().UTC(),
	}
	s.logger.Infof("Starting scan %s of %d seed(s) with %d threads", result.ScanID, len(s.target.Seeds), s.config.Threads)

	if err := s.state.Transition(PhaseCrawling); err != nil {
		return nil, &ScanError{Phase: s.state.Current(), Err: err}
	}
	candidates, err := s.crawl(ctx)
	result.Candidates = candidates
	if ctx.Err() != nil {
		return s.canceled(ctx, result, PhaseCrawling)
	}
	if err != nil {
		_ = s.state.Transition(PhaseFailed)
		s.logger.Errorf("Crawling failed: %v", err)
		return nil, &ScanError{Phase: PhaseCrawling, Err: err}
	}
	s.metrics.SetCandidateURLs(len(candidates))
	s.logger.Infof("Discovered %d candidate URL(s)", len(candidates))

	if err := s.state.Transition(PhaseProbing); err != nil {
		return nil, &ScanError{Phase: s.state.Current(), Err: err}
	}
	result.ProbesExecuted = s.runProbes(ctx, candidates)
	if ctx.Err() != nil {
		return s.canceled(ctx, result, PhaseProbing)
	}

	if err := s.state.Transition(PhaseAggregating); err != nil {
		return nil, &ScanError{Phase: s.state.Current(), Err: err}
	}
	s.aggregate(result)

	if err := s.state.Transition(PhaseDone); err != nil {
		return nil, &ScanError{Phase: s.state.Current(), Err: err}
	}
	result.State = string(PhaseDone)
	result.Phases = phaseNames(s.state.History())
	result.EndTime = time.Now().UTC()
	s.logger.Infof("Scan completed in %s. Found %d finding(s), %d soft failure(s).",
		result.Duration().Round(time.Millisecond), len(result.Findings), len(result.Failures))
	return result, nil
}

// crawl collects the candidate set. Unreachable seeds become soft failures
// unless no seed was reachable, which fails the scan.
func (s *Scheduler) crawl(ctx context.Context) ([]crawler.CandidateURL, error) {
	var (
		candidates []crawler.CandidateURL
		seedErrs   []error
		seeds      int
	)
	for cand, err := range s.crawler.Crawl(ctx, s.target) {
		if err != nil {
			var ce *crawler.CrawlError
			if errors.As(err, &ce) {
				seedErrs = append(seedErrs, err)
				s.addFailure(report.SoftFailure{Probe: "crawler", URL: ce.Seed, Error: ce.Err.Error()})
				continue
			}
			return candidates, err
		}
		if cand.IsSeed() {
			seeds++
		}
		candidates = append(candidates, cand)
	}
	if seeds == 0 {
		if len(seedErrs) == 0 {
			return nil, errors.New("no seed URL could be crawled")
		}
		return nil, errors.Join(seedErrs...)
	}
	return candidates, nil
}

// runProbes fans probe jobs out with at most Threads running at once and
// returns the names of the probes that were scheduled.
func (s *Scheduler) runProbes(ctx context.Context, candidates []crawler.CandidateURL) []string {
	var (
		jobs     []probeJob
		executed []string
	)
	for _, p := range s.probes {
		if s.target.Passive && p.RequiresActive() {
			s.logger.Infof("Skipping %s probe in passive mode", p.Name())
			continue
		}
		executed = append(executed, p.Name())
		for _, cand := range candidates {
			plan := p.Generate(cand)
			if plan.Empty() {
				continue
			}
			jobs = append(jobs, probeJob{probe: p, cand: cand, plan: plan})
		}
	}
	s.logger.Infof("Running %d probe job(s) across %d probe(s)", len(jobs), len(executed))

	limit := s.config.Threads
	if limit <= 0 {
		limit = 1
	}
	semaphore := make(chan struct{}, limit)
	var done atomic.Int64
	total := len(jobs)

schedule:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break schedule
		case semaphore <- struct{}{}:
		}
		s.wg.Add(1)
		go func(job probeJob) {
			defer s.wg.Done()
			defer func() { <-semaphore }()
			s.runJob(ctx, job)
			if s.progress != nil {
				s.progress(int(done.Add(1)), total)
			}
		}(job)
	}
	s.wg.Wait()
	return executed
}

func (s *Scheduler) runJob(ctx context.Context, job probeJob) {
	name, target := job.probe.Name(), job.cand.URL
	s.logger.Debugf("[%s] START %s (%d requests)", name, target, job.plan.Requests())

	stages, err := s.dispatcher.ExecuteStages(ctx, job.plan.Stages)
	if err != nil || ctx.Err() != nil {
		s.logger.Debugf("[%s] Abandoned %s after %d stage(s): %v", name, target, len(stages), ctx.Err())
		return
	}
	res := PlanResult{Stages: stages}
	if res.AllFailed() {
		perr := &ProbeExecutionError{Probe: name, URL: target, Err: res.LastError()}
		s.logger.Warnf("%v", perr)
		s.metrics.IncSoftFailure(name)
		s.addFailure(report.SoftFailure{Probe: name, URL: target, Error: perr.Error()})
		return
	}

	for _, f := range job.probe.Interpret(job.cand, res) {
		if f.Normalize() {
			s.logger.Debugf("[%s] Downgraded %s at %s to %s: not reproduced", name, f.Kind, f.URL, f.Confidence)
		}
		if err := f.Validate(); err != nil {
			s.logger.Warnf("[%s] Dropping finding: %v", name, err)
			continue
		}
		s.logger.Infof("[%s] %s %s at %s", name, f.Confidence, f.Kind, f.URL)
		s.mu.Lock()
		s.findings = append(s.findings, f)
		s.mu.Unlock()
	}
	s.logger.Debugf("[%s] END %s", name, target)
}

func (s *Scheduler) addFailure(f report.SoftFailure) {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
}

// aggregate deduplicates findings into result and counts them. Soft
// failures are sorted so reports do not depend on job completion order.
func (s *Scheduler) aggregate(result *report.ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result.Findings = report.Deduplicate(s.findings)
	if result.Findings == nil {
		result.Findings = []report.Finding{}
	}
	result.Failures = append([]report.SoftFailure{}, s.failures...)
	report.SortFailures(result.Failures)
	for _, f := range result.Findings {
		s.metrics.IncFinding(string(f.Kind), string(f.Confidence))
	}
}

// canceled closes the scan in the Canceled phase and returns what was
// gathered so far.
func (s *Scheduler) canceled(ctx context.Context, result *report.ScanResult, during Phase) (*report.ScanResult, error) {
	s.wg.Wait()
	if err := s.state.Transition(PhaseCanceled); err != nil {
		return nil, &ScanError{Phase: during, Err: err}
	}
	s.aggregate(result)
	result.State = string(PhaseCanceled)
	result.Phases = phaseNames(s.state.History())
	result.EndTime = time.Now().UTC()
	s.logger.Warnf("Scan canceled during %s with %d finding(s) so far", during, len(result.Findings))
	return result, &ScanError{Phase: during, Err: fmt.Errorf("%w: %w", ErrScanCanceled, ctx.Err())}
}
