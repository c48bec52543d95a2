package core

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/timing"
	"github.com/rafabd1/wcvs/internal/utils"
)

// cacheBusterParam is the query parameter probes use to get a fresh cache key.
const cacheBusterParam = "cb"

// Plan is the ordered request sequence a probe needs for one candidate.
// Stage N+1 is only sent after every request of stage N has finished.
type Plan struct {
	Stages []networking.Stage
}

// Empty reports a plan without requests.
func (p Plan) Empty() bool {
	for _, s := range p.Stages {
		if len(s.Requests) > 0 {
			return false
		}
	}
	return true
}

// Requests counts request executions, repeats included.
func (p Plan) Requests() int {
	n := 0
	for _, s := range p.Stages {
		for _, r := range s.Requests {
			n += r.Executions()
		}
	}
	return n
}

// PlanResult holds the dispatcher results of a Plan, one slice per executed
// stage. Stages skipped after cancellation are absent.
type PlanResult struct {
	Stages [][]networking.Result
	Err    error
}

// Stage returns the results of stage i, or nil when it did not run.
func (r PlanResult) Stage(i int) []networking.Result {
	if i < 0 || i >= len(r.Stages) {
		return nil
	}
	return r.Stages[i]
}

// Result returns result j of stage i, or an empty Result.
func (r PlanResult) Result(i, j int) networking.Result {
	s := r.Stage(i)
	if j < 0 || j >= len(s) {
		return networking.Result{}
	}
	return s[j]
}

// AllFailed reports that requests were made and none produced a response.
func (r PlanResult) AllFailed() bool {
	made := false
	for _, stage := range r.Stages {
		for _, res := range stage {
			made = true
			if res.OK() {
				return false
			}
		}
	}
	return made
}

// LastError returns the last request error, if any.
func (r PlanResult) LastError() error {
	var last error
	for _, stage := range r.Stages {
		for _, res := range stage {
			if res.Err != nil {
				last = res.Err
			}
		}
	}
	return last
}

// Probe is one detection strategy. Generate must not send anything; the
// orchestrator executes the plan and hands the results to Interpret.
type Probe interface {
	Name() string
	Category() report.Category
	// RequiresActive probes inject payloads and are skipped in passive scans.
	RequiresActive() bool
	Generate(cand crawler.CandidateURL) Plan
	Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding
}

// ProbeExecutionError reports that every request of a probe against one URL
// failed.
type ProbeExecutionError struct {
	Probe string
	URL   string
	Err   error
}

func (e *ProbeExecutionError) Error() string {
	return fmt.Sprintf("probe %s failed for %s: %v", e.Probe, e.URL, e.Err)
}

func (e *ProbeExecutionError) Unwrap() error { return e.Err }

// BuildProbes instantiates the probes enabled in cfg, in canonical order.
// Wordlists are read here so a missing file fails before scanning starts.
func BuildProbes(cfg *config.Config, logger utils.Logger) ([]Probe, error) {
	headers := append([]string(nil), DefaultPoisonHeaders...)
	if cfg.Wordlists.Headers != "" {
		extra, err := config.LoadLinesFromFile(cfg.Wordlists.Headers)
		if err != nil {
			return nil, fmt.Errorf("loading headers wordlist: %w", err)
		}
		headers = mergeUnique(headers, extra)
		logger.Debugf("Testing %d headers for poisoning (%d from wordlist)", len(headers), len(extra))
	}

	var params []string
	if cfg.Wordlists.Parameters != "" {
		lines, err := config.LoadLinesFromFile(cfg.Wordlists.Parameters)
		if err != nil {
			return nil, fmt.Errorf("loading parameters wordlist: %w", err)
		}
		params = lines
	}

	marker, err := regexp.Compile(cfg.DeceptionMarker)
	if err != nil {
		return nil, fmt.Errorf("compiling deception marker: %w", err)
	}

	samples := cfg.Timing.Samples
	if samples < 1 {
		samples = config.GetDefaultConfig().Timing.Samples
	}
	opts := timing.OptionsFromConfig(cfg.Timing)
	authed := HasCredentials(cfg)

	var probes []Probe
	for _, name := range cfg.EnabledProbes() {
		switch name {
		case config.ProbePoisoning:
			probes = append(probes, NewPoisoningProbe(headers, cfg.PayloadPrefix))
		case config.ProbeDeception:
			probes = append(probes, NewDeceptionProbe(marker, authed))
		case config.ProbeKeyManip:
			probes = append(probes, NewKeyManipulationProbe(cfg.PayloadPrefix, authed, cfg.TimingCalibration, samples, opts))
		case config.ProbeTiming:
			probes = append(probes, NewTimingProbe(samples, opts))
		case config.ProbeEnumeration:
			probes = append(probes, NewEnumerationProbe(cfg.SensitivePaths))
		case config.ProbeParamCloaking:
			probes = append(probes, NewCloakingProbe(params, cfg.PayloadPrefix))
		default:
			return nil, fmt.Errorf("unknown probe %q", name)
		}
	}
	if len(probes) == 0 {
		return nil, errors.New("no probes enabled")
	}
	return probes, nil
}

// HasCredentials reports whether requests carry configured credentials that
// an Unauthenticated spec would drop.
func HasCredentials(cfg *config.Config) bool {
	if cfg.HTTP.Auth != nil || len(cfg.HTTP.Cookies) > 0 {
		return true
	}
	for _, h := range cfg.HTTP.Headers {
		if strings.EqualFold(h.Name, "Authorization") || strings.EqualFold(h.Name, "Cookie") {
			return true
		}
	}
	return false
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

// busted returns a spec for rawURL carrying a cache buster.
func busted(rawURL, cb, label string) networking.RequestSpec {
	return networking.RequestSpec{
		URL:   rawURL,
		Query: []networking.HeaderField{{Name: cacheBusterParam, Value: cb}},
		Label: label,
	}
}

// withoutParam drops every occurrence of name from rawURL's query.
func withoutParam(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL
	}
	var kept []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if key != name {
			kept = append(kept, part)
		}
	}
	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}

// markerIn reports whether marker appears in the body or any header value.
func markerIn(obs *networking.Observation, marker string) bool {
	if obs == nil || marker == "" {
		return false
	}
	return len(reflections(obs, marker)) > 0
}

// reflections looks at every value of repeated headers such as Set-Cookie,
// not only the first one.
func reflections(obs *networking.Observation, marker string) []string {
	allValues := func(name string) string {
		return strings.Join(obs.Headers.Values(name), "\n")
	}
	return utils.ReflectionLocations(marker, []byte(obs.Body), obs.Headers.Names(), allValues)
}

func isHit(obs *networking.Observation) bool {
	return obs != nil && obs.Cache == utils.CacheHit
}
