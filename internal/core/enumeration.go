package core

import (
	"fmt"

	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/utils"
)

// EnumerationProbe requests well-known restricted paths without credentials
// and flags the ones a cache serves successfully.
type EnumerationProbe struct {
	paths []string
}

// NewEnumerationProbe creates the probe for paths.
func NewEnumerationProbe(paths []string) *EnumerationProbe {
	return &EnumerationProbe{paths: paths}
}

func (p *EnumerationProbe) Name() string              { return "probing" }
func (p *EnumerationProbe) Category() report.Category { return report.CategoryProbing }
func (p *EnumerationProbe) RequiresActive() bool      { return false }

// Generate only plans for seeds: the paths are host-wide. Each path is
// requested twice, in separate stages, so the second request can be served
// from whatever the first one stored.
func (p *EnumerationProbe) Generate(cand crawler.CandidateURL) Plan {
	if !cand.IsSeed() {
		return Plan{}
	}
	first := networking.Stage{Label: "enumerate"}
	for _, path := range p.paths {
		target, err := utils.WithPath(cand.URL, path)
		if err != nil {
			continue
		}
		first.Requests = append(first.Requests, networking.RequestSpec{
			URL:             target,
			Unauthenticated: true,
			Label:           "probing:" + path,
		})
	}
	second := networking.Stage{Label: "enumerate-again", Requests: append([]networking.RequestSpec(nil), first.Requests...)}
	return Plan{Stages: []networking.Stage{first, second}}
}

// similarBodyThreshold lets dynamic fragments such as timestamps differ
// between the two copies of a cached page.
const similarBodyThreshold = 0.9

// Interpret flags a path whose second unauthenticated response is a 2xx
// cache Hit. Confirmed when the first response was also 2xx with the same
// or a near-identical body; otherwise Likely, and only when the headers
// allow shared caching.
func (p *EnumerationProbe) Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding {
	var findings []report.Finding
	for i := range res.Stage(1) {
		first, second := res.Result(0, i), res.Result(1, i)
		o1, o2 := first.Last(), second.Last()
		if o2 == nil || !o2.IsSuccess() || !isHit(o2) {
			continue
		}
		agrees := o1 != nil && o1.IsSuccess() &&
			(o1.Fingerprint() == o2.Fingerprint() || utils.BodiesAreSimilar([]byte(o1.Body), []byte(o2.Body), similarBodyThreshold))
		if !agrees && !utils.IsCacheable(o2.Headers) {
			continue
		}
		confidence := report.ConfidenceLikely
		if agrees {
			confidence = report.ConfidenceConfirmed
		}
		desc := fmt.Sprintf("The restricted path %s returned %d to a request without credentials and the response came from cache (%s: %s).",
			second.Spec.URL, o2.StatusCode, o2.CacheHeader, o2.CacheValue)
		f := report.NewFinding(report.KindCachedRestrictedPath, second.Spec.URL, confidence, desc)
		if o1 != nil {
			f.AddExchange(first.Spec, evidenceCopy(o1), agrees)
		}
		f.AddExchange(second.Spec, evidenceCopy(o2), true)
		findings = append(findings, f)
	}
	return findings
}
