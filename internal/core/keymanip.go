package core

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/timing"
	"github.com/rafabd1/wcvs/internal/utils"
)

// DimensionKind is where a key-manipulation dimension lives in a request.
type DimensionKind string

const (
	DimensionHeader DimensionKind = "header"
	DimensionQuery  DimensionKind = "query"
	DimensionCookie DimensionKind = "cookie"
)

// Dimension is a request component that may alter the response without
// being part of the cache key.
type Dimension struct {
	Kind DimensionKind
	Name string
}

func (d Dimension) String() string { return string(d.Kind) + ":" + d.Name }

// DefaultDimensions are tried by the key-manipulation probe.
var DefaultDimensions = []Dimension{
	{DimensionHeader, "X-Cache-Key"},
	{DimensionHeader, "Accept-Language"},
	{DimensionQuery, "utm_source"},
	{DimensionQuery, "fbclid"},
	{DimensionCookie, "wcvs_variant"},
}

// Stage indexes of a key-manipulation plan, after the optional calibration
// stages.
const (
	kmBaseline = iota
	kmCollide
	kmRepeat
)

// Request indexes inside each dimension block of the baseline stage.
const (
	kmA  = iota // value 1, buster 1
	kmA2        // value 1, buster 2: stability check
	kmD         // value 2, buster 3: does the value change the response
	kmPerDimension
)

// KeyManipulationProbe checks whether request components that change the
// response are missing from the cache key, and whether error responses are
// cached and served to authenticated users.
type KeyManipulationProbe struct {
	prefix        string
	dimensions    []Dimension
	authenticated bool
	calibrate     bool
	samples       int
	timingOpts    timing.Options
}

// NewKeyManipulationProbe creates the probe. With calibrate set the plan
// starts with timing samples used to classify responses whose cache status
// is not advertised by headers.
func NewKeyManipulationProbe(payloadPrefix string, authenticated, calibrate bool, samples int, opts timing.Options) *KeyManipulationProbe {
	return &KeyManipulationProbe{
		prefix:        payloadPrefix,
		dimensions:    DefaultDimensions,
		authenticated: authenticated,
		calibrate:     calibrate,
		samples:       samples,
		timingOpts:    opts,
	}
}

func (p *KeyManipulationProbe) Name() string              { return "key-manipulation" }
func (p *KeyManipulationProbe) Category() report.Category { return report.CategoryKeyManipulation }
func (p *KeyManipulationProbe) RequiresActive() bool      { return false }

func (p *KeyManipulationProbe) calibrationStages() int {
	if !p.calibrate {
		return 0
	}
	return 1 + 2*p.samples
}

// Generate lays out, per dimension, A(v1,cb1) A2(v1,cb2) D(v2,cb3) in the
// baseline stage, B(v2,cb1) in the collide stage and C(v2,cb1) in the repeat
// stage. When credentials are configured the baseline stage also holds an
// unauthenticated E(cb4) and the collide stage an authenticated F(cb4) sent
// twice.
func (p *KeyManipulationProbe) Generate(cand crawler.CandidateURL) Plan {
	var stages []networking.Stage
	if p.calibrate {
		stages = append(stages, timingStages(cand.URL, p.samples, "km-calibration")...)
	}

	baseline := networking.Stage{Label: "baseline"}
	collide := networking.Stage{Label: "collide"}
	repeat := networking.Stage{Label: "repeat"}
	for _, dim := range p.dimensions {
		v1 := strings.ToLower(utils.GenerateUniquePayload(p.prefix))
		v2 := strings.ToLower(utils.GenerateUniquePayload(p.prefix))
		cb1, cb2, cb3 := utils.CacheBuster(), utils.CacheBuster(), utils.CacheBuster()

		baseline.Requests = append(baseline.Requests,
			p.dimensionSpec(cand.URL, dim, v1, cb1, "A"),
			p.dimensionSpec(cand.URL, dim, v1, cb2, "A2"),
			p.dimensionSpec(cand.URL, dim, v2, cb3, "D"),
		)
		collide.Requests = append(collide.Requests, p.dimensionSpec(cand.URL, dim, v2, cb1, "B"))
		repeat.Requests = append(repeat.Requests, p.dimensionSpec(cand.URL, dim, v2, cb1, "C"))
	}

	if p.authenticated {
		cb := utils.CacheBuster()
		anon := busted(cand.URL, cb, "km:E")
		anon.Unauthenticated = true
		baseline.Requests = append(baseline.Requests, anon)
		authed := busted(cand.URL, cb, "km:F")
		authed.Repeat = 2
		collide.Requests = append(collide.Requests, authed)
	}
	return Plan{Stages: append(stages, baseline, collide, repeat)}
}

func (p *KeyManipulationProbe) dimensionSpec(rawURL string, dim Dimension, value, cb, role string) networking.RequestSpec {
	spec := busted(rawURL, cb, "km:"+dim.String()+":"+role)
	switch dim.Kind {
	case DimensionHeader:
		spec.Headers = []networking.HeaderField{{Name: dim.Name, Value: value}}
	case DimensionQuery:
		spec.Query = append(spec.Query, networking.HeaderField{Name: dim.Name, Value: value})
	case DimensionCookie:
		spec.Cookies = []networking.HeaderField{{Name: dim.Name, Value: value}}
	}
	return spec
}

// Interpret reports UnkeyedDimension when responses differ by dimension
// value yet B, sent with value 2, is served A's body from cache. A response
// whose cache status is only inferred from timing is at most Likely.
func (p *KeyManipulationProbe) Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding {
	off := p.calibrationStages()
	var calibration *timing.SeparationResult
	if p.calibrate {
		r := analyzeTimingStages(res, 0, p.samples, p.timingOpts)
		if r.Separated() && r.HitsFaster {
			calibration = &r
		}
	}
	hit := func(obs *networking.Observation) (bool, bool) {
		if obs == nil {
			return false, false
		}
		switch obs.Cache {
		case utils.CacheHit:
			return true, false
		case utils.CacheMiss:
			return false, false
		}
		if calibration != nil && calibration.Classify(obs.Latency) == timing.ExpectedHit {
			return true, true
		}
		return false, false
	}

	var findings []report.Finding
	for i, dim := range p.dimensions {
		a := res.Result(off+kmBaseline, i*kmPerDimension+kmA)
		a2 := res.Result(off+kmBaseline, i*kmPerDimension+kmA2)
		d := res.Result(off+kmBaseline, i*kmPerDimension+kmD)
		b := res.Result(off+kmCollide, i)
		c := res.Result(off+kmRepeat, i)
		oa, oa2, od, ob := a.Last(), a2.Last(), d.Last(), b.Last()
		if oa == nil || oa2 == nil || od == nil || ob == nil {
			continue
		}

		strip := busterValues(a, a2, d)
		fa, fa2, fd, fb := oa.Fingerprint(strip...), oa2.Fingerprint(strip...), od.Fingerprint(strip...), ob.Fingerprint(strip...)
		if fa != fa2 || fa == fd || fb != fa {
			continue
		}
		bHit, bInferred := hit(ob)
		if !bHit {
			continue
		}

		confidence := report.ConfidenceLikely
		oc := c.Last()
		cAgrees := false
		if oc != nil && oc.Fingerprint(strip...) == fa {
			cHit, cInferred := hit(oc)
			cAgrees = cHit
			if cHit && !bInferred && !cInferred {
				confidence = report.ConfidenceConfirmed
			}
		}

		desc := fmt.Sprintf("The %s %s changes the response but is not part of the cache key: a request with a different value was served the cached response of the first value.", dim.Kind, dim.Name)
		if bInferred {
			desc += " The cache hit was inferred from response timing."
		}
		f := report.NewFinding(report.KindUnkeyedDimension, cand.URL, confidence, desc)
		f.UnkeyedInput = dim.String()
		f.AddExchange(a.Spec, evidenceCopy(oa), false)
		f.AddExchange(d.Spec, evidenceCopy(od), false)
		f.AddExchange(b.Spec, evidenceCopy(ob), true)
		if oc != nil {
			f.AddExchange(c.Spec, evidenceCopy(oc), cAgrees)
		}
		if calibration != nil {
			f.AddStatistic("timing_separation", calibration.Score, fmt.Sprintf("superiority=%.2f", calibration.Superiority))
		}
		findings = append(findings, f)
	}

	if p.authenticated {
		if f, ok := p.interpretErrorState(cand, res, off); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

func (p *KeyManipulationProbe) interpretErrorState(cand crawler.CandidateURL, res PlanResult, off int) (report.Finding, bool) {
	e := res.Result(off+kmBaseline, len(p.dimensions)*kmPerDimension)
	f := res.Result(off+kmCollide, len(p.dimensions))
	oe := e.Last()
	if oe == nil || !f.OK() || !isErrorState(oe.StatusCode) {
		return report.Finding{}, false
	}

	agreeing := func(o *networking.Observation) bool {
		return o.StatusCode == oe.StatusCode && isHit(o)
	}
	n := 0
	for _, o := range f.Observations {
		if agreeing(o) {
			n++
		}
	}
	if n == 0 {
		return report.Finding{}, false
	}
	confidence := report.ConfidenceLikely
	if n >= 2 {
		confidence = report.ConfidenceConfirmed
	}
	desc := fmt.Sprintf("An unauthenticated request stored a %d %s response in the cache and authenticated requests for the same key were served it.",
		oe.StatusCode, http.StatusText(oe.StatusCode))
	finding := report.NewFinding(report.KindErrorStateCached, cand.URL, confidence, desc)
	finding.AddExchange(e.Spec, evidenceCopy(oe), false)
	attach(&finding, f, agreeing)
	return finding, true
}

func isErrorState(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status >= 500
}

// busterValues returns the cache-buster values used by results, so they can
// be ignored when fingerprinting bodies that echo the URL.
func busterValues(results ...networking.Result) []string {
	var out []string
	for _, r := range results {
		for _, q := range r.Spec.Query {
			if q.Name == cacheBusterParam {
				out = append(out, q.Value)
			}
		}
	}
	return out
}
