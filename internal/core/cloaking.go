package core

import (
	"fmt"
	"strings"

	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/utils"
)

// maxCloakedParams bounds how many parameters are tried per URL.
const maxCloakedParams = 3

// cloakCarrier is a parameter caches commonly leave out of the key.
const cloakCarrier = "utm_content"

// DefaultCloakParams are used when the URL has no query and no parameter
// wordlist is configured.
var DefaultCloakParams = []string{"callback", "lang", "q"}

// cloakVariant smuggles a second value for a parameter past the cache.
type cloakVariant struct {
	name string
	// format receives the parameter, the safe value and the marker.
	format string
}

var cloakVariants = []cloakVariant{
	{"duplicate", "%[1]s=%[2]s&%[1]s=%[3]s"},
	{"semicolon", "%[1]s=%[2]s&" + cloakCarrier + "=x;%[1]s=%[3]s"},
	{"lf", "%[1]s=%[2]s&" + cloakCarrier + "=x%%0a%[1]s=%[3]s"},
	{"crlf", "%[1]s=%[2]s&" + cloakCarrier + "=x%%0d%%0a%[1]s=%[3]s"},
	{"encoded-amp", "%[1]s=%[2]s&" + cloakCarrier + "=x%%26%[1]s=%[3]s"},
	{"encoded-hash", "%[1]s=%[2]s&" + cloakCarrier + "=x%%23%[1]s=%[3]s"},
}

// CloakingProbe hides a marker value for a parameter in a query the cache
// and the origin parse differently, then checks whether the plain query is
// served the marker.
type CloakingProbe struct {
	params []string
	prefix string
}

// NewCloakingProbe creates the probe. params comes from the parameters
// wordlist and may be empty.
func NewCloakingProbe(params []string, payloadPrefix string) *CloakingProbe {
	return &CloakingProbe{params: params, prefix: payloadPrefix}
}

func (p *CloakingProbe) Name() string              { return "parameter-cloaking" }
func (p *CloakingProbe) Category() report.Category { return report.CategoryParameterCloaking }
func (p *CloakingProbe) RequiresActive() bool      { return true }

func (p *CloakingProbe) paramsFor(cand crawler.CandidateURL) []string {
	src := cand.Params
	if len(src) == 0 {
		src = p.params
	}
	if len(src) == 0 {
		src = DefaultCloakParams
	}
	if len(src) > maxCloakedParams {
		src = src[:maxCloakedParams]
	}
	return src
}

// Generate sends the cloaked request in stage 0 and the victim request with
// only the safe value, twice, in stage 1. Both share a cache buster.
func (p *CloakingProbe) Generate(cand crawler.CandidateURL) Plan {
	cloak := networking.Stage{Label: "cloak"}
	victim := networking.Stage{Label: "victim"}
	for _, param := range p.paramsFor(cand) {
		base := withoutParam(cand.URL, param)
		for _, v := range cloakVariants {
			cb := utils.CacheBuster()
			marker := strings.ToLower(utils.GenerateUniquePayload(p.prefix))

			c := busted(base, cb, "cloak:"+param+":"+v.name)
			c.RawQuerySuffix = fmt.Sprintf(v.format, param, "safe", marker)
			cloak.Requests = append(cloak.Requests, c)

			vs := busted(base, cb, "victim:"+param+":"+v.name+":"+marker)
			vs.RawQuerySuffix = param + "=safe"
			vs.Repeat = 2
			victim.Requests = append(victim.Requests, vs)
		}
	}
	return Plan{Stages: []networking.Stage{cloak, victim}}
}

// Interpret flags a variant when a victim response carries the marker and
// came from cache. Confirmed when both victim responses carry it.
func (p *CloakingProbe) Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding {
	var findings []report.Finding
	for i, vr := range res.Stage(1) {
		if !vr.OK() {
			continue
		}
		marker := vr.Spec.Label[strings.LastIndexByte(vr.Spec.Label, ':')+1:]
		carrying, hits := 0, 0
		for _, obs := range vr.Observations {
			if markerIn(obs, marker) {
				carrying++
				if isHit(obs) {
					hits++
				}
			}
		}
		if carrying == 0 || hits == 0 {
			continue
		}
		confidence := report.ConfidenceLikely
		if carrying >= 2 {
			confidence = report.ConfidenceConfirmed
		}
		cr := res.Result(0, i)
		parts := strings.Split(cr.Spec.Label, ":")
		desc := fmt.Sprintf("A %s-cloaked value for parameter %q was stored by the cache and served to a request that only sent the safe value.", parts[len(parts)-1], parts[1])
		f := report.NewFinding(report.KindParameterCloaking, cand.URL, confidence, desc)
		f.UnkeyedInput = parts[1]
		f.Payload = cr.Spec.RawQuerySuffix
		if obs := cr.Last(); obs != nil {
			f.AddExchange(cr.Spec, evidenceCopy(obs), false)
		}
		attach(&f, vr, func(o *networking.Observation) bool { return markerIn(o, marker) })
		findings = append(findings, f)
	}
	return findings
}
