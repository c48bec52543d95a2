package core

import (
	"fmt"
	"strings"

	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/utils"
)

// DefaultPoisonHeaders are request headers commonly left out of cache keys
// while still influencing the response.
var DefaultPoisonHeaders = []string{
	"X-Forwarded-Host",
	"X-Forwarded-Scheme",
	"X-Forwarded-Proto",
	"X-Forwarded-Port",
	"X-Host",
	"X-Forwarded-Server",
	"X-HTTP-Host-Override",
	"X-Original-URL",
	"X-Rewrite-URL",
	"Forwarded",
}

// PoisoningProbe plants a unique marker through each unkeyed header
// candidate and then checks whether a clean request for the same cache key
// is served the marker.
type PoisoningProbe struct {
	headers []string
	prefix  string
}

// NewPoisoningProbe creates the probe for the given header names.
func NewPoisoningProbe(headers []string, payloadPrefix string) *PoisoningProbe {
	return &PoisoningProbe{headers: headers, prefix: payloadPrefix}
}

func (p *PoisoningProbe) Name() string              { return "poisoning" }
func (p *PoisoningProbe) Category() report.Category { return report.CategoryPoisoning }
func (p *PoisoningProbe) RequiresActive() bool      { return true }

// Generate builds one poison request per header in stage 0 and the matching
// clean verification request, sent twice, in stage 1. Each header gets its
// own cache buster so the plants cannot overwrite each other.
func (p *PoisoningProbe) Generate(cand crawler.CandidateURL) Plan {
	poison := networking.Stage{Label: "poison"}
	verify := networking.Stage{Label: "verify"}
	for _, header := range p.headers {
		cb := utils.CacheBuster()
		marker := strings.ToLower(utils.GenerateUniquePayload(p.prefix))

		plant := busted(cand.URL, cb, "poison:"+header)
		plant.Headers = []networking.HeaderField{{Name: header, Value: poisonValue(header, marker)}}
		poison.Requests = append(poison.Requests, plant)

		clean := busted(cand.URL, cb, "verify:"+header)
		clean.Repeat = 2
		verify.Requests = append(verify.Requests, clean)
	}
	return Plan{Stages: []networking.Stage{poison, verify}}
}

// poisonValue shapes marker into a value the header plausibly accepts.
func poisonValue(header, marker string) string {
	switch strings.ToLower(header) {
	case "forwarded":
		return "host=" + marker
	case "x-original-url", "x-rewrite-url":
		return "/" + marker
	case "x-forwarded-port":
		return "1337"
	default:
		return marker
	}
}

// plantedMarker is the part of a poison value expected to surface in a
// response.
func plantedMarker(h networking.HeaderField) string {
	switch strings.ToLower(h.Name) {
	case "forwarded":
		return strings.TrimPrefix(h.Value, "host=")
	case "x-original-url", "x-rewrite-url":
		return strings.TrimPrefix(h.Value, "/")
	case "x-forwarded-port":
		return ":" + h.Value
	default:
		return h.Value
	}
}

// Interpret flags a header when the clean request returns the planted
// marker. Confirmed needs both clean responses to carry it with at least one
// cache Hit.
func (p *PoisoningProbe) Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding {
	var findings []report.Finding
	for i := range p.headers {
		plant := res.Result(0, i)
		verify := res.Result(1, i)
		if !verify.OK() || len(plant.Spec.Headers) == 0 {
			continue
		}
		header := plant.Spec.Headers[0]
		marker := plantedMarker(header)

		carrying, hits := 0, 0
		for _, obs := range verify.Observations {
			if markerIn(obs, marker) {
				carrying++
				if isHit(obs) {
					hits++
				}
			}
		}
		if carrying == 0 {
			continue
		}

		confidence := report.ConfidenceLikely
		if carrying >= 2 && hits >= 1 {
			confidence = report.ConfidenceConfirmed
		}
		desc := fmt.Sprintf("The value of the unkeyed header %s was stored by the cache and served to a later request that did not send it (%d of %d clean responses carried the marker, %d cache hits).",
			header.Name, carrying, len(verify.Observations), hits)
		f := report.NewFinding(report.KindUnkeyedHeader, cand.URL, confidence, desc)
		f.UnkeyedInput = header.Name
		f.Payload = header.Value
		if obs := plant.First(); obs != nil {
			f.AddExchange(plant.Spec, evidenceCopy(obs), false)
		}
		attach(&f, verify, func(o *networking.Observation) bool { return markerIn(o, marker) })
		if first := verify.First(); first != nil {
			f.AddStatistic("reflection", float64(carrying), strings.Join(reflections(first, marker), ","))
		}
		findings = append(findings, f)
	}
	return findings
}
