package core

import (
	"fmt"
	"time"

	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/timing"
	"github.com/rafabd1/wcvs/internal/utils"
)

// TimingProbe measures whether cached and uncached responses are told apart
// by latency alone.
type TimingProbe struct {
	samples int
	opts    timing.Options
}

// NewTimingProbe creates the probe; samples is the count per label.
func NewTimingProbe(samples int, opts timing.Options) *TimingProbe {
	return &TimingProbe{samples: samples, opts: opts}
}

func (p *TimingProbe) Name() string              { return "timing" }
func (p *TimingProbe) Category() report.Category { return report.CategoryTiming }
func (p *TimingProbe) RequiresActive() bool      { return false }

func (p *TimingProbe) Generate(cand crawler.CandidateURL) Plan {
	return Plan{Stages: timingStages(cand.URL, p.samples, "timing")}
}

// Interpret turns a separated, hit-faster result into a SideChannel finding.
func (p *TimingProbe) Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding {
	sep := analyzeTimingStages(res, 0, p.samples, p.opts)
	if !sep.Separated() || !sep.HitsFaster {
		return nil
	}
	desc := fmt.Sprintf("Cached responses (median %s) are distinguishable from uncached ones (median %s) by latency alone, so cache state can be inferred remotely.",
		sep.HitMedian.Round(time.Microsecond), sep.MissMedian.Round(time.Microsecond))
	f := report.NewFinding(report.KindTimingSideChannel, cand.URL, sep.Confidence, desc)
	f.ProofOfConcept = fmt.Sprintf("Compare the latency of repeated GET %s with GET %s?%s=<random>", cand.URL, cand.URL, cacheBusterParam)

	for i := 0; i < 2*p.samples; i++ {
		r := res.Result(1+i, 0)
		obs := r.Last()
		if obs == nil {
			continue
		}
		label := sampleLabel(i)
		f.AddExchange(r.Spec, evidenceCopy(obs), sep.Classify(obs.Latency) == label)
	}
	f.AddStatistic("separation_score", sep.Score, fmt.Sprintf("threshold=%.1f", p.opts.Threshold))
	f.AddStatistic("superiority", sep.Superiority, "")
	f.AddStatistic("pooled_spread_ms", float64(sep.PooledSpread)/float64(time.Millisecond), "")
	return []report.Finding{f}
}

// timingStages builds a warm-up stage followed by 2*samples single-request
// stages alternating between the unchanged URL (expected hit) and a fresh
// cache buster (expected miss). One request per stage keeps samples from
// competing with each other.
func timingStages(rawURL string, samples int, label string) []networking.Stage {
	warm := networking.RequestSpec{URL: rawURL, Repeat: 2, TimingSensitive: true, Label: label + ":warm"}
	stages := []networking.Stage{{Label: label + ":warm", Requests: []networking.RequestSpec{warm}}}
	for i := 0; i < 2*samples; i++ {
		var spec networking.RequestSpec
		if sampleLabel(i) == timing.ExpectedHit {
			spec = networking.RequestSpec{URL: rawURL, Label: label + ":hit"}
		} else {
			spec = busted(rawURL, utils.CacheBuster(), label+":miss")
		}
		spec.TimingSensitive = true
		stages = append(stages, networking.Stage{Label: spec.Label, Requests: []networking.RequestSpec{spec}})
	}
	return stages
}

func sampleLabel(i int) timing.Label {
	if i%2 == 0 {
		return timing.ExpectedHit
	}
	return timing.ExpectedMiss
}

// analyzeTimingStages reads the samples laid out by timingStages starting at
// stage first. Failed samples are skipped.
func analyzeTimingStages(res PlanResult, first, samples int, opts timing.Options) timing.SeparationResult {
	var ss []timing.Sample
	for i := 0; i < 2*samples; i++ {
		if obs := res.Result(first+1+i, 0).Last(); obs != nil {
			ss = append(ss, timing.Sample{Label: sampleLabel(i), Latency: obs.Latency})
		}
	}
	return timing.Analyze(ss, opts)
}
