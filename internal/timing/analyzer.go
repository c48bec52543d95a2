// Package timing decides whether response latency separates cache hits from
// cache misses well enough to infer cache state from timing alone.
package timing

import (
	"math"
	"sort"
	"time"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/report"
)

// Label is the cache state a sample was taken under.
type Label string

const (
	ExpectedHit  Label = "expected_hit"
	ExpectedMiss Label = "expected_miss"
	// Unlabeled is returned by Classify when the result cannot separate.
	Unlabeled Label = "unlabeled"
)

// Sample is one latency measurement.
type Sample struct {
	Label   Label
	Latency time.Duration
}

// Options tune Analyze.
type Options struct {
	// Threshold is the minimum score for a Likely verdict.
	Threshold float64
	// ConfirmedThreshold is the minimum score for a Confirmed verdict.
	ConfirmedThreshold float64
	// MinSuperiority is the minimum probability that a random miss is slower
	// than a random hit required for Confirmed.
	MinSuperiority float64
	// TrimFraction is dropped from each end of each label's samples.
	TrimFraction float64
	// MinSamples per label below which only Informational is returned.
	MinSamples int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{Threshold: 3.0, ConfirmedThreshold: 5.0, MinSuperiority: 0.95, TrimFraction: 0.1, MinSamples: 5}
}

// OptionsFromConfig converts the timing configuration block.
func OptionsFromConfig(tc config.TimingConfig) Options {
	o := DefaultOptions()
	if tc.Threshold > 0 {
		o.Threshold = tc.Threshold
	}
	if tc.ConfirmedThreshold > 0 {
		o.ConfirmedThreshold = tc.ConfirmedThreshold
	}
	if tc.TrimFraction >= 0 && tc.TrimFraction < 0.5 {
		o.TrimFraction = tc.TrimFraction
	}
	return o
}

// minSpread keeps the score finite when both arms have zero spread.
const minSpread = time.Microsecond

// SeparationResult is the verdict of Analyze.
type SeparationResult struct {
	Score        float64           `json:"score"`
	Confidence   report.Confidence `json:"confidence"`
	HitMedian    time.Duration     `json:"hit_median_ns"`
	MissMedian   time.Duration     `json:"miss_median_ns"`
	PooledSpread time.Duration     `json:"pooled_spread_ns"`
	// Superiority is the probability that a random sample of the slower arm
	// exceeds a random sample of the faster arm, ties counting half.
	Superiority float64 `json:"superiority"`
	HitCount    int     `json:"hit_count"`
	MissCount   int     `json:"miss_count"`
	// HitsFaster is true when hits have the lower median, the expected shape
	// of a cache side channel.
	HitsFaster bool `json:"hits_faster"`
}

// Separated reports a Likely or Confirmed verdict.
func (r SeparationResult) Separated() bool {
	return r.Confidence == report.ConfidenceLikely || r.Confidence == report.ConfidenceConfirmed
}

// Classify labels a new latency by the midpoint between the two medians.
// It returns Unlabeled unless the result is separated.
func (r SeparationResult) Classify(latency time.Duration) Label {
	if !r.Separated() {
		return Unlabeled
	}
	mid := (r.HitMedian + r.MissMedian) / 2
	below := latency <= mid
	if below == r.HitsFaster {
		return ExpectedHit
	}
	return ExpectedMiss
}

// Analyze computes the separation between hit and miss samples. Each arm is
// trimmed, the score is the median difference over the pooled robust spread,
// and a verdict above Informational needs at least MinSamples per arm.
func Analyze(samples []Sample, opts Options) SeparationResult {
	if opts.MinSamples < 1 {
		opts.MinSamples = DefaultOptions().MinSamples
	}
	var hits, misses []float64
	for _, s := range samples {
		switch s.Label {
		case ExpectedHit:
			hits = append(hits, float64(s.Latency))
		case ExpectedMiss:
			misses = append(misses, float64(s.Latency))
		}
	}
	res := SeparationResult{
		HitCount:   len(hits),
		MissCount:  len(misses),
		Confidence: report.ConfidenceInformational,
	}
	if len(hits) == 0 || len(misses) == 0 {
		return res
	}

	hits = trim(hits, opts.TrimFraction)
	misses = trim(misses, opts.TrimFraction)

	hitMed, missMed := quantile(hits, 0.5), quantile(misses, 0.5)
	hitIQR := quantile(hits, 0.75) - quantile(hits, 0.25)
	missIQR := quantile(misses, 0.75) - quantile(misses, 0.25)
	// IQR/1.349 estimates the standard deviation of a normal distribution
	spread := math.Sqrt((hitIQR*hitIQR+missIQR*missIQR)/2) / 1.349
	if spread < float64(minSpread) {
		spread = float64(minSpread)
	}

	res.HitMedian = time.Duration(hitMed)
	res.MissMedian = time.Duration(missMed)
	res.PooledSpread = time.Duration(spread)
	res.HitsFaster = hitMed < missMed
	res.Score = math.Abs(missMed-hitMed) / spread
	if res.HitsFaster {
		res.Superiority = superiority(misses, hits)
	} else {
		res.Superiority = superiority(hits, misses)
	}

	if res.HitCount < opts.MinSamples || res.MissCount < opts.MinSamples {
		return res
	}
	switch {
	case res.Score >= opts.ConfirmedThreshold && res.Superiority >= opts.MinSuperiority:
		res.Confidence = report.ConfidenceConfirmed
	case res.Score >= opts.Threshold:
		res.Confidence = report.ConfidenceLikely
	}
	return res
}

// trim sorts xs and drops fraction of the values from each end, always
// keeping at least one.
func trim(xs []float64, fraction float64) []float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if fraction <= 0 {
		return sorted
	}
	k := int(math.Floor(float64(len(sorted)) * fraction))
	if 2*k >= len(sorted) {
		k = (len(sorted) - 1) / 2
	}
	return sorted[k : len(sorted)-k]
}

// quantile interpolates linearly on sorted xs.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// superiority returns P(slow > fast) + P(slow == fast)/2 over all pairs.
func superiority(slow, fast []float64) float64 {
	var wins float64
	for _, s := range slow {
		for _, f := range fast {
			switch {
			case s > f:
				wins++
			case s == f:
				wins += 0.5
			}
		}
	}
	return wins / float64(len(slow)*len(fast))
}
