package timing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/stretchr/testify/assert"
)

func labelled(label Label, ms ...float64) []Sample {
	out := make([]Sample, len(ms))
	for i, m := range ms {
		out[i] = Sample{Label: label, Latency: time.Duration(m * float64(time.Millisecond))}
	}
	return out
}

func TestAnalyze_WellSeparatedIsConfirmed(t *testing.T) {
	t.Parallel()

	samples := append(
		labelled(ExpectedHit, 10, 11, 10.5, 12, 9.8, 10.2, 11.1, 10.7, 9.9, 250),
		labelled(ExpectedMiss, 80, 82, 79, 85, 81, 83, 78, 84, 80.5, 1)...,
	)
	res := Analyze(samples, DefaultOptions())

	assert.Equal(t, report.ConfidenceConfirmed, res.Confidence)
	assert.True(t, res.HitsFaster)
	assert.Equal(t, 10, res.HitCount)
	assert.Equal(t, 10, res.MissCount)
	assert.Greater(t, res.Score, 5.0)
	assert.GreaterOrEqual(t, res.Superiority, 0.95)
	assert.InDelta(t, 10.6, res.HitMedian.Seconds()*1000, 0.5)
	assert.InDelta(t, 81.5, res.MissMedian.Seconds()*1000, 1)
}

func TestAnalyze_TooFewSamplesIsInformational(t *testing.T) {
	t.Parallel()

	samples := append(labelled(ExpectedHit, 10, 10, 10, 10), labelled(ExpectedMiss, 90, 90, 90, 90, 90, 90)...)
	res := Analyze(samples, DefaultOptions())
	assert.Equal(t, report.ConfidenceInformational, res.Confidence)
	assert.Greater(t, res.Score, 5.0, "the score is still reported")
	assert.Equal(t, Unlabeled, res.Classify(10*time.Millisecond))

	assert.Equal(t, report.ConfidenceInformational, Analyze(nil, DefaultOptions()).Confidence)
	assert.Equal(t, report.ConfidenceInformational, Analyze(labelled(ExpectedHit, 1, 2, 3, 4, 5, 6), DefaultOptions()).Confidence)
}

func TestAnalyze_OverlappingIsNeverConfirmed(t *testing.T) {
	t.Parallel()

	interleaved := append(
		labelled(ExpectedHit, 10, 12, 14, 16, 18, 20, 22, 24, 26, 28),
		labelled(ExpectedMiss, 11, 13, 15, 17, 19, 21, 23, 25, 27, 29)...,
	)
	res := Analyze(interleaved, DefaultOptions())
	assert.Equal(t, report.ConfidenceInformational, res.Confidence)
	assert.Less(t, res.Score, 1.0)

	for seed := int64(0); seed < 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		var samples []Sample
		for i := 0; i < 12; i++ {
			samples = append(samples,
				Sample{Label: ExpectedHit, Latency: time.Duration(20+rng.Intn(10)) * time.Millisecond},
				Sample{Label: ExpectedMiss, Latency: time.Duration(20+rng.Intn(10)) * time.Millisecond},
			)
		}
		res := Analyze(samples, DefaultOptions())
		assert.NotEqual(t, report.ConfidenceConfirmed, res.Confidence, "seed %d", seed)
	}
}

func TestAnalyze_IdenticalLatenciesAreNotSeparated(t *testing.T) {
	t.Parallel()

	samples := append(labelled(ExpectedHit, 5, 5, 5, 5, 5), labelled(ExpectedMiss, 5, 5, 5, 5, 5)...)
	res := Analyze(samples, DefaultOptions())
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, time.Microsecond, res.PooledSpread)
	assert.InDelta(t, 0.5, res.Superiority, 1e-9)
	assert.Equal(t, report.ConfidenceInformational, res.Confidence)
}

func TestAnalyze_LikelyWithoutSuperiority(t *testing.T) {
	t.Parallel()

	// medians far apart but the tails overlap heavily
	samples := append(
		labelled(ExpectedHit, 10, 10, 10, 10, 10, 10, 60, 60, 60, 60),
		labelled(ExpectedMiss, 10, 10, 10, 60, 60, 60, 60, 60, 60, 60)...,
	)
	opts := DefaultOptions()
	opts.TrimFraction = 0
	res := Analyze(samples, opts)
	assert.NotEqual(t, report.ConfidenceConfirmed, res.Confidence)
}

func TestSeparationResult_Classify(t *testing.T) {
	t.Parallel()

	res := SeparationResult{Confidence: report.ConfidenceLikely, HitMedian: 10 * time.Millisecond, MissMedian: 50 * time.Millisecond, HitsFaster: true}
	assert.Equal(t, ExpectedHit, res.Classify(12*time.Millisecond))
	assert.Equal(t, ExpectedMiss, res.Classify(45*time.Millisecond))

	inverted := SeparationResult{Confidence: report.ConfidenceConfirmed, HitMedian: 50 * time.Millisecond, MissMedian: 10 * time.Millisecond}
	assert.Equal(t, ExpectedHit, inverted.Classify(45*time.Millisecond))
	assert.Equal(t, ExpectedMiss, inverted.Classify(12*time.Millisecond))
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	o := OptionsFromConfig(config.TimingConfig{Samples: 8, Threshold: 2, ConfirmedThreshold: 4, TrimFraction: 0.2})
	assert.Equal(t, 2.0, o.Threshold)
	assert.Equal(t, 4.0, o.ConfirmedThreshold)
	assert.Equal(t, 0.2, o.TrimFraction)
	assert.Equal(t, 5, o.MinSamples)

	d := OptionsFromConfig(config.TimingConfig{TrimFraction: 0.7})
	assert.Equal(t, DefaultOptions(), d)
}

func TestTrimAndQuantile(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []float64{2, 3, 4, 5, 6, 7, 8, 9}, trim([]float64{10, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0.1))
	assert.Equal(t, []float64{2}, trim([]float64{3, 1, 2}, 0.49))
	assert.Equal(t, 2.5, quantile([]float64{1, 2, 3, 4}, 0.5))
	assert.Equal(t, 7.0, quantile([]float64{7}, 0.9))
}
