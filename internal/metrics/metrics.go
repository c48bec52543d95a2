// Package metrics exposes scan counters for Prometheus scraping.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the scan collectors on a private registry. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	requestLatency *prometheus.HistogramVec
	findingsTotal  *prometheus.CounterVec
	softFailures   *prometheus.CounterVec
	candidateURLs  prometheus.Gauge
	scanPhase      *prometheus.GaugeVec

	mu     sync.Mutex
	server *http.Server
}

// NewRecorder creates and registers every collector.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wcvs_requests_total",
			Help: "Requests sent, labelled by outcome (ok or a transport error kind).",
		},
		[]string{"outcome"},
	)
	r.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wcvs_request_retries_total",
		Help: "Retries issued after transport errors.",
	})
	r.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wcvs_request_duration_seconds",
			Help:    "Wall-clock latency of completed requests by cache status.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"cache"},
	)
	r.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wcvs_findings_total",
			Help: "Findings kept after deduplication.",
		},
		[]string{"kind", "confidence"},
	)
	r.softFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wcvs_probe_soft_failures_total",
			Help: "Probe executions where every request for a URL failed.",
		},
		[]string{"probe"},
	)
	r.candidateURLs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wcvs_candidate_urls",
		Help: "Candidate URLs produced by the crawler.",
	})
	r.scanPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wcvs_scan_phase",
			Help: "1 for the phase the scan is currently in.",
		},
		[]string{"phase"},
	)

	r.registry.MustRegister(r.requestsTotal, r.retriesTotal, r.requestLatency,
		r.findingsTotal, r.softFailures, r.candidateURLs, r.scanPhase)
	return r
}

// Registry returns the private registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records one completed request.
func (r *Recorder) ObserveRequest(cache string, latency time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues("ok").Inc()
	r.requestLatency.WithLabelValues(cache).Observe(latency.Seconds())
}

// ObserveRequestError records a request that failed terminally.
func (r *Recorder) ObserveRequestError(kind string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(kind).Inc()
}

// IncRetry records one retry.
func (r *Recorder) IncRetry() {
	if r == nil {
		return
	}
	r.retriesTotal.Inc()
}

// IncFinding records a finding kept in the result.
func (r *Recorder) IncFinding(kind, confidence string) {
	if r == nil {
		return
	}
	r.findingsTotal.WithLabelValues(kind, confidence).Inc()
}

// IncSoftFailure records a probe soft failure.
func (r *Recorder) IncSoftFailure(probe string) {
	if r == nil {
		return
	}
	r.softFailures.WithLabelValues(probe).Inc()
}

// SetCandidateURLs records the size of the crawl output.
func (r *Recorder) SetCandidateURLs(n int) {
	if r == nil {
		return
	}
	r.candidateURLs.Set(float64(n))
}

// SetPhase marks phase as current and clears the previous one.
func (r *Recorder) SetPhase(previous, phase string) {
	if r == nil {
		return
	}
	if previous != "" {
		r.scanPhase.WithLabelValues(previous).Set(0)
	}
	r.scanPhase.WithLabelValues(phase).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on addr exposing /metrics. It returns once the
// listener is bound.
func (r *Recorder) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	r.mu.Lock()
	r.server = srv
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
		}
	}()
	return nil
}

// Close shuts the metrics server down if it was started.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	srv := r.server
	r.server = nil
	r.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
