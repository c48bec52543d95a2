package report

import (
	"sort"
	"time"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/crawler"
)

// TargetSummary is the reportable view of a config.Target.
type TargetSummary struct {
	Seeds        []string `json:"seeds"`
	IncludePaths []string `json:"include_paths,omitempty"`
	ExcludePaths []string `json:"exclude_paths,omitempty"`
	MaxDepth     int      `json:"max_depth"`
	Passive      bool     `json:"passive"`
	Subdomains   bool     `json:"subdomains"`
}

// SummarizeTarget copies t into a TargetSummary.
func SummarizeTarget(t config.Target) TargetSummary {
	return TargetSummary{
		Seeds:        append([]string(nil), t.Seeds...),
		IncludePaths: append([]string(nil), t.IncludePaths...),
		ExcludePaths: append([]string(nil), t.ExcludePaths...),
		MaxDepth:     t.MaxDepth,
		Passive:      t.Passive,
		Subdomains:   t.Subdomains,
	}
}

// SoftFailure is a non-fatal problem met during the scan.
type SoftFailure struct {
	Probe string `json:"probe"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ScanResult is everything one scan produced. It is not modified after the
// scan returns it.
type ScanResult struct {
	ScanID         string                 `json:"scan_id"`
	State          string                 `json:"state"`
	Phases         []string               `json:"phases"`
	Target         TargetSummary          `json:"target"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	ProbesExecuted []string               `json:"probes_executed"`
	Candidates     []crawler.CandidateURL `json:"candidates"`
	Findings       []Finding              `json:"findings"`
	Failures       []SoftFailure          `json:"failures"`
}

// Duration is the wall time of the scan.
func (r *ScanResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// CountByConfidence tallies findings per confidence.
func (r *ScanResult) CountByConfidence() map[Confidence]int {
	out := make(map[Confidence]int, 3)
	for _, f := range r.Findings {
		out[f.Confidence]++
	}
	return out
}

// Deduplicate keeps one finding per (normalized URL, kind). The highest
// confidence wins; among equals the later finding replaces the earlier one.
// The output is sorted by normalized URL, then kind.
func Deduplicate(findings []Finding) []Finding {
	best := make(map[string]int, len(findings))
	var out []Finding
	for _, f := range findings {
		key := f.Key()
		if i, ok := best[key]; ok {
			if f.Confidence.Rank() >= out[i].Confidence.Rank() {
				out[i] = f
			}
			continue
		}
		best[key] = len(out)
		out = append(out, f)
	}
	SortFindings(out)
	return out
}

// SortFindings orders findings by normalized URL, then kind.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Key() < findings[j].Key()
	})
}

// SortFailures orders soft failures by probe, URL, then error text.
func SortFailures(failures []SoftFailure) {
	sort.SliceStable(failures, func(i, j int) bool {
		a, b := failures[i], failures[j]
		if a.Probe != b.Probe {
			return a.Probe < b.Probe
		}
		if a.URL != b.URL {
			return a.URL < b.URL
		}
		return a.Error < b.Error
	})
}
