package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/utils"
)

// Confidence grades how strongly the evidence supports a finding.
type Confidence string

const (
	ConfidenceInformational Confidence = "Informational"
	ConfidenceLikely        Confidence = "Likely"
	ConfidenceConfirmed     Confidence = "Confirmed"
)

// Rank orders confidences; higher is stronger.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceConfirmed:
		return 2
	case ConfidenceLikely:
		return 1
	default:
		return 0
	}
}

var (
	// ErrNoEvidence is returned for a finding without any observation.
	ErrNoEvidence = errors.New("finding has no response observation")
	// ErrNotReproduced is returned for a Confirmed finding backed by fewer
	// than two agreeing observations.
	ErrNotReproduced = errors.New("confirmed finding needs two agreeing observations")
)

// Exchange is one request description and the response it produced.
type Exchange struct {
	Request  string                  `json:"request"`
	Response *networking.Observation `json:"response"`
	// Supports marks responses that exhibit the vulnerability signal.
	Supports bool `json:"supports_signal"`
}

// Statistic is a derived number attached to the evidence, such as a timing
// separation score.
type Statistic struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Detail string  `json:"detail,omitempty"`
}

// Evidence is the ordered proof bundle owned by one Finding.
type Evidence struct {
	Exchanges  []Exchange  `json:"exchanges"`
	Statistics []Statistic `json:"statistics,omitempty"`
}

// Observations counts exchanges that carry a response.
func (e Evidence) Observations() int {
	n := 0
	for _, ex := range e.Exchanges {
		if ex.Response != nil {
			n++
		}
	}
	return n
}

// Supporting counts exchanges whose response agrees on the signal.
func (e Evidence) Supporting() int {
	n := 0
	for _, ex := range e.Exchanges {
		if ex.Response != nil && ex.Supports {
			n++
		}
	}
	return n
}

// Finding is one reported vulnerability. Field order is the JSON order.
type Finding struct {
	Kind           Kind       `json:"kind"`
	Category       Category   `json:"category"`
	URL            string     `json:"url"`
	Title          string     `json:"title"`
	Severity       Severity   `json:"severity"`
	Confidence     Confidence `json:"confidence"`
	Description    string     `json:"description"`
	UnkeyedInput   string     `json:"unkeyed_input,omitempty"`
	Payload        string     `json:"payload,omitempty"`
	ProofOfConcept string     `json:"proof_of_concept"`
	Remediation    string     `json:"remediation"`
	CWE            string     `json:"cwe,omitempty"`
	References     []string   `json:"references"`
	Evidence       Evidence   `json:"evidence"`
}

// NewFinding fills a Finding with the catalog data for kind.
func NewFinding(kind Kind, url string, confidence Confidence, description string) Finding {
	f := Finding{
		Kind:        kind,
		Category:    kind.Category(),
		URL:         url,
		Confidence:  confidence,
		Description: description,
		Severity:    Severity{Level: SeverityInfo},
	}
	if entry, err := Lookup(kind); err == nil {
		f.Title = entry.Title
		f.Remediation = entry.Remediation
		f.CWE = entry.CWE
		f.References = append([]string(nil), entry.References...)
		f.Severity = severities[kind]
	}
	return f
}

// AddExchange appends one request/response pair. The first supporting
// exchange becomes the proof of concept unless one is already set.
func (f *Finding) AddExchange(spec networking.RequestSpec, obs *networking.Observation, supports bool) {
	req := spec.Describe()
	f.Evidence.Exchanges = append(f.Evidence.Exchanges, Exchange{Request: req, Response: obs, Supports: supports})
	if f.ProofOfConcept == "" && supports {
		f.ProofOfConcept = req
	}
}

// AddStatistic attaches a derived statistic.
func (f *Finding) AddStatistic(name string, value float64, detail string) {
	f.Evidence.Statistics = append(f.Evidence.Statistics, Statistic{Name: name, Value: value, Detail: detail})
}

// Validate checks the evidence invariants.
func (f *Finding) Validate() error {
	if f.Evidence.Observations() == 0 {
		return fmt.Errorf("%s at %s: %w", f.Kind, f.URL, ErrNoEvidence)
	}
	if f.Confidence == ConfidenceConfirmed && f.Evidence.Supporting() < 2 {
		return fmt.Errorf("%s at %s: %w", f.Kind, f.URL, ErrNotReproduced)
	}
	return nil
}

// Normalize downgrades a Confirmed finding that lacks a reproduction to
// Likely. It reports whether the finding changed.
func (f *Finding) Normalize() bool {
	if f.Confidence == ConfidenceConfirmed && f.Evidence.Supporting() < 2 {
		f.Confidence = ConfidenceLikely
		return true
	}
	return false
}

// Key identifies a finding for deduplication.
func (f *Finding) Key() string {
	u, err := utils.NormalizeURL(f.URL)
	if err != nil {
		u = strings.ToLower(f.URL)
	}
	return u + "|" + string(f.Kind)
}

var severities = func() map[Kind]Severity {
	out := make(map[Kind]Severity, len(catalog))
	for kind, entry := range catalog {
		sev, err := ParseCVSS(entry.Vector)
		if err != nil {
			panic(fmt.Sprintf("catalog entry %s: %v", kind, err))
		}
		out[kind] = sev
	}
	return out
}()
