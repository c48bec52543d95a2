package core

import (
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
)

// maxEvidenceBody caps the body stored per exchange in a report.
const maxEvidenceBody = 8 << 10

// evidenceCopy returns obs with the body cut to maxEvidenceBody.
func evidenceCopy(obs *networking.Observation) *networking.Observation {
	if obs == nil || len(obs.Body) <= maxEvidenceBody {
		return obs
	}
	cp := *obs
	cp.Body = obs.Body[:maxEvidenceBody]
	cp.Truncated = true
	return &cp
}

// attach records every observation of res on f. supports decides, per
// observation, whether it exhibits the signal.
func attach(f *report.Finding, res networking.Result, supports func(*networking.Observation) bool) {
	for _, obs := range res.Observations {
		f.AddExchange(res.Spec, evidenceCopy(obs), supports != nil && supports(obs))
	}
}
