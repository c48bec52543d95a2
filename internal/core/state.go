package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rafabd1/wcvs/internal/metrics"
	"github.com/rafabd1/wcvs/internal/utils"
)

// Phase is a scan lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCrawling    Phase = "crawling"
	PhaseProbing     Phase = "probing"
	PhaseAggregating Phase = "aggregating"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
	// PhaseCanceled is the failed variant reached through cancellation.
	PhaseCanceled Phase = "canceled"
)

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCanceled
}

var (
	// ErrInvalidTransition signals a lifecycle bug; it is always fatal.
	ErrInvalidTransition = errors.New("invalid scan state transition")
	// ErrScanCanceled is wrapped by the ScanError of a canceled scan.
	ErrScanCanceled = errors.New("scan canceled")
)

var transitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseCrawling},
	PhaseCrawling:    {PhaseProbing},
	PhaseProbing:     {PhaseAggregating},
	PhaseAggregating: {PhaseDone},
}

// ScanError is returned by RunScan for a failed or canceled scan.
type ScanError struct {
	Phase Phase
	Err   error
}

func (e *ScanError) Error() string {
	verb := "failed"
	if errors.Is(e.Err, ErrScanCanceled) {
		verb = "canceled"
	}
	return fmt.Sprintf("scan %s during %s: %v", verb, e.Phase, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// scanState is the lifecycle state machine of one scan.
type scanState struct {
	mu      sync.Mutex
	phase   Phase
	history []Phase
	metrics *metrics.Recorder
	logger  utils.Logger
}

func newScanState(m *metrics.Recorder, logger utils.Logger) *scanState {
	s := &scanState{phase: PhaseIdle, history: []Phase{PhaseIdle}, metrics: m, logger: logger}
	m.SetPhase("", string(PhaseIdle))
	return s
}

// Current returns the present phase.
func (s *scanState) Current() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// History returns every phase visited, in order.
func (s *scanState) History() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Phase(nil), s.history...)
}

// Transition moves to next. Failed and Canceled are reachable from any
// non-terminal phase; everything else follows the forward chain.
func (s *scanState) Transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allowed(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, next)
	}
	s.logger.Debugf("Scan phase %s -> %s", s.phase, next)
	s.metrics.SetPhase(string(s.phase), string(next))
	s.phase = next
	s.history = append(s.history, next)
	return nil
}

func (s *scanState) allowed(next Phase) bool {
	if s.phase.Terminal() {
		return false
	}
	if next == PhaseFailed || next == PhaseCanceled {
		return true
	}
	for _, p := range transitions[s.phase] {
		if p == next {
			return true
		}
	}
	return false
}
