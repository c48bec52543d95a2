package networking

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rafabd1/wcvs/internal/utils"
)

// domainState stores the standby state of one host.
type domainState struct {
	StandbyUntil           time.Time
	CurrentStandbyDuration time.Duration
	consecutiveFailures    int
}

// DomainManager pauses a host after it answers 429 Too Many Requests. Each
// further 429 extends the next standby window up to a maximum.
type DomainManager struct {
	initialStandby time.Duration
	maxStandby     time.Duration
	logger         utils.Logger
	domainStatus   map[string]*domainState
	mu             sync.Mutex
	now            func() time.Time
}

// NewDomainManager creates a manager. initial <= 0 disables standby.
func NewDomainManager(initial, max time.Duration, logger utils.Logger) *DomainManager {
	if max < initial {
		max = initial
	}
	return &DomainManager{
		initialStandby: initial,
		maxStandby:     max,
		logger:         logger,
		domainStatus:   make(map[string]*domainState),
		now:            time.Now,
	}
}

// getOrCreateDomainState must be called with mu held.
func (dm *DomainManager) getOrCreateDomainState(domain string) *domainState {
	ds, exists := dm.domainStatus[domain]
	if !exists {
		ds = &domainState{CurrentStandbyDuration: dm.initialStandby}
		dm.domainStatus[domain] = ds
	}
	return ds
}

// CanRequest reports whether domain may be contacted now and, if not, how
// long to wait.
func (dm *DomainManager) CanRequest(domain string) (bool, time.Duration) {
	if dm == nil {
		return true, 0
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds, ok := dm.domainStatus[domain]
	if !ok {
		return true, 0
	}
	if wait := ds.StandbyUntil.Sub(dm.now()); wait > 0 {
		return false, wait
	}
	return true, 0
}

// WaitReady blocks until domain leaves standby or ctx is done.
func (dm *DomainManager) WaitReady(ctx context.Context, domain string) error {
	for {
		ok, wait := dm.CanRequest(domain)
		if ok {
			return ctx.Err()
		}
		dm.logger.Debugf("[DomainManager] Domain '%s' is in standby, waiting %s", domain, wait.Round(time.Millisecond))
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

// RecordRequestResult updates domain state from one response or error.
func (dm *DomainManager) RecordRequestResult(domain string, statusCode int, err error) {
	if dm == nil || dm.initialStandby <= 0 {
		return
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds := dm.getOrCreateDomainState(domain)

	if statusCode == http.StatusTooManyRequests {
		ds.StandbyUntil = dm.now().Add(ds.CurrentStandbyDuration)
		dm.logger.Warnf("[DomainManager] Domain '%s' returned 429, standby for %s", domain, ds.CurrentStandbyDuration)
		ds.CurrentStandbyDuration *= 2
		if ds.CurrentStandbyDuration > dm.maxStandby {
			ds.CurrentStandbyDuration = dm.maxStandby
		}
		ds.consecutiveFailures = 0
		return
	}

	if err != nil {
		ds.consecutiveFailures++
		dm.logger.Debugf("[DomainManager] Error for domain %s: %v. Consecutive failures: %d.", domain, err, ds.consecutiveFailures)
		return
	}
	ds.consecutiveFailures = 0
	ds.CurrentStandbyDuration = dm.initialStandby
}
