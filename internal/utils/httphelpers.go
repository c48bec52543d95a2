package utils

import (
	"strconv"
	"strings"
	"sync"
)

// HeaderGetter is satisfied by http.Header and by networking.Headers.
type HeaderGetter interface {
	Get(name string) string
}

// CacheStatus is the cache-layer verdict derived from response headers.
type CacheStatus string

const (
	CacheHit     CacheStatus = "Hit"
	CacheMiss    CacheStatus = "Miss"
	CacheUnknown CacheStatus = "Unknown"
)

// CacheIndicator describes one response header that exposes cache state.
// Classify receives the raw header value and returns CacheUnknown when the
// value is not decisive, letting the next indicator decide.
type CacheIndicator struct {
	Header   string
	Classify func(value string) CacheStatus
}

// TokenIndicator builds an indicator that looks for hit or miss tokens in a
// comma separated header value. A hit token anywhere wins over misses since
// it means some cache layer served the response.
func TokenIndicator(header string, hitTokens, missTokens []string) CacheIndicator {
	return CacheIndicator{
		Header: header,
		Classify: func(value string) CacheStatus {
			v := strings.ToLower(value)
			for _, tok := range hitTokens {
				if strings.Contains(v, tok) {
					return CacheHit
				}
			}
			for _, tok := range missTokens {
				if strings.Contains(v, tok) {
					return CacheMiss
				}
			}
			return CacheUnknown
		},
	}
}

var (
	statusHitTokens  = []string{"hit", "stale", "updating", "revalidated"}
	statusMissTokens = []string{"miss", "expired", "bypass", "dynamic", "pass"}
)

// DefaultCacheIndicators is ordered from most to least specific. Vendor
// status headers come first, generic signals like Age and X-Varnish last.
var DefaultCacheIndicators = []CacheIndicator{
	TokenIndicator("CF-Cache-Status", statusHitTokens, statusMissTokens),
	TokenIndicator("X-Cache-Status", statusHitTokens, statusMissTokens),
	TokenIndicator("X-Cache", []string{"hit"}, []string{"miss", "pass"}),
	TokenIndicator("X-Proxy-Cache", statusHitTokens, statusMissTokens),
	TokenIndicator("Cdn-Cache", statusHitTokens, statusMissTokens),
	TokenIndicator("X-Vercel-Cache", statusHitTokens, append([]string{"prerender"}, statusMissTokens...)),
	TokenIndicator("X-Nextjs-Cache", statusHitTokens, statusMissTokens),
	TokenIndicator("X-Drupal-Cache", []string{"hit"}, []string{"miss"}),
	TokenIndicator("X-Litespeed-Cache", []string{"hit"}, []string{"miss", "no-cache"}),
	TokenIndicator("Akamai-Cache-Status", []string{"hit"}, []string{"miss"}),
	TokenIndicator("X-Rack-Cache", []string{"fresh", "hit"}, []string{"miss", "pass"}),
	TokenIndicator("Server-Timing", []string{"desc=hit", "cdn-cache-hit"}, []string{"desc=miss", "cdn-cache-miss"}),
	{Header: "X-Cache-Hits", Classify: classifyHitCounter},
	{Header: "X-Cache-Hit", Classify: classifyBoolish},
	{Header: "Age", Classify: classifyAge},
	{Header: "X-Varnish", Classify: classifyVarnish},
}

// classifyHitCounter handles Fastly style "0, 3" hit counters.
func classifyHitCounter(value string) CacheStatus {
	sawZero := false
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if n > 0 {
			return CacheHit
		}
		sawZero = true
	}
	if sawZero {
		return CacheMiss
	}
	return CacheUnknown
}

func classifyBoolish(value string) CacheStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "hit":
		return CacheHit
	case "0", "false", "no", "miss":
		return CacheMiss
	}
	return CacheUnknown
}

func classifyAge(value string) CacheStatus {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return CacheUnknown
	}
	if n > 0 {
		return CacheHit
	}
	return CacheMiss
}

// X-Varnish carries the request XID, plus the XID of the cached object on a hit.
func classifyVarnish(value string) CacheStatus {
	switch len(strings.Fields(value)) {
	case 0:
		return CacheUnknown
	case 1:
		return CacheMiss
	default:
		return CacheHit
	}
}

var defaultIndicatorTable = NewCacheIndicatorTable()

// CacheIndicatorTable classifies responses against an ordered indicator list.
// It is safe for concurrent use; Register may be called at any time.
type CacheIndicatorTable struct {
	mu         sync.RWMutex
	indicators []CacheIndicator
}

// NewCacheIndicatorTable returns a table seeded with DefaultCacheIndicators,
// with extra indicators consulted before the defaults.
func NewCacheIndicatorTable(extra ...CacheIndicator) *CacheIndicatorTable {
	t := &CacheIndicatorTable{}
	t.indicators = append(t.indicators, extra...)
	t.indicators = append(t.indicators, DefaultCacheIndicators...)
	return t
}

// Register adds an indicator ahead of the existing ones.
func (t *CacheIndicatorTable) Register(ind CacheIndicator) {
	t.mu.Lock()
	t.indicators = append([]CacheIndicator{ind}, t.indicators...)
	t.mu.Unlock()
}

// Classify returns the first decisive verdict along with the header and value
// that produced it. Without any decisive header it returns CacheUnknown.
func (t *CacheIndicatorTable) Classify(h HeaderGetter) (CacheStatus, string, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ind := range t.indicators {
		value := h.Get(ind.Header)
		if value == "" {
			continue
		}
		if status := ind.Classify(value); status != CacheUnknown {
			return status, ind.Header, value
		}
	}
	return CacheUnknown, "", ""
}

// IsCacheable makes a loose assessment of whether a response may be stored
// by a shared cache. It is a hint, never proof.
func IsCacheable(headers HeaderGetter) bool {
	cacheControl := strings.ToLower(headers.Get("Cache-Control"))
	if cacheControl != "" {
		if strings.Contains(cacheControl, "no-store") || strings.Contains(cacheControl, "private") {
			return false
		}
		if strings.Contains(cacheControl, "public") || strings.Contains(cacheControl, "s-maxage") {
			return true
		}
		if idx := strings.Index(cacheControl, "max-age="); idx >= 0 {
			rest := cacheControl[idx+len("max-age="):]
			if end := strings.IndexAny(rest, ", "); end >= 0 {
				rest = rest[:end]
			}
			if n, err := strconv.Atoi(rest); err == nil {
				return n > 0
			}
		}
		if strings.Contains(cacheControl, "no-cache") {
			return false
		}
	}

	if strings.Contains(strings.ToLower(headers.Get("Pragma")), "no-cache") {
		return false
	}

	expires := headers.Get("Expires")
	if expires != "" && expires != "0" && expires != "-1" {
		return true
	}

	status, _, _ := defaultIndicatorTable.Classify(headers)
	return status == CacheHit
}
