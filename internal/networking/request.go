package networking

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rafabd1/wcvs/internal/utils"
)

// HeaderField is one name/value pair. Slices of HeaderField keep order and
// allow duplicates, which header precedence tests rely on.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an order-preserving header list with case-insensitive lookup.
type Headers []HeaderField

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Names returns the distinct header names in first-seen order.
func (h Headers) Names() []string {
	seen := make(map[string]bool, len(h))
	var out []string
	for _, f := range h {
		k := strings.ToLower(f.Name)
		if !seen[k] {
			seen[k] = true
			out = append(out, f.Name)
		}
	}
	return out
}

// RequestSpec describes one logical test request. Probes build specs and
// never mutate them afterwards.
type RequestSpec struct {
	Method string
	URL    string
	// Headers are injected after the configured base headers; a name present
	// here replaces every base header with the same name.
	Headers []HeaderField
	// Query overrides replace same-named parameters already in URL.
	Query []HeaderField
	// RawQuerySuffix is appended verbatim, for separators that must not be
	// re-encoded.
	RawQuerySuffix string
	// RawPath, when set, is sent as the escaped path exactly as written.
	RawPath string
	Cookies []HeaderField
	// Repeat is the number of sequential executions, at least 1.
	Repeat int
	// TimingSensitive specs are never retried.
	TimingSensitive bool
	// Unauthenticated drops configured cookies, credentials and any
	// Authorization/Cookie base headers.
	Unauthenticated bool
	Label           string
}

// Executions returns the effective repeat count.
func (s RequestSpec) Executions() int {
	if s.Repeat < 1 {
		return 1
	}
	return s.Repeat
}

// MethodOrDefault returns the HTTP method, GET when unset.
func (s RequestSpec) MethodOrDefault() string {
	if s.Method == "" {
		return "GET"
	}
	return strings.ToUpper(s.Method)
}

// BuildURL resolves the final request URL from URL, RawPath, Query and
// RawQuerySuffix. Existing parameter order is kept.
func (s RequestSpec) BuildURL() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", s.URL, err)
	}
	if s.RawPath != "" {
		decoded, err := url.PathUnescape(s.RawPath)
		if err != nil {
			return "", fmt.Errorf("decoding raw path %q: %w", s.RawPath, err)
		}
		u.Path = decoded
		u.RawPath = s.RawPath
	}

	if len(s.Query) > 0 {
		override := make(map[string]bool, len(s.Query))
		for _, q := range s.Query {
			override[q.Name] = true
		}
		var parts []string
		if u.RawQuery != "" {
			for _, part := range strings.Split(u.RawQuery, "&") {
				name := part
				if i := strings.IndexByte(part, '='); i >= 0 {
					name = part[:i]
				}
				if unescaped, err := url.QueryUnescape(name); err == nil {
					name = unescaped
				}
				if !override[name] {
					parts = append(parts, part)
				}
			}
		}
		for _, q := range s.Query {
			parts = append(parts, url.QueryEscape(q.Name)+"="+url.QueryEscape(q.Value))
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	if s.RawQuerySuffix != "" {
		if u.RawQuery == "" {
			u.RawQuery = strings.TrimPrefix(s.RawQuerySuffix, "&")
		} else {
			u.RawQuery = u.RawQuery + "&" + strings.TrimPrefix(s.RawQuerySuffix, "&")
		}
	}
	u.Fragment = ""
	return u.String(), nil
}

// Describe renders the request as a proof-of-concept request line plus the
// injected headers and cookies.
func (s RequestSpec) Describe() string {
	target, err := s.BuildURL()
	if err != nil {
		target = s.URL
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.MethodOrDefault(), target)
	for _, h := range s.Headers {
		fmt.Fprintf(&b, "\n%s: %s", h.Name, h.Value)
	}
	if len(s.Cookies) > 0 {
		pairs := make([]string, len(s.Cookies))
		for i, c := range s.Cookies {
			pairs[i] = c.Name + "=" + c.Value
		}
		fmt.Fprintf(&b, "\nCookie: %s", strings.Join(pairs, "; "))
	}
	if s.Unauthenticated {
		b.WriteString("\n(sent without configured credentials)")
	}
	return b.String()
}

// Observation is what came back for one executed request.
type Observation struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Headers    Headers           `json:"headers"`
	Body       string            `json:"body"`
	Truncated  bool              `json:"truncated"`
	Latency    time.Duration     `json:"latency_ns"`
	Cache      utils.CacheStatus `json:"cache"`
	// CacheHeader and CacheValue name the indicator behind Cache.
	CacheHeader string `json:"cache_header,omitempty"`
	CacheValue  string `json:"cache_value,omitempty"`
}

// IsSuccess reports a 2xx status.
func (o *Observation) IsSuccess() bool {
	return o != nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// Fingerprint hashes the body with the given markers removed.
func (o *Observation) Fingerprint(markers ...string) uint32 {
	return utils.BodyFingerprint(utils.StripMarkers([]byte(o.Body), markers...))
}

// Result is the dispatcher's answer for one RequestSpec. Observations holds
// every successful execution in order; Err is the last failure, if any.
type Result struct {
	Spec         RequestSpec
	Observations []*Observation
	Err          error
}

// OK reports whether at least one execution produced an observation.
func (r Result) OK() bool {
	return len(r.Observations) > 0
}

// Last returns the final successful observation, or nil.
func (r Result) Last() *Observation {
	if len(r.Observations) == 0 {
		return nil
	}
	return r.Observations[len(r.Observations)-1]
}

// First returns the first successful observation, or nil.
func (r Result) First() *Observation {
	if len(r.Observations) == 0 {
		return nil
	}
	return r.Observations[0]
}
