package networking

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/metrics"
	"github.com/rafabd1/wcvs/internal/utils"
)

// Sender executes a single RequestSpec. Client is the production
// implementation; tests substitute their own.
type Sender interface {
	Send(ctx context.Context, spec RequestSpec) (*Observation, error)
}

// Client is the HTTP transport shared by the crawler and every probe.
type Client struct {
	httpClient *http.Client
	config     *config.Config
	logger     utils.Logger
	indicators *utils.CacheIndicatorTable
	metrics    *metrics.Recorder
	viaProxy   bool
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithIndicators replaces the cache indicator table.
func WithIndicators(t *utils.CacheIndicatorTable) ClientOption {
	return func(c *Client) { c.indicators = t }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds the transport from cfg: TLS toggle, proxy, redirect
// policy and per-request timeout.
func NewClient(cfg *config.Config, logger utils.Logger, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifySSL, // #nosec G402 -- opt-in via verify_ssl=false
		},
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.Threads + 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Accept-Encoding is left to the caller so header tests see raw bodies.
		DisableCompression: true,
	}

	c := &Client{
		config:     cfg,
		logger:     logger,
		indicators: utils.NewCacheIndicatorTable(),
		sleep:      sleepContext,
	}

	if cfg.HTTP.Proxy != "" {
		proxyURL, err := ParseProxyURL(cfg.HTTP.Proxy)
		if err != nil {
			return nil, err
		}
		if err := applyProxy(transport, proxyURL, cfg.Timeout); err != nil {
			return nil, err
		}
		c.viaProxy = true
		logger.Debugf("Routing requests through proxy %s", proxyURL.Redacted())
	}

	maxRedirects := cfg.MaxRedirects
	follow := cfg.FollowRedirects
	c.httpClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// a 3xx beyond the limit is returned as the terminal response
			if !follow || len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send performs spec once, retrying timeouts and connection errors with
// exponential backoff unless spec is timing-sensitive. Cancelling ctx stops
// further attempts but never aborts a request already on the wire.
func (c *Client) Send(ctx context.Context, spec RequestSpec) (*Observation, error) {
	target, err := spec.BuildURL()
	if err != nil {
		return nil, &TransportError{Kind: ErrKindOther, URL: spec.URL, Attempts: 0, Err: err}
	}

	maxAttempts := c.config.MaxRetries + 1
	if spec.TimingSensitive {
		maxAttempts = 1
	}

	var lastErr *TransportError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(c.config.RetryDelayBase, c.config.RetryDelayMax, attempt-1)
			c.logger.Debugf("Retrying %s in %s (attempt %d/%d): %v", target, delay, attempt+1, maxAttempts, lastErr.Err)
			c.metrics.IncRetry()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		obs, err := c.do(ctx, spec, target)
		if err == nil {
			c.metrics.ObserveRequest(string(obs.Cache), obs.Latency)
			return obs, nil
		}

		lastErr = &TransportError{Kind: classifyError(err, c.viaProxy), URL: target, Attempts: attempt + 1, Err: err}
		if !lastErr.Retryable() || ctx.Err() != nil {
			break
		}
	}
	c.metrics.ObserveRequestError(string(lastErr.Kind))
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, spec RequestSpec, target string) (*Observation, error) {
	// in-flight requests outlive scan cancellation and end on their own timeout
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, spec.MethodOrDefault(), target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", target, err)
	}
	c.applyHeaders(req, spec)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.config.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", target, err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	headers := orderedHeaders(resp.Header)
	status, indicator, value := c.indicators.Classify(headers)

	return &Observation{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Headers:     headers,
		Body:        string(body),
		Truncated:   truncated,
		Latency:     latency,
		Cache:       status,
		CacheHeader: indicator,
		CacheValue:  value,
	}, nil
}

// applyHeaders merges the configured base headers, cookies and credentials
// under the request's own headers. A request header replaces every base
// header of the same name; duplicates inside the request are all sent.
func (c *Client) applyHeaders(req *http.Request, spec RequestSpec) {
	overridden := make(map[string]bool, len(spec.Headers))
	for _, h := range spec.Headers {
		overridden[http.CanonicalHeaderKey(h.Name)] = true
	}

	base := []HeaderField{{Name: "User-Agent", Value: c.config.HTTP.UserAgent}}
	for _, h := range c.config.HTTP.Headers {
		base = append(base, HeaderField{Name: h.Name, Value: h.Value})
	}
	for _, h := range base {
		key := http.CanonicalHeaderKey(h.Name)
		if overridden[key] {
			continue
		}
		if spec.Unauthenticated && (key == "Authorization" || key == "Cookie") {
			continue
		}
		req.Header.Add(key, h.Value)
	}

	for _, h := range spec.Headers {
		if strings.EqualFold(h.Name, "Host") {
			req.Host = h.Value
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}

	if !overridden["Cookie"] {
		if cookie := c.cookieHeader(spec); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	if auth := c.config.HTTP.Auth; auth != nil && !spec.Unauthenticated && !overridden["Authorization"] {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

func (c *Client) cookieHeader(spec RequestSpec) string {
	var pairs []HeaderField
	if !spec.Unauthenticated {
		for _, ck := range c.config.HTTP.Cookies {
			pairs = append(pairs, HeaderField{Name: ck.Name, Value: ck.Value})
		}
	}
	for _, ov := range spec.Cookies {
		replaced := false
		for i := range pairs {
			if pairs[i].Name == ov.Name {
				pairs[i].Value = ov.Value
				replaced = true
			}
		}
		if !replaced {
			pairs = append(pairs, ov)
		}
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.Name + "=" + p.Value
	}
	return strings.Join(parts, "; ")
}

// orderedHeaders flattens http.Header into a stable, name-sorted list.
// net/http parses response headers into a map and drops their wire order,
// so the order reported here is by name. Values of a repeated header keep
// their received order.
func orderedHeaders(h http.Header) Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(Headers, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, HeaderField{Name: name, Value: v})
		}
	}
	return out
}

// BackoffDelay returns base * 2^attempt capped at max. A zero max means
// uncapped.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<uint(attempt))
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
