package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// Probe names accepted in Config.Probes.
const (
	ProbePoisoning     = "poisoning"
	ProbeDeception     = "deception"
	ProbeKeyManip      = "key-manipulation"
	ProbeTiming        = "timing"
	ProbeEnumeration   = "probing"
	ProbeParamCloaking = "parameter-cloaking"
)

// AllProbes lists every probe in execution order.
var AllProbes = []string{ProbePoisoning, ProbeDeception, ProbeKeyManip, ProbeTiming, ProbeEnumeration, ProbeParamCloaking}

// DefaultDeceptionMarker matches session-like secrets in a response body.
const DefaultDeceptionMarker = `(?i)(?:session[_-]?id|csrf[_-]?token|api[_-]?key|access[_-]?token|auth[_-]?token)["'\s:=]+[A-Za-z0-9._\-]{8,}`

// NameValue is an ordered header or cookie entry.
type NameValue struct {
	Name  string `mapstructure:"name" json:"name"`
	Value string `mapstructure:"value" json:"value"`
}

// BasicAuth holds optional HTTP basic credentials.
type BasicAuth struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// HTTPConfig covers everything merged into each outgoing request.
type HTTPConfig struct {
	Headers   []NameValue `mapstructure:"headers"`
	Cookies   []NameValue `mapstructure:"cookies"`
	UserAgent string      `mapstructure:"user_agent"`
	Proxy     string      `mapstructure:"proxy"`
	Auth      *BasicAuth  `mapstructure:"auth"`
}

// Wordlists are optional files, one entry per line, # for comments.
type Wordlists struct {
	Paths      string `mapstructure:"paths"`
	Parameters string `mapstructure:"parameters"`
	Headers    string `mapstructure:"headers"`
}

// TimingConfig tunes the timing side-channel analysis.
type TimingConfig struct {
	Samples            int     `mapstructure:"samples"`
	Threshold          float64 `mapstructure:"threshold"`
	ConfirmedThreshold float64 `mapstructure:"confirmed_threshold"`
	TrimFraction       float64 `mapstructure:"trim_fraction"`
}

// CacheIndicatorRule declares an extra response header that exposes cache
// state. Hit and Miss tokens are matched case-insensitively as substrings of
// the header value; a hit token wins over a miss token.
type CacheIndicatorRule struct {
	Header string   `mapstructure:"header"`
	Hit    []string `mapstructure:"hit"`
	Miss   []string `mapstructure:"miss"`
}

// Config holds all the configuration for a scan. Fields are populated by
// viper from config files, WCVS_* environment variables and flags.
type Config struct {
	Threads         int           `mapstructure:"threads"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	RetryDelayMax   time.Duration `mapstructure:"retry_delay_max"`
	RateLimit       int           `mapstructure:"rate_limit"` // requests per second, 0 means unlimited
	RateBurst       int           `mapstructure:"rate_burst"`
	FollowRedirects bool          `mapstructure:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"`
	VerifySSL       bool          `mapstructure:"verify_ssl"`
	Depth           int           `mapstructure:"depth"`
	Passive         bool          `mapstructure:"passive"`
	Paths           []string      `mapstructure:"paths"`
	ExcludePaths    []string      `mapstructure:"exclude_paths"`
	CrawlSubdomains bool          `mapstructure:"crawl_subdomains"`
	MaxURLs         int           `mapstructure:"max_urls"`
	Wordlists       Wordlists     `mapstructure:"wordlists"`
	HTTP            HTTPConfig    `mapstructure:"http"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	StandbyDuration time.Duration `mapstructure:"standby_duration"`
	StandbyMax      time.Duration `mapstructure:"standby_max"`

	CacheIndicators []CacheIndicatorRule `mapstructure:"cache_indicators"`

	Probes            []string     `mapstructure:"probes"`
	SensitivePaths    []string     `mapstructure:"sensitive_paths"`
	DeceptionMarker   string       `mapstructure:"deception_marker"`
	PayloadPrefix     string       `mapstructure:"payload_prefix"`
	Timing            TimingConfig `mapstructure:"timing"`
	TimingCalibration bool         `mapstructure:"timing_calibration"`

	OutputFile   string `mapstructure:"output"`
	OutputFormat string `mapstructure:"format"`
	Verbosity    string `mapstructure:"verbosity"`
	NoColor      bool   `mapstructure:"no_color"`
	Silent       bool   `mapstructure:"silent"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// DefaultSensitivePaths are probed for cached restricted content.
var DefaultSensitivePaths = []string{
	"/admin", "/api", "/internal", "/private", "/config",
	"/account", "/profile", "/dashboard", "/settings", "/user",
}

// GetDefaultConfig returns a Config populated with default values.
func GetDefaultConfig() *Config {
	return &Config{
		Threads:         10,
		Timeout:         30 * time.Second,
		MaxRetries:      2,
		RetryDelayBase:  200 * time.Millisecond,
		RetryDelayMax:   5 * time.Second,
		RateLimit:       0,
		RateBurst:       1,
		FollowRedirects: true,
		MaxRedirects:    10,
		VerifySSL:       true,
		Depth:           2,
		MaxURLs:         500,
		HTTP: HTTPConfig{
			UserAgent: "wcvs/1.0",
		},
		MaxBodyBytes:    1 << 20,
		StandbyDuration: 30 * time.Second,
		StandbyMax:      2 * time.Minute,
		SensitivePaths:  append([]string(nil), DefaultSensitivePaths...),
		DeceptionMarker: DefaultDeceptionMarker,
		PayloadPrefix:   "wcvs",
		Timing: TimingConfig{
			Samples:            10,
			Threshold:          3.0,
			ConfirmedThreshold: 5.0,
			TrimFraction:       0.1,
		},
		TimingCalibration: true,
		OutputFormat:      "json",
		Verbosity:         "info",
	}
}

// Target is the immutable description of what one scan covers.
type Target struct {
	Seeds        []string
	IncludePaths []string
	ExcludePaths []string
	MaxDepth     int
	Passive      bool
	Subdomains   bool
}

// NewTarget builds a Target for seeds using the scope rules in c.
func (c *Config) NewTarget(seeds ...string) Target {
	return Target{
		Seeds:        append([]string(nil), seeds...),
		IncludePaths: append([]string(nil), c.Paths...),
		ExcludePaths: append([]string(nil), c.ExcludePaths...),
		MaxDepth:     c.Depth,
		Passive:      c.Passive,
		Subdomains:   c.CrawlSubdomains,
	}
}

// EnabledProbes returns the probe names to run, in canonical order.
func (c *Config) EnabledProbes() []string {
	if len(c.Probes) == 0 {
		return append([]string(nil), AllProbes...)
	}
	want := make(map[string]bool, len(c.Probes))
	for _, p := range c.Probes {
		want[strings.ToLower(strings.TrimSpace(p))] = true
	}
	var out []string
	for _, p := range AllProbes {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}

// LoadLinesFromFile reads non-empty, non-comment lines, dropping duplicates.
func LoadLinesFromFile(filePath string) ([]string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return deduplicateStringSlice(parseLines(string(content))), nil
}

func parseLines(content string) []string {
	var result []string
	for _, line := range strings.Split(content, "\n") {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine != "" && !strings.HasPrefix(trimmedLine, "#") {
			result = append(result, trimmedLine)
		}
	}
	return result
}

func deduplicateStringSlice(s []string) []string {
	seen := make(map[string]struct{})
	result := []string{}
	for _, item := range s {
		if _, ok := seen[item]; !ok {
			seen[item] = struct{}{}
			result = append(result, item)
		}
	}
	return result
}

// ConfigError describes one invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigErrors collects every problem found by Validate.
type ConfigErrors []ConfigError

func (e ConfigErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ce := range e {
		msgs[i] = ce.Error()
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e), strings.Join(msgs, "; "))
}

// Unwrap exposes each ConfigError to errors.As.
func (e ConfigErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, ce := range e {
		out[i] = ce
	}
	return out
}

var supportedProxySchemes = map[string]bool{"http": true, "https": true, "socks5": true, "socks5h": true}

// Validate checks every option and returns nil or a ConfigErrors listing
// all problems. A scan must not start when it fails.
func (c *Config) Validate() error {
	var errs ConfigErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ConfigError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Threads <= 0 {
		add("threads", "must be positive, got %d", c.Threads)
	}
	if c.Timeout <= 0 {
		add("timeout", "must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 0 {
		add("max_retries", "cannot be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelayBase < 0 {
		add("retry_delay_base", "cannot be negative")
	}
	if c.RetryDelayMax < 0 {
		add("retry_delay_max", "cannot be negative")
	}
	if c.RetryDelayMax > 0 && c.RetryDelayBase > c.RetryDelayMax {
		add("retry_delay_base", "(%s) cannot be greater than retry_delay_max (%s)", c.RetryDelayBase, c.RetryDelayMax)
	}
	if c.RateLimit < 0 {
		add("rate_limit", "must be positive when set, got %d", c.RateLimit)
	}
	if c.RateBurst < 0 {
		add("rate_burst", "cannot be negative, got %d", c.RateBurst)
	}
	if c.MaxRedirects < 0 {
		add("max_redirects", "cannot be negative, got %d", c.MaxRedirects)
	}
	if c.Depth <= 0 {
		add("depth", "must be positive, got %d", c.Depth)
	}
	if c.MaxURLs < 0 {
		add("max_urls", "cannot be negative, got %d", c.MaxURLs)
	}
	if c.MaxBodyBytes <= 0 {
		add("max_body_bytes", "must be positive, got %d", c.MaxBodyBytes)
	}
	if c.HTTP.UserAgent == "" {
		add("http.user_agent", "cannot be empty")
	}

	for field, path := range map[string]string{
		"wordlists.paths":      c.Wordlists.Paths,
		"wordlists.parameters": c.Wordlists.Parameters,
		"wordlists.headers":    c.Wordlists.Headers,
	} {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			add(field, "unreadable wordlist %q: %v", path, err)
			continue
		}
		f.Close()
	}

	if c.HTTP.Proxy != "" {
		u, err := url.Parse(c.HTTP.Proxy)
		switch {
		case err != nil:
			add("http.proxy", "invalid URL %q: %v", c.HTTP.Proxy, err)
		case !supportedProxySchemes[strings.ToLower(u.Scheme)]:
			add("http.proxy", "unsupported scheme %q (use http, https, socks5 or socks5h)", u.Scheme)
		case u.Host == "":
			add("http.proxy", "missing host in %q", c.HTTP.Proxy)
		}
	}

	for _, h := range c.HTTP.Headers {
		if strings.TrimSpace(h.Name) == "" {
			add("http.headers", "header with empty name")
		}
	}
	for _, ck := range c.HTTP.Cookies {
		if strings.TrimSpace(ck.Name) == "" {
			add("http.cookies", "cookie with empty name")
		}
	}

	for i, rule := range c.CacheIndicators {
		field := fmt.Sprintf("cache_indicators[%d]", i)
		if strings.TrimSpace(rule.Header) == "" {
			add(field, "header name cannot be empty")
		}
		tokens := 0
		for _, tok := range append(append([]string(nil), rule.Hit...), rule.Miss...) {
			if strings.TrimSpace(tok) == "" {
				add(field, "empty hit or miss token")
				continue
			}
			tokens++
		}
		if tokens == 0 {
			add(field, "needs at least one hit or miss token")
		}
	}

	known := make(map[string]bool, len(AllProbes))
	for _, p := range AllProbes {
		known[p] = true
	}
	for _, p := range c.Probes {
		if !known[strings.ToLower(strings.TrimSpace(p))] {
			add("probes", "unknown probe %q", p)
		}
	}

	if c.DeceptionMarker != "" {
		if _, err := regexp.Compile(c.DeceptionMarker); err != nil {
			add("deception_marker", "invalid regular expression: %v", err)
		}
	}
	if c.PayloadPrefix == "" {
		add("payload_prefix", "cannot be empty")
	}

	if c.Timing.Samples < 5 {
		add("timing.samples", "must be at least 5, got %d", c.Timing.Samples)
	}
	if c.Timing.Threshold <= 0 {
		add("timing.threshold", "must be positive")
	}
	if c.Timing.ConfirmedThreshold < c.Timing.Threshold {
		add("timing.confirmed_threshold", "cannot be lower than timing.threshold")
	}
	if c.Timing.TrimFraction < 0 || c.Timing.TrimFraction >= 0.5 {
		add("timing.trim_fraction", "must be in [0, 0.5), got %g", c.Timing.TrimFraction)
	}

	switch strings.ToLower(c.OutputFormat) {
	case "json", "text":
	default:
		add("format", "unknown output format %q (use json or text)", c.OutputFormat)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateConfiguration is the pre-flight check run before any scanning.
func ValidateConfiguration(c *Config) error {
	if c == nil {
		return ConfigErrors{{Field: "config", Message: "is nil"}}
	}
	return c.Validate()
}

// String is used for debug logging. Credentials are never printed.
func (c *Config) String() string {
	proxy := c.HTTP.Proxy
	if u, err := url.Parse(proxy); err == nil && u.User != nil {
		u.User = url.User("***")
		proxy = u.String()
	}
	return fmt.Sprintf("Threads: %d, Timeout: %s, MaxRetries: %d, RateLimit: %d, Depth: %d, Passive: %t, FollowRedirects: %t (max %d), VerifySSL: %t, Proxy: '%s', Probes: %v, Headers (count): %d, Cookies (count): %d",
		c.Threads, c.Timeout, c.MaxRetries, c.RateLimit, c.Depth, c.Passive, c.FollowRedirects, c.MaxRedirects, c.VerifySSL, proxy, c.EnabledProbes(), len(c.HTTP.Headers), len(c.HTTP.Cookies))
}
