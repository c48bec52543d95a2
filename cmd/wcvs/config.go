package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rafabd1/wcvs/internal/config"
)

const envPrefix = "wcvs"

// flagKeys maps command line flags to their configuration keys.
var flagKeys = map[string]string{
	"threads":          "threads",
	"timeout":          "timeout",
	"max-retries":      "max_retries",
	"rate-limit":       "rate_limit",
	"rate-burst":       "rate_burst",
	"depth":            "depth",
	"passive":          "passive",
	"paths":            "paths",
	"exclude-paths":    "exclude_paths",
	"crawl-subdomains": "crawl_subdomains",
	"max-urls":         "max_urls",
	"proxy":            "http.proxy",
	"user-agent":       "http.user_agent",
	"follow-redirects": "follow_redirects",
	"max-redirects":    "max_redirects",
	"verify-ssl":       "verify_ssl",
	"probes":           "probes",
	"payload-prefix":   "payload_prefix",
	"wordlist-paths":   "wordlists.paths",
	"wordlist-params":  "wordlists.parameters",
	"wordlist-headers": "wordlists.headers",
	"timing-samples":   "timing.samples",
	"output":           "output",
	"format":           "format",
	"verbosity":        "verbosity",
	"no-color":         "no_color",
	"silent":           "silent",
	"metrics-addr":     "metrics_addr",
}

// addConfigFlags registers every flag that overrides a configuration key.
// Flag defaults mirror config.GetDefaultConfig for the help output only;
// viper resolves unset flags from its own defaults.
func addConfigFlags(fs *pflag.FlagSet) {
	d := config.GetDefaultConfig()

	fs.IntP("threads", "t", d.Threads, "Number of concurrent workers")
	fs.Duration("timeout", d.Timeout, "Per-request timeout")
	fs.Int("max-retries", d.MaxRetries, "Retries for timeouts and connection errors")
	fs.Int("rate-limit", d.RateLimit, "Maximum requests per second (0 = unlimited)")
	fs.Int("rate-burst", d.RateBurst, "Requests allowed in a burst above the rate limit")
	fs.IntP("depth", "d", d.Depth, "Crawl depth")
	fs.Bool("passive", d.Passive, "Only send requests that never leave a payload in the cache")
	fs.StringSlice("paths", nil, "Extra paths to add as candidates (comma separated)")
	fs.StringSlice("exclude-paths", nil, "Path prefixes to exclude (comma separated)")
	fs.Bool("crawl-subdomains", d.CrawlSubdomains, "Follow links to subdomains of the seed's registrable domain")
	fs.Int("max-urls", d.MaxURLs, "Maximum number of candidate URLs (0 = unlimited)")
	fs.String("proxy", "", "Proxy URL (http, https, socks5, socks5h)")
	fs.String("user-agent", d.HTTP.UserAgent, "User-Agent header")
	fs.Bool("follow-redirects", d.FollowRedirects, "Follow HTTP redirects")
	fs.Int("max-redirects", d.MaxRedirects, "Maximum redirects to follow")
	fs.Bool("verify-ssl", d.VerifySSL, "Verify TLS certificates")
	fs.StringSlice("probes", nil, "Probes to run (default all): "+strings.Join(config.AllProbes, ","))
	fs.String("payload-prefix", d.PayloadPrefix, "Prefix of generated markers and cache busters")
	fs.String("wordlist-paths", "", "Wordlist of paths for the probing module")
	fs.String("wordlist-params", "", "Wordlist of parameter names")
	fs.String("wordlist-headers", "", "Wordlist of header names")
	fs.Int("timing-samples", d.Timing.Samples, "Samples per timing distribution")
	fs.StringP("output", "o", "", "Report file (default stdout)")
	fs.StringP("format", "f", d.OutputFormat, "Report format: json or text")
	fs.StringP("verbosity", "v", d.Verbosity, "Log level: debug, info, warn, error")
	fs.Bool("no-color", d.NoColor, "Disable colored logs")
	fs.BoolP("silent", "s", d.Silent, "Suppress all logs")
	fs.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")

	fs.StringArrayP("header", "H", nil, `Extra request header "Name: Value" (repeatable)`)
	fs.StringArray("cookie", nil, `Extra cookie "name=value" (repeatable)`)
	fs.String("auth", "", `Basic credentials "user:password"`)
}

// defaultSettings returns every configuration key with its value in d.
func defaultSettings(d *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"threads":                    d.Threads,
		"timeout":                    d.Timeout,
		"max_retries":                d.MaxRetries,
		"retry_delay_base":           d.RetryDelayBase,
		"retry_delay_max":            d.RetryDelayMax,
		"rate_limit":                 d.RateLimit,
		"rate_burst":                 d.RateBurst,
		"follow_redirects":           d.FollowRedirects,
		"max_redirects":              d.MaxRedirects,
		"verify_ssl":                 d.VerifySSL,
		"depth":                      d.Depth,
		"passive":                    d.Passive,
		"paths":                      d.Paths,
		"exclude_paths":              d.ExcludePaths,
		"crawl_subdomains":           d.CrawlSubdomains,
		"max_urls":                   d.MaxURLs,
		"wordlists.paths":            d.Wordlists.Paths,
		"wordlists.parameters":       d.Wordlists.Parameters,
		"wordlists.headers":          d.Wordlists.Headers,
		"http.user_agent":            d.HTTP.UserAgent,
		"http.proxy":                 d.HTTP.Proxy,
		"max_body_bytes":             d.MaxBodyBytes,
		"standby_duration":           d.StandbyDuration,
		"standby_max":                d.StandbyMax,
		"probes":                     d.Probes,
		"sensitive_paths":            d.SensitivePaths,
		"deception_marker":           d.DeceptionMarker,
		"payload_prefix":             d.PayloadPrefix,
		"timing.samples":             d.Timing.Samples,
		"timing.threshold":           d.Timing.Threshold,
		"timing.confirmed_threshold": d.Timing.ConfirmedThreshold,
		"timing.trim_fraction":       d.Timing.TrimFraction,
		"timing_calibration":         d.TimingCalibration,
		"output":                     d.OutputFile,
		"format":                     d.OutputFormat,
		"verbosity":                  d.Verbosity,
		"no_color":                   d.NoColor,
		"silent":                     d.Silent,
		"metrics_addr":               d.MetricsAddr,
		"cache_indicators":           d.CacheIndicators,
	}
}

func setDefaults(v *viper.Viper, d *config.Config) {
	for key, value := range defaultSettings(d) {
		v.SetDefault(key, value)
	}
}

// writeSampleConfig writes the default configuration to path. Durations are
// written in their string form so the file stays editable by hand.
func writeSampleConfig(path string, force bool) error {
	v := viper.New()
	for key, value := range defaultSettings(config.GetDefaultConfig()) {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		v.Set(key, value)
	}
	if force {
		return v.WriteConfigAs(path)
	}
	return v.SafeWriteConfigAs(path)
}

// loadConfig resolves the configuration from defaults, an optional config
// file, WCVS_* environment variables and flags, in increasing precedence.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, config.GetDefaultConfig())

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag --%s: %w", name, err)
			}
		}
	}

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(envPrefix)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", envPrefix))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg := config.GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := applyHTTPFlags(cfg, fs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyHTTPFlags appends -H, --cookie and --auth values to whatever the
// configuration file already declared.
func applyHTTPFlags(cfg *config.Config, fs *pflag.FlagSet) error {
	if headers, err := fs.GetStringArray("header"); err == nil {
		for _, h := range headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return fmt.Errorf("invalid header %q, expected \"Name: Value\"", h)
			}
			cfg.HTTP.Headers = append(cfg.HTTP.Headers, config.NameValue{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})
		}
	}

	if cookies, err := fs.GetStringArray("cookie"); err == nil {
		for _, c := range cookies {
			name, value, ok := strings.Cut(c, "=")
			if !ok || strings.TrimSpace(name) == "" {
				return fmt.Errorf("invalid cookie %q, expected \"name=value\"", c)
			}
			cfg.HTTP.Cookies = append(cfg.HTTP.Cookies, config.NameValue{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})
		}
	}

	if auth, err := fs.GetString("auth"); err == nil && auth != "" {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok || user == "" {
			return fmt.Errorf("invalid credentials, expected \"user:password\"")
		}
		cfg.HTTP.Auth = &config.BasicAuth{Username: user, Password: pass}
	}
	return nil
}
