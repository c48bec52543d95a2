package utils

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

var (
	// schemePattern matches URLs that already start with a scheme such as http://.
	schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

	// protocolRelativePattern matches protocol-relative URLs (//host/path).
	protocolRelativePattern = regexp.MustCompile(`^//`)
)

// EnsureScheme prefixes rawURL with http:// (or http: for protocol-relative
// input) when it has no scheme.
func EnsureScheme(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if schemePattern.MatchString(rawURL) {
		return rawURL
	}
	if protocolRelativePattern.MatchString(rawURL) {
		return "http:" + rawURL
	}
	return "http://" + rawURL
}

// NormalizeURL returns the canonical form used for deduplication:
// lowercase scheme and host, default ports dropped, empty path as "/",
// fragment removed and query parameters sorted by name then value.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.RawQuery != "" {
		query := u.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(query))
		for _, k := range keys {
			values := append([]string(nil), query[k]...)
			sort.Strings(values)
			for _, v := range values {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	return u.String(), nil
}

// WithPath returns rawURL with its path replaced and its query dropped.
func WithPath(rawURL, newPath string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(newPath, "/") {
		newPath = "/" + newPath
	}
	u.Path = newPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// GenerateUniquePayload returns prefix followed by a short random token.
// Markers must be unique per scan so reflections cannot collide.
func GenerateUniquePayload(prefix string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return token
	}
	return prefix + token
}

// CacheBuster returns a fresh value for cache-busting query parameters.
func CacheBuster() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// ExtractBaseDomain returns the registrable domain (eTLD+1) of urlString.
// IPs and single-label hosts are returned as they are.
func ExtractBaseDomain(urlString string) (string, error) {
	parsedURL, err := url.Parse(EnsureScheme(urlString))
	if err != nil {
		return "", err
	}

	host := parsedURL.Hostname()
	if host == "" {
		return "", &url.Error{Op: "ExtractBaseDomain", URL: urlString, Err: errors.New("host is empty")}
	}
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return strings.ToLower(host), nil
	}

	eTLDPlusOne, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	if err != nil {
		return "", fmt.Errorf("failed to get eTLD+1 for host '%s': %w", host, err)
	}
	return eTLDPlusOne, nil
}

// IsSameDomain reports whether both URLs share a registrable domain.
func IsSameDomain(url1, url2 string) bool {
	d1, err1 := ExtractBaseDomain(url1)
	d2, err2 := ExtractBaseDomain(url2)
	return err1 == nil && err2 == nil && d1 == d2
}

// IsSameHost reports whether both URLs share scheme-less host and port.
func IsSameHost(url1, url2 string) bool {
	u1, err1 := url.Parse(url1)
	u2, err2 := url.Parse(url2)
	if err1 != nil || err2 != nil {
		return false
	}
	return strings.EqualFold(u1.Host, u2.Host)
}

// GetDomainFromURL returns the host (with port) of rawURL.
func GetDomainFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// MatchesPathRule reports whether urlPath matches rule, either as a path
// prefix or, when rule contains glob metacharacters, as a path.Match glob.
func MatchesPathRule(urlPath, rule string) bool {
	if rule == "" {
		return false
	}
	if strings.ContainsAny(rule, "*?[") {
		if ok, err := path.Match(rule, urlPath); err == nil && ok {
			return true
		}
		// a trailing /* should also cover deeper paths
		if strings.HasSuffix(rule, "/*") && strings.HasPrefix(urlPath, strings.TrimSuffix(rule, "*")) {
			return true
		}
		return false
	}
	return strings.HasPrefix(urlPath, rule)
}
