package networking

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ParseProxyURL validates a proxy URL and normalizes its scheme.
func ParseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", raw)
	}
	return u, nil
}

// applyProxy routes transport through proxyURL. HTTP(S) proxies use the
// standard CONNECT path; SOCKS proxies replace the dialer.
func applyProxy(transport *http.Transport, proxyURL *url.URL, dialTimeout time.Duration) error {
	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
		return nil
	case "socks5", "socks5h":
		forward := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
		dialer, err := proxy.FromURL(proxyURL, forward)
		if err != nil {
			return fmt.Errorf("creating SOCKS dialer for %s: %w", proxyURL.Redacted(), err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
}
