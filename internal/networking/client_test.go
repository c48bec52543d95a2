package networking

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rafabd1/wcvs/internal/config"
	"github.com/rafabd1/wcvs/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 2
	cfg.RetryDelayBase = time.Millisecond
	cfg.RetryDelayMax = 5 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := NewClient(cfg, &utils.NoOpLogger{})
	require.NoError(t, err)
	return c
}

func TestClient_MergesBaseHeadersUnderOverrides(t *testing.T) {
	t.Parallel()

	var got http.Header
	var host string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		host = r.Host
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.HTTP.UserAgent = "base-agent"
	cfg.HTTP.Headers = []config.NameValue{{Name: "X-Team", Value: "blue"}, {Name: "X-Forwarded-Host", Value: "base"}}
	cfg.HTTP.Cookies = []config.NameValue{{Name: "session", Value: "s1"}, {Name: "lang", Value: "en"}}
	cfg.HTTP.Auth = &config.BasicAuth{Username: "u", Password: "p"}
	c := newTestClient(t, cfg)

	_, err := c.Send(context.Background(), RequestSpec{
		URL: srv.URL + "/x",
		Headers: []HeaderField{
			{"X-Forwarded-Host", "evil-1"},
			{"X-Forwarded-Host", "evil-2"},
			{"Host", "override.example"},
		},
		Cookies: []HeaderField{{"lang", "fr"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "base-agent", got.Get("User-Agent"))
	assert.Equal(t, "blue", got.Get("X-Team"))
	assert.Equal(t, []string{"evil-1", "evil-2"}, got.Values("X-Forwarded-Host"))
	assert.Equal(t, "session=s1; lang=fr", got.Get("Cookie"))
	assert.True(t, strings.HasPrefix(got.Get("Authorization"), "Basic "))
	assert.Equal(t, "override.example", host)
}

func TestClient_UnauthenticatedDropsCredentials(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.HTTP.Headers = []config.NameValue{{Name: "Authorization", Value: "Bearer t"}, {Name: "X-Keep", Value: "1"}}
	cfg.HTTP.Cookies = []config.NameValue{{Name: "session", Value: "s1"}}
	cfg.HTTP.Auth = &config.BasicAuth{Username: "u", Password: "p"}
	c := newTestClient(t, cfg)

	_, err := c.Send(context.Background(), RequestSpec{URL: srv.URL, Unauthenticated: true})
	require.NoError(t, err)
	assert.Empty(t, got.Get("Authorization"))
	assert.Empty(t, got.Get("Cookie"))
	assert.Equal(t, "1", got.Get("X-Keep"))
}

func TestClient_ObservationFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "HIT")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	c := newTestClient(t, cfg)

	obs, err := c.Send(context.Background(), RequestSpec{URL: srv.URL + "/p", Query: []HeaderField{{"cb", "1"}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, obs.StatusCode)
	assert.Equal(t, utils.CacheHit, obs.Cache)
	assert.Equal(t, "X-Cache", obs.CacheHeader)
	assert.Len(t, obs.Body, 16)
	assert.True(t, obs.Truncated)
	assert.Equal(t, []string{"a=1", "b=2"}, obs.Headers.Values("set-cookie"))
	assert.Contains(t, obs.URL, "cb=1")
	assert.Greater(t, obs.Latency, time.Duration(0))
}

func TestClient_Redirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/r1", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/r2", http.StatusFound) })
	mux.HandleFunc("/r2", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/final", http.StatusFound) })
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "done") })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig()
	obs, err := newTestClient(t, cfg).Send(context.Background(), RequestSpec{URL: srv.URL + "/r1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, obs.StatusCode)
	assert.Equal(t, "done", obs.Body)

	cfg = testConfig()
	cfg.FollowRedirects = false
	obs, err = newTestClient(t, cfg).Send(context.Background(), RequestSpec{URL: srv.URL + "/r1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, obs.StatusCode)

	cfg = testConfig()
	cfg.MaxRedirects = 1
	obs, err = newTestClient(t, cfg).Send(context.Background(), RequestSpec{URL: srv.URL + "/r1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, obs.StatusCode)
	assert.True(t, strings.HasSuffix(obs.URL, "/r2"))
}

// dropFirst closes the connection without answering for the first n requests.
func dropFirst(n int32, hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= n {
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("hijacking unsupported")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		fmt.Fprint(w, "ok")
	}
}

func TestClient_RetriesConnectionErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(dropFirst(2, &hits))
	defer srv.Close()

	obs, err := newTestClient(t, testConfig()).Send(context.Background(), RequestSpec{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", obs.Body)
	assert.EqualValues(t, 3, hits.Load())
}

func TestClient_ExhaustedRetriesReturnTransportError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(dropFirst(100, &hits))
	defer srv.Close()

	_, err := newTestClient(t, testConfig()).Send(context.Background(), RequestSpec{URL: srv.URL})
	require.Error(t, err)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempts)
	assert.EqualValues(t, 3, hits.Load())
}

func TestClient_TimingSensitiveIsNeverRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	_, err := newTestClient(t, cfg).Send(context.Background(), RequestSpec{URL: srv.URL, TimingSensitive: true})
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ErrKindTimeout, te.Kind)
	assert.Equal(t, 1, te.Attempts)
	assert.EqualValues(t, 1, hits.Load())
}

func TestClient_InFlightRequestSurvivesCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "late")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	obs, err := newTestClient(t, testConfig()).Send(ctx, RequestSpec{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "late", obs.Body)
}

func TestClient_RejectsBadProxy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HTTP.Proxy = "gopher://proxy:70"
	_, err := NewClient(cfg, &utils.NoOpLogger{})
	assert.Error(t, err)

	cfg.HTTP.Proxy = "socks5://127.0.0.1:1080"
	_, err = NewClient(cfg, &utils.NoOpLogger{})
	assert.NoError(t, err)
}

func TestClient_CustomIndicatorsTakePrecedence(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Edge-Result", "From-Edge")
		w.Header().Set("X-Cache", "MISS")
	}))
	defer srv.Close()

	table := utils.NewCacheIndicatorTable(utils.TokenIndicator("X-Edge-Result", []string{"from-edge"}, []string{"from-origin"}))
	c, err := NewClient(testConfig(), &utils.NoOpLogger{}, WithIndicators(table))
	require.NoError(t, err)

	obs, err := c.Send(context.Background(), RequestSpec{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, utils.CacheHit, obs.Cache)
	assert.Equal(t, "X-Edge-Result", obs.CacheHeader)
}

// socks5Server is a minimal no-auth SOCKS5 relay supporting CONNECT only.
func socks5Server(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var conns atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go relaySOCKS5(conn)
		}
	}()
	return ln.Addr().String(), &conns
}

func relaySOCKS5(conn net.Conn) {
	defer conn.Close()

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil || hdr[0] != 5 {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, hdr[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{5, 0}); err != nil {
		return
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil || req[1] != 1 {
		return
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 3:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return
		}
		host = string(name)
	case 4:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	default:
		return
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return
	}
	addr := net.JoinHostPort(host, fmt.Sprint(binary.BigEndian.Uint16(portBuf)))

	upstream, err := net.Dial("tcp", addr)
	if err != nil {
		conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	if _, err := conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, upstream); done <- struct{}{} }()
	<-done
}

func TestClient_RoutesThroughSOCKSProxy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "via-socks")
	}))
	defer srv.Close()
	addr, conns := socks5Server(t)

	for _, scheme := range []string{"socks5", "socks5h"} {
		cfg := testConfig()
		cfg.HTTP.Proxy = scheme + "://" + addr
		c := newTestClient(t, cfg)

		before := conns.Load()
		obs, err := c.Send(context.Background(), RequestSpec{URL: srv.URL + "/s"})
		require.NoError(t, err, scheme)
		assert.Equal(t, http.StatusOK, obs.StatusCode)
		assert.Equal(t, "via-socks", obs.Body)
		assert.Greater(t, conns.Load(), before, scheme)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base, max := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, BackoffDelay(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, BackoffDelay(base, max, 1))
	assert.Equal(t, 800*time.Millisecond, BackoffDelay(base, max, 3))
	assert.Equal(t, time.Second, BackoffDelay(base, max, 4))
	assert.Equal(t, time.Second, BackoffDelay(base, max, 60))
	assert.Equal(t, time.Duration(0), BackoffDelay(0, max, 2))
}
