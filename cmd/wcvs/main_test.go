package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafabd1/wcvs/internal/config"
)

// isolate keeps config discovery away from the developer's home directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "")
	addConfigFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "wcvs.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const sampleConfig = `
threads: 3
timeout: 7s
probes: [poisoning, timing]
http:
  user_agent: custom-agent
  headers:
    - name: X-Team
      value: red
timing:
  samples: 8
`

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := loadConfig(parseFlags(t))
	require.NoError(t, err)

	d := config.GetDefaultConfig()
	assert.Equal(t, d.Threads, cfg.Threads)
	assert.Equal(t, d.Timeout, cfg.Timeout)
	assert.Equal(t, d.RetryDelayBase, cfg.RetryDelayBase)
	assert.Equal(t, d.HTTP.UserAgent, cfg.HTTP.UserAgent)
	assert.Equal(t, d.SensitivePaths, cfg.SensitivePaths)
	assert.Equal(t, d.Timing, cfg.Timing)
	assert.True(t, cfg.VerifySSL)
	assert.Empty(t, cfg.Probes)
	assert.Nil(t, cfg.HTTP.Auth)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_File(t *testing.T) {
	isolate(t)

	cfg, err := loadConfig(parseFlags(t, "--config", writeConfig(t, sampleConfig)))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Threads)
	assert.Equal(t, 7*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"poisoning", "timing"}, cfg.Probes)
	assert.Equal(t, "custom-agent", cfg.HTTP.UserAgent)
	assert.Equal(t, []config.NameValue{{Name: "X-Team", Value: "red"}}, cfg.HTTP.Headers)
	assert.Equal(t, 8, cfg.Timing.Samples)
	// untouched keys keep their defaults
	assert.Equal(t, 2, cfg.Depth)
	assert.Equal(t, 3.0, cfg.Timing.Threshold)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	isolate(t)

	_, err := loadConfig(parseFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestLoadConfig_Precedence(t *testing.T) {
	isolate(t)
	path := writeConfig(t, sampleConfig)

	t.Setenv("WCVS_THREADS", "12")
	t.Setenv("WCVS_TIMING_SAMPLES", "6")
	t.Setenv("WCVS_HTTP_USER_AGENT", "env-agent")

	cfg, err := loadConfig(parseFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Threads, "environment overrides the file")
	assert.Equal(t, 6, cfg.Timing.Samples)
	assert.Equal(t, "env-agent", cfg.HTTP.UserAgent)

	cfg, err = loadConfig(parseFlags(t, "--config", path, "--threads", "20", "--timing-samples", "9", "--user-agent", "flag-agent"))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Threads, "flags override the environment")
	assert.Equal(t, 9, cfg.Timing.Samples)
	assert.Equal(t, "flag-agent", cfg.HTTP.UserAgent)
}

func TestLoadConfig_FlagTypes(t *testing.T) {
	isolate(t)

	cfg, err := loadConfig(parseFlags(t,
		"--timeout", "4s",
		"--passive",
		"--verify-ssl=false",
		"--probes", "timing,key-manipulation",
		"--exclude-paths", "/logout,/admin/delete",
		"--proxy", "socks5://127.0.0.1:1080",
	))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Timeout)
	assert.True(t, cfg.Passive)
	assert.False(t, cfg.VerifySSL)
	assert.Equal(t, []string{"timing", "key-manipulation"}, cfg.Probes)
	assert.Equal(t, []string{"/logout", "/admin/delete"}, cfg.ExcludePaths)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.HTTP.Proxy)
}

func TestApplyHTTPFlags(t *testing.T) {
	t.Run("appends headers cookies and credentials", func(t *testing.T) {
		cfg := config.GetDefaultConfig()
		cfg.HTTP.Headers = []config.NameValue{{Name: "X-From-File", Value: "1"}}
		fs := parseFlags(t, "-H", "X-Api-Key: abc:def", "--cookie", "session=xyz", "--auth", "alice:s3cr:et")

		require.NoError(t, applyHTTPFlags(cfg, fs))
		assert.Equal(t, []config.NameValue{
			{Name: "X-From-File", Value: "1"},
			{Name: "X-Api-Key", Value: "abc:def"},
		}, cfg.HTTP.Headers)
		assert.Equal(t, []config.NameValue{{Name: "session", Value: "xyz"}}, cfg.HTTP.Cookies)
		require.NotNil(t, cfg.HTTP.Auth)
		assert.Equal(t, "alice", cfg.HTTP.Auth.Username)
		assert.Equal(t, "s3cr:et", cfg.HTTP.Auth.Password)
	})

	for _, args := range [][]string{
		{"-H", "no-colon"},
		{"-H", ": value"},
		{"--cookie", "novalue"},
		{"--auth", "nopassword"},
	} {
		t.Run(args[1], func(t *testing.T) {
			assert.Error(t, applyHTTPFlags(config.GetDefaultConfig(), parseFlags(t, args...)))
		})
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestValidateCommand(t *testing.T) {
	isolate(t)

	code, stdout, _ := runCLI(t, "validate")
	assert.Equal(t, exitClean, code)
	assert.Contains(t, stdout, "Configuration is valid")

	code, _, stderr := runCLI(t, "validate", "--threads", "0", "--format", "xml")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "threads")
	assert.Contains(t, stderr, "format")
}

func TestScanCommand_RequiresTargets(t *testing.T) {
	isolate(t)

	code, _, stderr := runCLI(t, "scan", "--no-progress")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "no target URLs")
}

func TestScanCommand_InvalidConfigurationSendsNothing(t *testing.T) {
	isolate(t)
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	code, _, _ := runCLI(t, "scan", srv.URL, "--threads", "-1", "--no-progress")
	assert.Equal(t, exitFailure, code)
	mu.Lock()
	assert.Zero(t, hits)
	mu.Unlock()
}

// sharedCache caches every response by request URI and reflects
// X-Forwarded-Host into the home page.
type sharedCache struct {
	mu      sync.Mutex
	store   map[string]string
	caching bool
}

func newSharedCache(t *testing.T, caching bool) *httptest.Server {
	c := &sharedCache{store: make(map[string]string), caching: caching}
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	return srv
}

func (c *sharedCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	key := r.URL.RequestURI()

	c.mu.Lock()
	defer c.mu.Unlock()
	if body, ok := c.store[key]; ok && c.caching {
		w.Header().Set("X-Cache", "HIT")
		fmt.Fprint(w, body)
		return
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	body := fmt.Sprintf(`<html><head><script src="//%s/static/app.js"></script></head><body>home</body></html>`, host)
	if c.caching {
		c.store[key] = body
		w.Header().Set("X-Cache", "MISS")
	}
	fmt.Fprint(w, body)
}

func TestScanCommand_FindingsExitCode(t *testing.T) {
	isolate(t)
	srv := newSharedCache(t, true)
	out := filepath.Join(t.TempDir(), "reports", "scan.json")

	code, stdout, stderr := runCLI(t, "scan", srv.URL,
		"--probes", "poisoning", "--depth", "1", "--max-retries", "0",
		"--no-progress", "--silent", "-o", out)
	require.Equal(t, exitFindings, code, stderr)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Poisoning::UnkeyedHeader"`)
	assert.Contains(t, string(data), `"Confirmed"`)
	assert.Contains(t, string(data), `"state": "done"`)
}

func TestScanCommand_CleanTargetExitsZero(t *testing.T) {
	isolate(t)
	srv := newSharedCache(t, false)

	list := filepath.Join(t.TempDir(), "targets.txt")
	require.NoError(t, os.WriteFile(list, []byte("# targets\n"+srv.URL+"\n\n"+srv.URL+"/\n"), 0o644))

	out := filepath.Join(t.TempDir(), "scan.txt")

	code, _, stderr := runCLI(t, "scan", "-l", list,
		"--probes", "poisoning", "--depth", "1", "--max-retries", "0",
		"--no-progress", "--silent", "--format", "text", "-o", out)
	assert.Equal(t, exitClean, code, stderr)
	assert.FileExists(t, out)
}

func TestLoadConfig_CacheIndicators(t *testing.T) {
	isolate(t)

	cfg, err := loadConfig(parseFlags(t, "--config", writeConfig(t, `
cache_indicators:
  - header: X-Edge-Result
    hit: [from-edge]
    miss: [from-origin, bypassed]
`)))
	require.NoError(t, err)
	assert.Equal(t, []config.CacheIndicatorRule{{
		Header: "X-Edge-Result",
		Hit:    []string{"from-edge"},
		Miss:   []string{"from-origin", "bypassed"},
	}}, cfg.CacheIndicators)
	assert.NoError(t, cfg.Validate())
}

func TestConfigInitCommand(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "wcvs.yaml")

	code, stdout, stderr := runCLI(t, "config", "init", path)
	require.Equal(t, exitClean, code, stderr)
	assert.Contains(t, stdout, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "30s")

	cfg, err := loadConfig(parseFlags(t, "--config", path))
	require.NoError(t, err)
	d := config.GetDefaultConfig()
	assert.Equal(t, d.Threads, cfg.Threads)
	assert.Equal(t, d.Timeout, cfg.Timeout)
	assert.Equal(t, d.StandbyDuration, cfg.StandbyDuration)
	assert.Equal(t, d.Timing, cfg.Timing)
	assert.Equal(t, d.SensitivePaths, cfg.SensitivePaths)
	assert.NoError(t, config.ValidateConfiguration(cfg))

	code, _, stderr = runCLI(t, "config", "init", path)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "writing")

	code, _, stderr = runCLI(t, "config", "init", path, "--force")
	assert.Equal(t, exitClean, code, stderr)
}
