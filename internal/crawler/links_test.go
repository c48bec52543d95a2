package crawler

import (
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	base, _ := url.Parse("https://site.test/dir/page")
	body := `<html><body>
		<a href="rel">r</a>
		<a href="/abs#top">a</a>
		<a href="javascript:void(0)">j</a>
		<a href="#only">f</a>
		<form action="/submit"><button formaction="/alt">b</button></form>
		<iframe src="//cdn.test/embed"></iframe>
		<script src="/js/app.js"></script>
		<script>
			$.get("/api/users");
			xhr.open('POST', '/api/save');
		</script>
		<p>fetch('/not-in-script')</p>
	</body></html>`

	assert.Equal(t, []string{
		"https://site.test/dir/rel",
		"https://site.test/abs",
		"https://site.test/submit",
		"https://site.test/alt",
		"https://cdn.test/embed",
		"https://site.test/js/app.js",
		"https://site.test/api/users",
		"https://site.test/api/save",
	}, extractLinks(body, base))
}

func TestIsStaticResource(t *testing.T) {
	t.Parallel()

	assert.True(t, isStaticResource("/a/b.CSS"))
	assert.True(t, isStaticResource("/img/logo.png"))
	assert.False(t, isStaticResource("/api/users"))
	assert.False(t, isStaticResource("/page.html"))
}
