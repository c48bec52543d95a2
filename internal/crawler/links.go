package crawler

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// linkAttrs maps element names to the attributes that carry navigable URLs.
var linkAttrs = map[string][]string{
	"a":      {"href"},
	"area":   {"href"},
	"link":   {"href"},
	"form":   {"action"},
	"button": {"formaction"},
	"input":  {"formaction"},
	"iframe": {"src"},
	"frame":  {"src"},
	"script": {"src"},
}

// fetchRefRE finds string literals passed to fetch-like calls inside
// inline scripts.
var fetchRefRE = regexp.MustCompile(`(?:fetch|axios(?:\.(?:get|post|put|delete|patch))?|\$\.(?:get|post|ajax|getJSON)|\.open)\(\s*(?:['"][A-Z]+['"]\s*,\s*)?['"]([^'"\s]+)['"]`)

// staticExt are extensions never added to the candidate set.
var staticExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".ico": true,
	".webp": true, ".bmp": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".otf": true, ".css": true, ".js": true, ".map": true, ".mp4": true, ".mp3": true,
	".pdf": true, ".zip": true,
}

// extractLinks returns absolute URLs referenced by an HTML document. A
// <base href> element changes the base for links that follow it.
func extractLinks(body string, base *url.URL) []string {
	var links []string
	inScript := false
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag == "script" {
				inScript = true
			}
			if !hasAttr {
				continue
			}
			wanted := linkAttrs[tag]
			for {
				key, val, more := z.TagAttr()
				k := string(key)
				if tag == "base" && k == "href" {
					if nb := resolveURL(string(val), base); nb != "" {
						if parsed, err := url.Parse(nb); err == nil {
							base = parsed
						}
					}
				}
				for _, w := range wanted {
					if k == w {
						if resolved := resolveURL(string(val), base); resolved != "" {
							links = append(links, resolved)
						}
					}
				}
				if !more {
					break
				}
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "script" {
				inScript = false
			}
		case html.TextToken:
			if !inScript {
				continue
			}
			for _, m := range fetchRefRE.FindAllStringSubmatch(string(z.Text()), -1) {
				if resolved := resolveURL(m[1], base); resolved != "" {
					links = append(links, resolved)
				}
			}
		}
	}
}

// resolveURL makes href absolute against base and drops fragments. Non-HTTP
// schemes and empty references resolve to "".
func resolveURL(href string, base *url.URL) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return ""
		}
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func isStaticResource(p string) bool {
	return staticExt[strings.ToLower(path.Ext(p))]
}
