package core

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/rafabd1/wcvs/internal/crawler"
	"github.com/rafabd1/wcvs/internal/networking"
	"github.com/rafabd1/wcvs/internal/report"
	"github.com/rafabd1/wcvs/internal/utils"
)

// PathConfusionVariants are appended to a candidate path to make it look
// like a static resource to the cache while the origin still routes it to
// the dynamic page.
var PathConfusionVariants = []string{
	";.css",
	"/nonexistent.js",
	".css",
	"%3B.css",
	"/..%2Fstatic.css",
	"%0A.css",
	"%23.css",
	"/x.png",
}

// DeceptionProbe looks for authenticated content that the cache stores
// under a static-looking URL and then serves without credentials.
type DeceptionProbe struct {
	marker        *regexp.Regexp
	authenticated bool
}

// NewDeceptionProbe creates the probe. marker matches the sensitive token;
// authenticated tells whether requests carry real credentials.
func NewDeceptionProbe(marker *regexp.Regexp, authenticated bool) *DeceptionProbe {
	return &DeceptionProbe{marker: marker, authenticated: authenticated}
}

func (p *DeceptionProbe) Name() string              { return "deception" }
func (p *DeceptionProbe) Category() report.Category { return report.CategoryDeception }
func (p *DeceptionProbe) RequiresActive() bool      { return true }

// Generate requests every variant with credentials in stage 0, then the
// exact same URL without credentials in stage 1.
func (p *DeceptionProbe) Generate(cand crawler.CandidateURL) Plan {
	u, err := url.Parse(cand.URL)
	if err != nil {
		return Plan{}
	}
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	if base == "" {
		base = "/index"
	}

	auth := networking.Stage{Label: "authenticated"}
	anon := networking.Stage{Label: "unauthenticated"}
	for _, variant := range PathConfusionVariants {
		cb := utils.CacheBuster()
		spec := busted(cand.URL, cb, "deception:"+variant)
		spec.RawPath = base + variant
		auth.Requests = append(auth.Requests, spec)

		victim := spec
		victim.Unauthenticated = true
		anon.Requests = append(anon.Requests, victim)
	}
	return Plan{Stages: []networking.Stage{auth, anon}}
}

// Interpret raises PathConfusion when the unauthenticated response carries
// the same sensitive token as the authenticated one and came from cache.
// A cached HTML page under a static suffix without a token, whose headers
// also allow shared caching, is reported as Informational
// ContentTypeConfusion.
func (p *DeceptionProbe) Interpret(cand crawler.CandidateURL, res PlanResult) []report.Finding {
	var findings []report.Finding
	for i, variant := range PathConfusionVariants {
		authRes := res.Result(0, i)
		anonRes := res.Result(1, i)
		authObs, anonObs := authRes.Last(), anonRes.Last()
		if authObs == nil || anonObs == nil || !anonObs.IsSuccess() {
			continue
		}
		target, _ := anonRes.Spec.BuildURL()

		authToken := p.marker.FindString(authObs.Body)
		anonToken := p.marker.FindString(anonObs.Body)
		if authToken != "" && authToken == anonToken && isHit(anonObs) {
			confidence := report.ConfidenceConfirmed
			if !p.authenticated {
				confidence = report.ConfidenceLikely
			}
			desc := fmt.Sprintf("Appending %q to the path (%s) made the cache store the page, and a request without credentials was served the cached copy including a sensitive token.", variant, target)
			f := report.NewFinding(report.KindPathConfusion, cand.URL, confidence, desc)
			f.Payload = variant
			f.AddExchange(authRes.Spec, evidenceCopy(authObs), true)
			f.AddExchange(anonRes.Spec, evidenceCopy(anonObs), true)
			f.AddStatistic("token", float64(len(anonToken)), utils.Snippet([]byte(anonObs.Body), anonToken, 0))
			findings = append(findings, f)
			continue
		}

		if isHit(anonObs) && isHTML(anonObs) && looksStatic(anonRes.Spec.RawPath) && utils.IsCacheable(anonObs.Headers) {
			desc := fmt.Sprintf("The cache served an HTML response for %s, a URL ending in %q, so it caches by extension rather than by content type.", target, variant)
			f := report.NewFinding(report.KindContentTypeConfusion, cand.URL, report.ConfidenceInformational, desc)
			f.Payload = variant
			f.AddExchange(anonRes.Spec, evidenceCopy(anonObs), true)
			findings = append(findings, f)
		}
	}
	return findings
}

func isHTML(obs *networking.Observation) bool {
	return strings.Contains(strings.ToLower(obs.Headers.Get("Content-Type")), "text/html")
}

func looksStatic(rawPath string) bool {
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		decoded = rawPath
	}
	switch strings.ToLower(path.Ext(decoded)) {
	case ".css", ".js", ".png", ".jpg", ".gif", ".ico", ".svg", ".woff", ".woff2":
		return true
	}
	return false
}
