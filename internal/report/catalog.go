package report

import "fmt"

// Category is one of the six probe families.
type Category string

const (
	CategoryPoisoning         Category = "Poisoning"
	CategoryDeception         Category = "Deception"
	CategoryKeyManipulation   Category = "KeyManipulation"
	CategoryTiming            Category = "Timing"
	CategoryProbing           Category = "Probing"
	CategoryParameterCloaking Category = "ParameterCloaking"
)

// Kind is a vulnerability sub-kind, written Category::SubKind.
type Kind string

const (
	KindUnkeyedHeader        Kind = "Poisoning::UnkeyedHeader"
	KindPathConfusion        Kind = "Deception::PathConfusion"
	KindContentTypeConfusion Kind = "Deception::ContentTypeConfusion"
	KindUnkeyedDimension     Kind = "KeyManipulation::UnkeyedDimension"
	KindErrorStateCached     Kind = "KeyManipulation::ErrorStateCached"
	KindTimingSideChannel    Kind = "Timing::SideChannel"
	KindCachedRestrictedPath Kind = "Probing::CachedRestrictedPath"
	KindParameterCloaking    Kind = "ParameterCloaking::ParameterCloaking"
)

// Category returns the family part of k.
func (k Kind) Category() Category {
	s := string(k)
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ':' {
			return Category(s[:i])
		}
	}
	return Category(s)
}

// CatalogEntry is the static description attached to every finding of a kind.
type CatalogEntry struct {
	Title       string
	Vector      string
	CWE         string
	Remediation string
	References  []string
}

const (
	refPractical   = "https://portswigger.net/research/practical-web-cache-poisoning"
	refEntangle    = "https://portswigger.net/research/web-cache-entanglement"
	refDeception   = "https://portswigger.net/web-security/web-cache-deception"
	refOmerGil     = "https://omergil.blogspot.com/2017/02/web-cache-deception-attack.html"
	refCloaking    = "https://portswigger.net/web-security/web-cache-poisoning/exploiting-implementation-flaws"
	refRFC9111     = "https://www.rfc-editor.org/rfc/rfc9111"
	refCWE444      = "https://cwe.mitre.org/data/definitions/444.html"
	refCWE524      = "https://cwe.mitre.org/data/definitions/524.html"
	refCWE525      = "https://cwe.mitre.org/data/definitions/525.html"
	refCWE208      = "https://cwe.mitre.org/data/definitions/208.html"
	refCacheKeyDoS = "https://cpdos.org/"
)

var catalog = map[Kind]CatalogEntry{
	KindUnkeyedHeader: {
		Title:       "Web cache poisoning via unkeyed header",
		Vector:      "AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:H/A:N",
		CWE:         "CWE-444",
		Remediation: "Include every header that influences the response in the cache key, or strip it at the edge before it reaches the origin. Disable support for forwarding headers the application does not need.",
		References:  []string{refPractical, refEntangle, refCWE444},
	},
	KindParameterCloaking: {
		Title:       "Web cache poisoning via parameter cloaking",
		Vector:      "AV:N/AC:H/PR:N/UI:N/S:U/C:N/I:H/A:N",
		CWE:         "CWE-444",
		Remediation: "Make the cache and the origin parse query strings identically: same separators, same handling of duplicate parameters. Reject requests with ambiguous parameter encodings.",
		References:  []string{refEntangle, refCloaking, refCWE444},
	},
	KindPathConfusion: {
		Title:       "Web cache deception via path confusion",
		Vector:      "AV:N/AC:L/PR:N/UI:R/S:U/C:H/I:N/A:N",
		CWE:         "CWE-524",
		Remediation: "Cache only by Content-Type and explicit Cache-Control, never by URL extension. Return 404 for unknown path suffixes and mark authenticated responses Cache-Control: private, no-store.",
		References:  []string{refDeception, refOmerGil, refCWE524},
	},
	KindContentTypeConfusion: {
		Title:       "Dynamic content cached under a static-resource URL",
		Vector:      "AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:N/A:N",
		CWE:         "CWE-525",
		Remediation: "Ensure the cache honours the origin Content-Type and Cache-Control headers instead of caching by file extension.",
		References:  []string{refDeception, refCWE525},
	},
	KindUnkeyedDimension: {
		Title:       "Cache key ignores a response-altering request component",
		Vector:      "AV:N/AC:H/PR:N/UI:N/S:U/C:L/I:H/A:N",
		CWE:         "CWE-444",
		Remediation: "Add the component to the cache key or emit a Vary header for it, so responses for different values are stored separately.",
		References:  []string{refEntangle, refRFC9111, refCWE444},
	},
	KindErrorStateCached: {
		Title:       "Error response cached and served to other users",
		Vector:      "AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:L",
		CWE:         "CWE-444",
		Remediation: "Never store 4xx/5xx responses in shared caches, or key them on every component that can trigger them.",
		References:  []string{refCacheKeyDoS, refRFC9111},
	},
	KindTimingSideChannel: {
		Title:       "Cache state observable through response timing",
		Vector:      "AV:N/AC:H/PR:N/UI:N/S:U/C:L/I:N/A:N",
		CWE:         "CWE-208",
		Remediation: "Avoid caching responses whose presence in the cache is itself sensitive, or mark them private so shared caches do not store them.",
		References:  []string{refRFC9111, refCWE208},
	},
	KindCachedRestrictedPath: {
		Title:       "Restricted path served from cache without authorization",
		Vector:      "AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:N/A:N",
		CWE:         "CWE-524",
		Remediation: "Mark responses from restricted paths Cache-Control: private, no-store and make the cache enforce authorization before serving stored content.",
		References:  []string{refDeception, refCWE524},
	},
}

// Lookup returns the catalog entry for kind.
func Lookup(kind Kind) (CatalogEntry, error) {
	e, ok := catalog[kind]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("unknown vulnerability kind %q", kind)
	}
	return e, nil
}

// Kinds lists every catalogued kind.
func Kinds() []Kind {
	return []Kind{
		KindUnkeyedHeader, KindParameterCloaking, KindPathConfusion, KindContentTypeConfusion,
		KindUnkeyedDimension, KindErrorStateCached, KindTimingSideChannel, KindCachedRestrictedPath,
	}
}
