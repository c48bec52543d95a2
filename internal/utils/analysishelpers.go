package utils

import (
	"bytes"
	"strings"

	"github.com/twmb/murmur3"
)

// BodyFingerprint returns a 32-bit identity hash of body. Two responses with
// the same fingerprint are treated as the same content.
func BodyFingerprint(body []byte) uint32 {
	return murmur3.Sum32(body)
}

// StripMarkers removes every occurrence of the given markers before
// fingerprinting, so bodies that only echo a probe value still compare equal.
func StripMarkers(body []byte, markers ...string) []byte {
	out := body
	for _, m := range markers {
		if m == "" {
			continue
		}
		out = bytes.ReplaceAll(out, []byte(m), nil)
	}
	return out
}

// BodiesAreSimilar compares two bodies by length ratio and shared line set.
// It is deliberately coarse: dynamic pages with timestamps still match.
func BodiesAreSimilar(a, b []byte, threshold float64) bool {
	if bytes.Equal(a, b) {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	la, lb := float64(len(a)), float64(len(b))
	ratio := la / lb
	if ratio > 1 {
		ratio = 1 / ratio
	}
	if ratio < threshold {
		return false
	}

	linesA := strings.Split(string(a), "\n")
	linesB := make(map[string]int)
	for _, line := range strings.Split(string(b), "\n") {
		linesB[line]++
	}
	shared := 0
	for _, line := range linesA {
		if linesB[line] > 0 {
			linesB[line]--
			shared++
		}
	}
	total := len(linesA)
	if n := len(strings.Split(string(b), "\n")); n > total {
		total = n
	}
	return float64(shared)/float64(total) >= threshold
}

// ReflectionLocations reports where marker appears: "body" and/or
// "header:<Name>" for each response header whose value carries it.
func ReflectionLocations(marker string, body []byte, headerNames []string, get func(string) string) []string {
	if marker == "" {
		return nil
	}
	var locs []string
	if bytes.Contains(body, []byte(marker)) {
		locs = append(locs, "body")
	}
	for _, name := range headerNames {
		if strings.Contains(get(name), marker) {
			locs = append(locs, "header:"+name)
		}
	}
	return locs
}

// Snippet returns up to radius bytes on each side of the first occurrence
// of needle in body, or "" when needle is absent.
func Snippet(body []byte, needle string, radius int) string {
	idx := bytes.Index(body, []byte(needle))
	if idx < 0 {
		return ""
	}
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + radius
	if end > len(body) {
		end = len(body)
	}
	return strings.TrimSpace(string(body[start:end]))
}
