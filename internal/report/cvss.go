package report

import (
	"fmt"
	"math"
	"strings"
)

// SeverityLevel is the qualitative rating derived from a CVSS score.
type SeverityLevel string

const (
	SeverityCritical SeverityLevel = "Critical"
	SeverityHigh     SeverityLevel = "High"
	SeverityMedium   SeverityLevel = "Medium"
	SeverityLow      SeverityLevel = "Low"
	SeverityInfo     SeverityLevel = "Info"
)

// Severity pairs a CVSS v3.1 vector with its base score and rating.
type Severity struct {
	Vector string        `json:"vector"`
	Score  float64       `json:"score"`
	Level  SeverityLevel `json:"level"`
}

// SeverityFromScore maps a CVSS score onto the qualitative scale.
func SeverityFromScore(score float64) SeverityLevel {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score >= 0.1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

var cvssWeights = map[string]map[string]float64{
	"AV": {"N": 0.85, "A": 0.62, "L": 0.55, "P": 0.2},
	"AC": {"L": 0.77, "H": 0.44},
	"UI": {"N": 0.85, "R": 0.62},
	"C":  {"H": 0.56, "L": 0.22, "N": 0},
	"I":  {"H": 0.56, "L": 0.22, "N": 0},
	"A":  {"H": 0.56, "L": 0.22, "N": 0},
}

// ParseCVSS computes the CVSS v3.1 base score of vector. The
// "CVSS:3.1/" prefix is optional.
func ParseCVSS(vector string) (Severity, error) {
	metrics := make(map[string]string, 8)
	for _, part := range strings.Split(strings.TrimPrefix(vector, "CVSS:3.1/"), "/") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return Severity{}, fmt.Errorf("malformed CVSS metric %q", part)
		}
		metrics[kv[0]] = kv[1]
	}

	weight := func(metric string) (float64, error) {
		w, ok := cvssWeights[metric][metrics[metric]]
		if !ok {
			return 0, fmt.Errorf("invalid or missing CVSS metric %s in %q", metric, vector)
		}
		return w, nil
	}

	scope := metrics["S"]
	if scope != "U" && scope != "C" {
		return Severity{}, fmt.Errorf("invalid or missing CVSS metric S in %q", vector)
	}
	var pr float64
	switch metrics["PR"] {
	case "N":
		pr = 0.85
	case "L":
		pr = 0.62
		if scope == "C" {
			pr = 0.68
		}
	case "H":
		pr = 0.27
		if scope == "C" {
			pr = 0.5
		}
	default:
		return Severity{}, fmt.Errorf("invalid or missing CVSS metric PR in %q", vector)
	}

	values := make(map[string]float64, 6)
	for _, m := range []string{"AV", "AC", "UI", "C", "I", "A"} {
		w, err := weight(m)
		if err != nil {
			return Severity{}, err
		}
		values[m] = w
	}

	iss := 1 - (1-values["C"])*(1-values["I"])*(1-values["A"])
	var impact float64
	if scope == "U" {
		impact = 6.42 * iss
	} else {
		impact = 7.52*(iss-0.029) - 3.25*math.Pow(iss-0.02, 15)
	}
	exploitability := 8.22 * values["AV"] * values["AC"] * pr * values["UI"]

	var score float64
	if impact > 0 {
		if scope == "U" {
			score = roundUp(math.Min(impact+exploitability, 10))
		} else {
			score = roundUp(math.Min(1.08*(impact+exploitability), 10))
		}
	}
	if !strings.HasPrefix(vector, "CVSS:3.1/") {
		vector = "CVSS:3.1/" + vector
	}
	return Severity{Vector: vector, Score: score, Level: SeverityFromScore(score)}, nil
}

// roundUp is the CVSS v3.1 Roundup function.
func roundUp(x float64) float64 {
	i := int64(math.Round(x * 100000))
	if i%10000 == 0 {
		return float64(i) / 100000.0
	}
	return (math.Floor(float64(i)/10000) + 1) / 10.0
}
