package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCVSS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		vector string
		score  float64
		level  SeverityLevel
	}{
		{"CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H", 9.8, SeverityCritical},
		{"AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:H/A:N", 7.5, SeverityHigh},
		{"AV:N/AC:L/PR:N/UI:R/S:U/C:H/I:N/A:N", 6.5, SeverityMedium},
		{"AV:N/AC:L/PR:N/UI:R/S:C/C:L/I:L/A:N", 6.1, SeverityMedium},
		{"AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:N/A:N", 5.3, SeverityMedium},
		{"AV:N/AC:H/PR:N/UI:N/S:U/C:L/I:N/A:N", 3.7, SeverityLow},
		{"AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:N", 0, SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.vector, func(t *testing.T) {
			sev, err := ParseCVSS(tt.vector)
			require.NoError(t, err)
			assert.InDelta(t, tt.score, sev.Score, 1e-9)
			assert.Equal(t, tt.level, sev.Level)
			assert.Contains(t, sev.Vector, "CVSS:3.1/")
		})
	}
}

func TestParseCVSS_RejectsMalformedVectors(t *testing.T) {
	t.Parallel()

	for _, v := range []string{
		"",
		"AV:N/AC:L",
		"AV:X/AC:L/PR:N/UI:N/S:U/C:N/I:H/A:N",
		"AV:N/AC:L/PR:N/UI:N/S:Q/C:N/I:H/A:N",
		"AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:H/A",
	} {
		_, err := ParseCVSS(v)
		assert.Error(t, err, v)
	}
}

func TestCatalog_EveryKindHasValidEntry(t *testing.T) {
	t.Parallel()

	for _, kind := range Kinds() {
		entry, err := Lookup(kind)
		require.NoError(t, err, kind)
		assert.NotEmpty(t, entry.Title)
		assert.NotEmpty(t, entry.Remediation)
		assert.NotEmpty(t, entry.References)
		sev, ok := severities[kind]
		require.True(t, ok, kind)
		assert.Greater(t, sev.Score, 0.0)
	}
	assert.Equal(t, 7.5, severities[KindUnkeyedHeader].Score)
	assert.Equal(t, CategoryParameterCloaking, KindParameterCloaking.Category())
	assert.Equal(t, CategoryTiming, KindTimingSideChannel.Category())

	_, err := Lookup("Nope::Nothing")
	assert.Error(t, err)
}
