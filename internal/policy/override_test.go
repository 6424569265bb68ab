package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOverride_FullDocument(t *testing.T) {
	raw := `
warn_threshold: 0.25
quarantine_threshold: 0.55
min_runs_for_quarantine: 8
min_recent_failures: 3
lookback_days: 14
rolling_window_size: 80
exclude_paths:
  - "tests/e2e/**"
  - "**/*_smoke_test.go"
teams:
  platform:
    quarantine_threshold: 0.7
`

	o, err := ParseOverride([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 0.25, *o.WarnThreshold)
	require.Equal(t, 0.55, *o.QuarantineThreshold)
	require.Equal(t, 8, *o.MinRunsForQuarantine)
	require.Equal(t, 3, *o.MinRecentFailures)
	require.Equal(t, 14, *o.LookbackDays)
	require.Equal(t, 80, *o.RollingWindowSize)
	require.Len(t, o.ExcludePaths, 2)
	require.Equal(t, 0.7, *o.Teams["platform"].QuarantineThreshold)
}

func TestParseOverride_EmptyDocument(t *testing.T) {
	o, err := ParseOverride([]byte(""))
	require.NoError(t, err)
	require.Nil(t, o.WarnThreshold)

	p, err := Resolve(defaultPolicy(), o)
	require.NoError(t, err)
	require.Equal(t, defaultPolicy(), p)
}

func TestParseOverride_RejectsWrongType(t *testing.T) {
	_, err := ParseOverride([]byte("warn_threshold: high\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema")
}

func TestParseOverride_RejectsUnknownField(t *testing.T) {
	_, err := ParseOverride([]byte("warn_limit: 0.3\n"))
	require.Error(t, err)
}

func TestParseOverride_RejectsOutOfRangeThreshold(t *testing.T) {
	_, err := ParseOverride([]byte("quarantine_threshold: 1.5\n"))
	require.Error(t, err)
}

func TestParseOverride_RejectsTinyWindow(t *testing.T) {
	_, err := ParseOverride([]byte("rolling_window_size: 1\n"))
	require.Error(t, err)
}

func TestParseOverride_RejectsBadGlob(t *testing.T) {
	_, err := ParseOverride([]byte("exclude_paths:\n  - \"[\"\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exclude_paths")
}

func TestParseOverride_RejectsMalformedYAML(t *testing.T) {
	_, err := ParseOverride([]byte("warn_threshold: [0.3"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid yaml")
}

func TestExcluded(t *testing.T) {
	o := &Override{ExcludePaths: []string{"tests/e2e/**", "**/*_smoke_test.go"}}

	require.True(t, o.Excluded("tests/e2e/checkout/cart_test.py"))
	require.True(t, o.Excluded("pkg/api/health_smoke_test.go"))
	require.False(t, o.Excluded("internal/unit/parser_test.go"))
	require.False(t, o.Excluded(""))

	var nilOverride *Override
	require.False(t, nilOverride.Excluded("tests/e2e/cart_test.py"))
}
