package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/config"
	"github.com/thc1006/flakeguard/internal/flake"
)

func defaultPolicy() Policy {
	return Policy{
		WarnThreshold:        0.3,
		QuarantineThreshold:  0.6,
		MinRunsForQuarantine: 5,
		MinRecentFailures:    2,
		LookbackDays:         7,
		RollingWindowSize:    50,
	}
}

func TestDefault_MapsConfig(t *testing.T) {
	cfg := &config.Config{
		WarnThreshold:        0.25,
		QuarantineThreshold:  0.55,
		MinRunsForQuarantine: 8,
		MinRecentFailures:    3,
		LookbackDays:         14,
		RollingWindow:        80,
	}

	p := Default(cfg)
	require.Equal(t, 0.25, p.WarnThreshold)
	require.Equal(t, 0.55, p.QuarantineThreshold)
	require.Equal(t, 8, p.MinRunsForQuarantine)
	require.Equal(t, 3, p.MinRecentFailures)
	require.Equal(t, 14, p.LookbackDays)
	require.Equal(t, 80, p.RollingWindowSize)
}

func TestEvaluate_QuarantineDecision(t *testing.T) {
	f := flake.Features{
		Intermittency:  0.85,
		RerunPassRate:  0.6,
		TotalRuns:      30,
		Failures:       12,
		RecentFailures: 4,
	}

	d := Evaluate(defaultPolicy(), 0.72, f)
	require.Equal(t, flake.RecommendationQuarantine, d.Recommendation)
	require.Equal(t, PriorityHigh, d.Priority)
	require.Equal(t, "score 0.72: fails intermittently (intermittency 85%), passes on retry (rerun pass rate 60%), 4 failures in last 7d", d.Rationale)
}

func TestEvaluate_WarnWithoutEvidence(t *testing.T) {
	// Score clears the quarantine bar but the run count does not.
	f := flake.Features{Intermittency: 0.9, TotalRuns: 3, Failures: 2, RecentFailures: 2}

	d := Evaluate(defaultPolicy(), 0.65, f)
	require.Equal(t, flake.RecommendationWarn, d.Recommendation)
	require.Equal(t, PriorityHigh, d.Priority)
}

func TestEvaluate_None(t *testing.T) {
	f := flake.Features{TotalRuns: 40, Failures: 1}

	d := Evaluate(defaultPolicy(), 0.1, f)
	require.Equal(t, flake.RecommendationNone, d.Recommendation)
	require.Equal(t, PriorityLow, d.Priority)
	require.Equal(t, "score 0.10: 1 failures over 40 runs", d.Rationale)
}

func TestPriorityFor_Bands(t *testing.T) {
	require.Equal(t, PriorityCritical, PriorityFor(0.8))
	require.Equal(t, PriorityHigh, PriorityFor(0.79))
	require.Equal(t, PriorityHigh, PriorityFor(0.6))
	require.Equal(t, PriorityMedium, PriorityFor(0.59))
	require.Equal(t, PriorityMedium, PriorityFor(0.4))
	require.Equal(t, PriorityLow, PriorityFor(0.39))
}

func TestResolve_NilOverrideKeepsDefaults(t *testing.T) {
	p, err := Resolve(defaultPolicy(), nil)
	require.NoError(t, err)
	require.Equal(t, defaultPolicy(), p)
}

func TestResolve_PartialOverride(t *testing.T) {
	minRuns := 10
	p, err := Resolve(defaultPolicy(), &Override{MinRunsForQuarantine: &minRuns})
	require.NoError(t, err)
	require.Equal(t, 10, p.MinRunsForQuarantine)
	require.Equal(t, 0.3, p.WarnThreshold)
	require.Equal(t, 0.6, p.QuarantineThreshold)
}

func TestResolve_RejectsIncoherentThresholds(t *testing.T) {
	warn := 0.7
	_, err := Resolve(defaultPolicy(), &Override{WarnThreshold: &warn})
	require.Error(t, err)
	require.Contains(t, err.Error(), "warn_threshold")
}

func TestForTeam(t *testing.T) {
	quarantine := 0.8
	warn := 0.65
	o := &Override{Teams: map[string]TeamOverride{
		"platform": {QuarantineThreshold: &quarantine},
		"broken":   {WarnThreshold: &warn},
	}}

	base := defaultPolicy()

	p := o.ForTeam(base, "platform")
	require.Equal(t, 0.8, p.QuarantineThreshold)
	require.Equal(t, 0.3, p.WarnThreshold)

	require.Equal(t, base, o.ForTeam(base, "unknown"))

	// A team override that inverts the thresholds is ignored.
	require.Equal(t, base, o.ForTeam(base, "broken"))
}
