// Package policy resolves quarantine policy from config defaults and
// per-repository override documents, and turns scores into decisions.
package policy

import (
	"fmt"
	"strings"

	"github.com/thc1006/flakeguard/internal/config"
	"github.com/thc1006/flakeguard/internal/flake"
)

// Priority buckets a score for triage ordering.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Policy is the effective set of quarantine knobs.
type Policy struct {
	WarnThreshold        float64 `json:"warn_threshold"`
	QuarantineThreshold  float64 `json:"quarantine_threshold"`
	MinRunsForQuarantine int     `json:"min_runs_for_quarantine"`
	MinRecentFailures    int     `json:"min_recent_failures"`
	LookbackDays         int     `json:"lookback_days"`
	RollingWindowSize    int     `json:"rolling_window_size"`
}

// Default builds the instance-wide policy from config.
func Default(cfg *config.Config) Policy {
	return Policy{
		WarnThreshold:        cfg.WarnThreshold,
		QuarantineThreshold:  cfg.QuarantineThreshold,
		MinRunsForQuarantine: cfg.MinRunsForQuarantine,
		MinRecentFailures:    cfg.MinRecentFailures,
		LookbackDays:         cfg.LookbackDays,
		RollingWindowSize:    cfg.RollingWindow,
	}
}

// ScoreParams converts the policy into the scoring knobs.
func (p Policy) ScoreParams() flake.ScoreParams {
	return flake.ScoreParams{
		WarnThreshold:       p.WarnThreshold,
		QuarantineThreshold: p.QuarantineThreshold,
		MinRuns:             p.MinRunsForQuarantine,
		MinRecentFailures:   p.MinRecentFailures,
		LookbackDays:        p.LookbackDays,
		WindowN:             p.RollingWindowSize,
	}
}

// Decision is the policy verdict for one scored test.
type Decision struct {
	Recommendation flake.Recommendation `json:"recommendation"`
	Priority       Priority             `json:"priority"`
	Rationale      string               `json:"rationale"`
}

// Evaluate maps a score and its feature vector to a decision under p.
func Evaluate(p Policy, score float64, f flake.Features) Decision {
	return Decision{
		Recommendation: flake.Recommend(score, f, p.ScoreParams()),
		Priority:       PriorityFor(score),
		Rationale:      buildRationale(p, score, f),
	}
}

// PriorityFor buckets a score into a triage priority.
func PriorityFor(score float64) Priority {
	switch {
	case score >= 0.8:
		return PriorityCritical
	case score >= 0.6:
		return PriorityHigh
	case score >= 0.4:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// buildRationale names the features that carried the score, for humans
// reading a proposal or an audit trail.
func buildRationale(p Policy, score float64, f flake.Features) string {
	var parts []string
	if f.Intermittency >= 0.4 {
		parts = append(parts, fmt.Sprintf("fails intermittently (intermittency %.0f%%)", f.Intermittency*100))
	}
	if f.RerunPassRate > 0.3 {
		parts = append(parts, fmt.Sprintf("passes on retry (rerun pass rate %.0f%%)", f.RerunPassRate*100))
	}
	if f.FailureClustering >= 0.5 {
		parts = append(parts, fmt.Sprintf("failures arrive in bursts (clustering %.0f%%)", f.FailureClustering*100))
	}
	if f.MessageSignatureVariance >= 0.5 && f.Failures >= 2 {
		parts = append(parts, fmt.Sprintf("%d distinct failure modes", distinctModes(f)))
	}
	if f.RecentFailures > 0 {
		parts = append(parts, fmt.Sprintf("%d failures in last %dd", f.RecentFailures, p.LookbackDays))
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d failures over %d runs", f.Failures, f.TotalRuns))
	}
	return fmt.Sprintf("score %.2f: %s", score, strings.Join(parts, ", "))
}

func distinctModes(f flake.Features) int {
	n := int(f.MessageSignatureVariance*float64(f.Failures) + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}
