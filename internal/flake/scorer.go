// Package flake derives flakiness scores from a test's recent occurrences
// and persists them for the read side.
package flake

import (
	"math"
	"time"

	"github.com/thc1006/flakeguard/internal/cluster"
)

// Composite score weights.
const (
	weightIntermittency     = 0.30
	weightRerunPassRate     = 0.25
	weightClustering        = 0.15
	weightSignatureVariance = 0.10
	weightFailRatio         = 0.10
)

// Sample is one occurrence in a test's scoring window, newest first.
// Status is passed, failed or error; skipped and quarantined occurrences
// are excluded before scoring.
type Sample struct {
	Time      time.Time
	Status    string
	RunKey    string
	Attempt   int
	Signature string
}

// Failed reports whether this occurrence counts as a failure.
func (s Sample) Failed() bool {
	return s.Status != "passed"
}

// Features is the cached feature vector behind a score.
type Features struct {
	Intermittency            float64 `json:"intermittency"`
	RerunPassRate            float64 `json:"rerunPassRate"`
	FailureClustering        float64 `json:"failureClustering"`
	MessageSignatureVariance float64 `json:"messageSignatureVariance"`
	FailSuccessRatio         float64 `json:"failSuccessRatio"`
	TotalRuns                int     `json:"totalRuns"`
	Failures                 int     `json:"failures"`
	RecentFailures           int     `json:"recentFailures"`
	ConsecutiveFailures      int     `json:"consecutiveFailures"`
	MaxConsecutiveFailures   int     `json:"maxConsecutiveFailures"`
}

// ComputeFeatures derives the feature vector from a window of occurrences
// ordered newest first.
func ComputeFeatures(window []Sample) Features {
	f := Features{TotalRuns: len(window)}
	if len(window) == 0 {
		return f
	}

	// Transition rate between consecutive entries.
	transitions := 0
	for i := 1; i < len(window); i++ {
		if window[i].Failed() != window[i-1].Failed() {
			transitions++
		}
	}
	if len(window) > 1 {
		f.Intermittency = float64(transitions) / float64(len(window)-1)
	}

	// Failure counts and streaks. The window is newest first, so the
	// current streak reads from the front.
	streak := 0
	maxStreak := 0
	onCurrent := true
	var failureTimes []time.Time
	signatures := make(map[string]struct{})
	for _, s := range window {
		if s.Failed() {
			f.Failures++
			streak++
			if streak > maxStreak {
				maxStreak = streak
			}
			if !s.Time.IsZero() {
				failureTimes = append(failureTimes, s.Time)
			}
			if s.Signature != "" {
				signatures[s.Signature] = struct{}{}
			}
		} else {
			if onCurrent {
				onCurrent = false
				f.ConsecutiveFailures = streak
			}
			streak = 0
		}
	}
	if onCurrent {
		f.ConsecutiveFailures = streak
	}
	f.MaxConsecutiveFailures = maxStreak

	f.FailSuccessRatio = float64(f.Failures) / float64(f.TotalRuns)

	// Rerun pass rate: of runs that retried, how many ended passing.
	retriedRuns := make(map[string]bool)
	recovered := make(map[string]bool)
	finalAttempt := make(map[string]Sample)
	hadFailure := make(map[string]bool)
	for _, s := range window {
		if s.RunKey == "" {
			continue
		}
		if s.Attempt > 1 {
			retriedRuns[s.RunKey] = true
		}
		if prev, ok := finalAttempt[s.RunKey]; !ok || s.Attempt > prev.Attempt {
			finalAttempt[s.RunKey] = s
		}
		if s.Failed() {
			hadFailure[s.RunKey] = true
		}
	}
	for key := range retriedRuns {
		final := finalAttempt[key]
		if !final.Failed() && hadFailure[key] {
			recovered[key] = true
		}
	}
	if len(retriedRuns) > 0 {
		f.RerunPassRate = float64(len(recovered)) / float64(len(retriedRuns))
	}

	// Signature variance only means anything with at least two failures.
	if f.Failures >= 2 {
		f.MessageSignatureVariance = clamp01(float64(len(signatures)) / float64(f.Failures))
	}

	f.FailureClustering = cluster.AnalyzeTimes(failureTimes).ClusteringFeature()
	return f
}

// Score folds the features into the composite flakiness score and applies
// the pattern adjustments in order: consistently-broken dampening, the
// retry-recovery boost, then the current-streak dampening.
func Score(f Features) float64 {
	score := weightIntermittency*f.Intermittency +
		weightRerunPassRate*f.RerunPassRate +
		weightClustering*f.FailureClustering +
		weightSignatureVariance*f.MessageSignatureVariance +
		weightFailRatio*f.FailSuccessRatio

	total := float64(f.TotalRuns)
	if total > 0 {
		maxStreak := float64(f.MaxConsecutiveFailures)
		if maxStreak >= 0.8*total {
			score *= 1 - 0.10*(maxStreak/total)
		}
		if f.RerunPassRate > 0.3 && f.Intermittency > 0.4 {
			score *= 1.2
		}
		if float64(f.ConsecutiveFailures) >= math.Min(5, 0.6*total) {
			score *= 0.8
		}
	}
	return clamp01(score)
}

// CountRecentFailures counts failed occurrences at or after cutoff.
func CountRecentFailures(window []Sample, cutoff time.Time) int {
	n := 0
	for _, s := range window {
		if s.Failed() && !s.Time.Before(cutoff) {
			n++
		}
	}
	return n
}

// Recommend maps a score to the stored recommendation. Quarantine
// additionally requires enough total evidence and recent failures.
func Recommend(score float64, f Features, p ScoreParams) Recommendation {
	if score >= p.QuarantineThreshold && f.TotalRuns >= p.MinRuns && f.RecentFailures >= p.MinRecentFailures {
		return RecommendationQuarantine
	}
	if score >= p.WarnThreshold {
		return RecommendationWarn
	}
	return RecommendationNone
}

// Confidence reports how much to trust a score given the evidence volume:
// runs against the quarantine minimum, scaled by window coverage.
func Confidence(totalRuns, minRuns, windowN int) float64 {
	if totalRuns <= 0 || minRuns <= 0 || windowN <= 0 {
		return 0
	}
	base := math.Min(1, float64(totalRuns)/float64(minRuns))
	coverage := math.Min(1, float64(totalRuns)/float64(windowN))
	return clamp01(base * coverage)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
