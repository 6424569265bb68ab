package cluster

import (
	"math"
	"sort"
	"time"
)

const (
	minGapThreshold     = 30 * time.Minute
	defaultGapThreshold = 2 * time.Hour

	// minClusterSize keeps singleton failures from counting as bursts.
	minClusterSize = 2
)

// TemporalMetrics describes how one test's failures group in time.
type TemporalMetrics struct {
	Clusters     int           `json:"clusters"`
	Burstiness   float64       `json:"burstiness"`
	Periodicity  float64       `json:"periodicity"`
	Randomness   float64       `json:"randomness"`
	MeanDensity  float64       `json:"meanDensity"`
	GapThreshold time.Duration `json:"-"`
}

// ClusteringFeature folds burstiness and density into the [0,1] feature the
// scorer consumes.
func (m TemporalMetrics) ClusteringFeature() float64 {
	return clamp01(0.6*m.Burstiness + 0.4*math.Min(1, m.MeanDensity))
}

// AnalyzeTimes computes temporal clustering over failure timestamps. The
// gap threshold adapts to the spacing distribution (Q3 + 1.5*IQR, floored
// at 30 minutes) once there are enough gaps to estimate quartiles.
func AnalyzeTimes(times []time.Time) TemporalMetrics {
	sorted := make([]time.Time, 0, len(times))
	for _, ts := range times {
		if !ts.IsZero() {
			sorted = append(sorted, ts)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	metrics := TemporalMetrics{Randomness: 1, GapThreshold: defaultGapThreshold}
	if len(sorted) < minClusterSize {
		return metrics
	}

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Seconds())
	}

	if len(gaps) >= 4 {
		q1 := percentile(gaps, 0.25)
		q3 := percentile(gaps, 0.75)
		adaptive := time.Duration((q3 + 1.5*(q3-q1)) * float64(time.Second))
		if adaptive < minGapThreshold {
			adaptive = minGapThreshold
		}
		metrics.GapThreshold = adaptive
	}

	clusters := splitClusters(sorted, metrics.GapThreshold)
	metrics.Clusters = len(clusters)
	if len(clusters) == 0 {
		return metrics
	}

	densities := make([]float64, len(clusters))
	centers := make([]float64, len(clusters))
	for i, c := range clusters {
		durationMin := c[len(c)-1].Sub(c[0]).Minutes()
		densities[i] = float64(len(c)) / math.Max(1, durationMin)
		centers[i] = float64(c[0].Unix()+c[len(c)-1].Unix()) / 2
	}
	metrics.MeanDensity = mean(densities)

	if len(clusters) >= 2 {
		metrics.Burstiness = clamp01(coefficientOfVariation(densities))
	}
	if len(clusters) >= 3 {
		intervals := make([]float64, len(centers)-1)
		for i := 1; i < len(centers); i++ {
			intervals[i-1] = centers[i] - centers[i-1]
		}
		metrics.Periodicity = clamp01(1 - coefficientOfVariation(intervals))
	}
	metrics.Randomness = clamp01(1 - math.Max(metrics.Burstiness, metrics.Periodicity))
	return metrics
}

// splitClusters cuts the sorted timestamps wherever the gap exceeds the
// threshold, keeping only groups of minClusterSize or more.
func splitClusters(sorted []time.Time, threshold time.Duration) [][]time.Time {
	var clusters [][]time.Time
	current := []time.Time{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Sub(sorted[i-1]) <= threshold {
			current = append(current, sorted[i])
			continue
		}
		if len(current) >= minClusterSize {
			clusters = append(clusters, current)
		}
		current = []time.Time{sorted[i]}
	}
	if len(current) >= minClusterSize {
		clusters = append(clusters, current)
	}
	return clusters
}

func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 0 {
		return 0
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func coefficientOfVariation(values []float64) float64 {
	m := mean(values)
	if m == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq/float64(len(values))) / m
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
