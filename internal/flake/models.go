package flake

import (
	"time"

	"github.com/google/uuid"
)

// Recommendation is the stored action suggestion for a scored test.
type Recommendation string

const (
	RecommendationNone       Recommendation = "none"
	RecommendationWarn       Recommendation = "warn"
	RecommendationQuarantine Recommendation = "quarantine"
)

// ScoreParams carries the effective policy knobs scoring depends on.
type ScoreParams struct {
	WarnThreshold       float64
	QuarantineThreshold float64
	MinRuns             int
	MinRecentFailures   int
	LookbackDays        int
	WindowN             int
}

// FlakeScore is the persisted score row for one test.
type FlakeScore struct {
	TestID         uuid.UUID      `json:"test_id"`
	Score          float64        `json:"score"`
	Confidence     float64        `json:"confidence"`
	WindowN        int            `json:"window_n"`
	Features       Features       `json:"features"`
	Recommendation Recommendation `json:"recommendation"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// FlakiestItem is one row of the per-repository flakiest-tests view.
type FlakiestItem struct {
	TestID         uuid.UUID      `json:"test_id"`
	Suite          string         `json:"suite"`
	ClassName      string         `json:"class_name,omitempty"`
	Name           string         `json:"name"`
	File           *string        `json:"file,omitempty"`
	Score          float64        `json:"score"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Failures       int            `json:"failures"`
	TotalRuns      int            `json:"total_runs"`
	Quarantined    bool           `json:"quarantined"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// HistoryEntry is one occurrence in a test's history view.
type HistoryEntry struct {
	RunExternalID  int64     `json:"run_external_id"`
	Branch         string    `json:"branch"`
	HeadSHA        string    `json:"head_sha"`
	Attempt        int       `json:"attempt"`
	Status         string    `json:"status"`
	DurationMS     *int      `json:"duration_ms,omitempty"`
	FailureMessage *string   `json:"failure_message,omitempty"`
	Signature      *string   `json:"signature,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}
