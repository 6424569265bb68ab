// Package repos manages repository registration and the dashboard view.
package repos

import (
	"time"

	"github.com/google/uuid"
)

// Repository is a tracked source repository.
type Repository struct {
	ID             uuid.UUID `json:"id"`
	Provider       string    `json:"provider"`
	Owner          string    `json:"owner"`
	Name           string    `json:"name"`
	InstallationID *int64    `json:"installation_id,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Slug returns the owner/name form used in logs and admin commands.
func (r Repository) Slug() string {
	return r.Owner + "/" + r.Name
}

// UpsertParams identify a repository to register or refresh.
type UpsertParams struct {
	Provider       string
	Owner          string
	Name           string
	InstallationID *int64
}

// TopFlakyTest is the dashboard's compact flaky-test row.
type TopFlakyTest struct {
	TestID         uuid.UUID `json:"test_id"`
	Suite          string    `json:"suite"`
	Name           string    `json:"name"`
	Score          float64   `json:"score"`
	Recommendation string    `json:"recommendation"`
}

// ClusterSummary is the dashboard's compact failure-cluster row.
type ClusterSummary struct {
	ID              uuid.UUID `json:"id"`
	Signature       string    `json:"signature"`
	Category        *string   `json:"category,omitempty"`
	ExampleMessage  string    `json:"example_message"`
	OccurrenceCount int       `json:"occurrence_count"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// Dashboard aggregates a repository's health for the overview endpoint.
type Dashboard struct {
	Repository     Repository       `json:"repository"`
	TotalTests     int              `json:"total_tests"`
	FlakyTests     int              `json:"flaky_tests"`
	Quarantined    int              `json:"quarantined"`
	RunsInWindow   int              `json:"runs_in_window"`
	LookbackDays   int              `json:"lookback_days"`
	TopFlaky       []TopFlakyTest   `json:"top_flaky"`
	RecentClusters []ClusterSummary `json:"recent_clusters"`
}
