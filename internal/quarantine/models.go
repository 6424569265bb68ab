// Package quarantine owns decision records for flaky tests and the
// dry-run plan that previews them.
package quarantine

import (
	"time"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/policy"
)

// State is the lifecycle position of one decision.
type State string

const (
	StateProposed State = "proposed"
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateReleased State = "released"
)

// Decision is one recorded quarantine action for a test. The database
// enforces at most one active decision per test.
type Decision struct {
	ID        uuid.UUID  `json:"id"`
	TestID    uuid.UUID  `json:"test_id"`
	State     State      `json:"state"`
	Rationale string     `json:"rationale"`
	DecidedBy *string    `json:"decided_by,omitempty"`
	UntilAt   *time.Time `json:"until_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Candidate is a test whose current score recommends quarantine and that
// has no active decision yet.
type Candidate struct {
	TestID        uuid.UUID      `json:"test_id"`
	Suite         string         `json:"suite"`
	ClassName     string         `json:"class_name,omitempty"`
	Name          string         `json:"name"`
	File          *string        `json:"file,omitempty"`
	OwnerTeam     *string        `json:"owner_team,omitempty"`
	Score         float64        `json:"score"`
	Confidence    float64        `json:"confidence"`
	LastFailureAt *time.Time     `json:"last_failure_at,omitempty"`
	LastDecision  *State         `json:"last_decision,omitempty"`
	Features      flake.Features `json:"features"`
}

// ScoredTest is the raw material the planner evaluates: one scored test
// with its stored feature vector and decision context.
type ScoredTest struct {
	TestID       uuid.UUID
	Suite        string
	ClassName    string
	Name         string
	File         *string
	OwnerTeam    *string
	Score        float64
	Confidence   float64
	Features     flake.Features
	LastDecision *State
}

// PlanRequest asks for a dry-run plan. Overrides, when present, is a
// .flakeguard.yml document previewed in place of the stored one.
type PlanRequest struct {
	RepoID    uuid.UUID `json:"repo_id"`
	Overrides string    `json:"overrides,omitempty"`
}

// PlanEntry is one test's proposed treatment under the evaluated policy.
type PlanEntry struct {
	TestID        uuid.UUID            `json:"test_id"`
	Suite         string               `json:"suite"`
	ClassName     string               `json:"class_name,omitempty"`
	Name          string               `json:"name"`
	File          *string              `json:"file,omitempty"`
	Score         float64              `json:"score"`
	Confidence    float64              `json:"confidence"`
	Action        flake.Recommendation `json:"action"`
	Priority      policy.Priority      `json:"priority"`
	Rationale     string               `json:"rationale"`
	ExistingState *State               `json:"existing_state,omitempty"`
}

// Plan is the dry-run outcome. Building one never writes.
type Plan struct {
	RepoID      uuid.UUID     `json:"repo_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Policy      policy.Policy `json:"policy"`
	Entries     []PlanEntry   `json:"entries"`
}
