// Package jobs wires queue job types to their processors.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue names. Events carry webhook deliveries, ingest runs the artifact
// pipeline, maintenance runs scheduled sweeps.
const (
	QueueEvents      = "events"
	QueueIngest      = "ingest"
	QueueMaintenance = "maintenance"
)

// Job types.
const (
	TypeWebhookEvent    = "webhook-event"
	TypeArtifactProcess = "artifact-process"
	TypePollRuns        = "poll-runs"
)

// WebhookEventPayload carries a verified webhook delivery to the events
// worker. Payload is the raw delivery body.
type WebhookEventPayload struct {
	DeliveryID string          `json:"delivery_id"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
}

// ArtifactProcessPayload identifies one completed workflow run to ingest.
type ArtifactProcessPayload struct {
	RepoID         uuid.UUID `json:"repo_id"`
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	RunID          uuid.UUID `json:"run_id"`
	ExternalRunID  int64     `json:"external_run_id"`
	RunAttempt     int       `json:"run_attempt"`
	InstallationID int64     `json:"installation_id"`
}

// IngestJobID builds the deterministic artifact-process job ID so webhook
// re-deliveries and poller catch-ups collapse onto a single ingestion per
// run attempt.
func IngestJobID(repoID uuid.UUID, externalRunID int64, attempt int) string {
	return fmt.Sprintf("ingest:%s:%d:%d", repoID, externalRunID, attempt)
}
