// Package audit records operator-visible actions: who registered a
// repository, minted or revoked a key, quarantined or released a test.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	EventRepoRegistered   = "repo.registered"
	EventAPIKeyCreated    = "apikey.created"
	EventAPIKeyRevoked    = "apikey.revoked"
	EventPolicyUpdated    = "policy.updated"
	EventDecisionRecorded = "quarantine.recorded"
	EventDecisionReleased = "quarantine.released"
)

// ActorSystem marks entries written without a human behind them.
const ActorSystem = "system"

// Event represents an audit log entry.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	RepoID    *uuid.UUID     `json:"repo_id,omitempty"`
	TestID    *uuid.UUID     `json:"test_id,omitempty"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

// Writer provides methods to write audit log entries.
type Writer struct {
	pool *pgxpool.Pool
}

func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// LogParams contains parameters for logging an audit event.
type LogParams struct {
	RepoID *uuid.UUID
	TestID *uuid.UUID
	Actor  string
	Action string
	Meta   map[string]any
}

func (w *Writer) Log(ctx context.Context, params LogParams) error {
	metaJSON := []byte("{}")
	if params.Meta != nil {
		b, err := json.Marshal(params.Meta)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal audit meta")
			return err
		}
		metaJSON = b
	}

	actor := params.Actor
	if actor == "" {
		actor = ActorSystem
	}

	query := `
		INSERT INTO audit_log (repo_id, test_id, actor, action, meta)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := w.pool.Exec(ctx, query, params.RepoID, params.TestID, actor, params.Action, metaJSON)
	if err != nil {
		log.Error().Err(err).Str("action", params.Action).Msg("Failed to write audit log")
		return err
	}

	log.Info().
		Str("action", params.Action).
		Str("actor", actor).
		Interface("repo_id", params.RepoID).
		Interface("test_id", params.TestID).
		Msg("Audit event logged")

	return nil
}

func (w *Writer) LogRepoRegistered(ctx context.Context, repoID uuid.UUID, actor, slug string) error {
	return w.Log(ctx, LogParams{
		RepoID: &repoID,
		Actor:  actor,
		Action: EventRepoRegistered,
		Meta: map[string]any{
			"slug": slug,
		},
	})
}

func (w *Writer) LogAPIKeyCreated(ctx context.Context, repoID, keyID uuid.UUID, actor, name string) error {
	return w.Log(ctx, LogParams{
		RepoID: &repoID,
		Actor:  actor,
		Action: EventAPIKeyCreated,
		Meta: map[string]any{
			"api_key_id": keyID.String(),
			"name":       name,
		},
	})
}

func (w *Writer) LogAPIKeyRevoked(ctx context.Context, keyID uuid.UUID, actor string) error {
	return w.Log(ctx, LogParams{
		Actor:  actor,
		Action: EventAPIKeyRevoked,
		Meta: map[string]any{
			"api_key_id": keyID.String(),
		},
	})
}

func (w *Writer) LogPolicyUpdated(ctx context.Context, repoID uuid.UUID, actor string) error {
	return w.Log(ctx, LogParams{
		RepoID: &repoID,
		Actor:  actor,
		Action: EventPolicyUpdated,
	})
}

func (w *Writer) LogDecisionRecorded(ctx context.Context, testID, decisionID uuid.UUID, actor, state, rationale string) error {
	return w.Log(ctx, LogParams{
		TestID: &testID,
		Actor:  actor,
		Action: EventDecisionRecorded,
		Meta: map[string]any{
			"decision_id": decisionID.String(),
			"state":       state,
			"rationale":   rationale,
		},
	})
}

func (w *Writer) LogDecisionReleased(ctx context.Context, testID, decisionID uuid.UUID, actor string) error {
	return w.Log(ctx, LogParams{
		TestID: &testID,
		Actor:  actor,
		Action: EventDecisionReleased,
		Meta: map[string]any{
			"decision_id": decisionID.String(),
		},
	})
}
