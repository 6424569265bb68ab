package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// ListItem is one audit entry in list responses.
type ListItem struct {
	ID        uuid.UUID      `json:"id"`
	RepoID    *uuid.UUID     `json:"repo_id,omitempty"`
	TestID    *uuid.UUID     `json:"test_id,omitempty"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

// List returns recent entries, optionally filtered to one repository.
func (r *Reader) List(ctx context.Context, repoID *uuid.UUID, limit int) ([]ListItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, repo_id, test_id, actor, action, meta, created_at
		FROM audit_log
		WHERE ($1::uuid IS NULL OR repo_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, repoID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []ListItem
	for rows.Next() {
		var (
			item    ListItem
			metaRaw []byte
		)
		if err := rows.Scan(&item.ID, &item.RepoID, &item.TestID, &item.Actor, &item.Action, &metaRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}

		item.Meta = map[string]any{}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &item.Meta)
		}

		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return out, nil
}

// HandleList handles GET /api/v1/audit
func HandleList(reader *Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var repoID *uuid.UUID
		if raw := r.URL.Query().Get("repo_id"); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				apperrors.WriteValidation(w, r, "Invalid repo_id")
				return
			}
			repoID = &parsed
		}

		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
				limit = parsed
			}
		}

		entries, err := reader.List(ctx, repoID, limit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list audit entries")
			apperrors.WriteInternalError(w, r, "Failed to retrieve audit log")
			return
		}
		if entries == nil {
			entries = []ListItem{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"entries": entries,
			"limit":   limit,
		})
	}
}
