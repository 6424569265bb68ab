package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/validation"
)

// IssueLink is an external tracker reference attached to a test, usually
// filed when the test gets quarantined.
type IssueLink struct {
	ID        uuid.UUID `json:"id"`
	TestID    uuid.UUID `json:"test_id"`
	Provider  string    `json:"provider"`
	URL       string    `json:"url"`
	IssueKey  *string   `json:"issue_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LinkIssue attaches a tracker reference to a test.
func (s *Service) LinkIssue(ctx context.Context, testID uuid.UUID, provider, rawURL string, issueKey *string) (*IssueLink, error) {
	if err := s.requireTest(ctx, testID); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO issue_links (test_id, provider, url, issue_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, test_id, provider, url, issue_key, created_at
	`

	var link IssueLink
	err := s.pool.QueryRow(ctx, query, testID, provider, rawURL, issueKey).Scan(
		&link.ID,
		&link.TestID,
		&link.Provider,
		&link.URL,
		&link.IssueKey,
		&link.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert issue link: %w", err)
	}
	return &link, nil
}

// Issues returns a test's tracker references, newest first.
func (s *Service) Issues(ctx context.Context, testID uuid.UUID) ([]IssueLink, error) {
	if err := s.requireTest(ctx, testID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, test_id, provider, url, issue_key, created_at
		FROM issue_links
		WHERE test_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue links: %w", err)
	}
	defer rows.Close()

	var links []IssueLink
	for rows.Next() {
		var link IssueLink
		if err := rows.Scan(&link.ID, &link.TestID, &link.Provider, &link.URL, &link.IssueKey, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issue link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// linkIssueRequest is the POST body for attaching a tracker reference.
type linkIssueRequest struct {
	Provider string  `json:"provider"`
	URL      string  `json:"url"`
	IssueKey *string `json:"issue_key,omitempty"`
}

// HandleLinkIssue handles POST /api/v1/tests/{test_id}/issues
func HandleLinkIssue(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		testID, err := uuid.Parse(chi.URLParam(r, "test_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid test ID")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 16*1024)
		var req linkIssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteValidation(w, r, "Invalid JSON body")
			return
		}

		req.Provider = strings.TrimSpace(req.Provider)
		if req.Provider == "" {
			req.Provider = "github"
		}
		if err := validation.ValidateIssueURL(strings.TrimSpace(req.URL)); err != nil {
			apperrors.WriteValidation(w, r, err.Error())
			return
		}

		link, err := service.LinkIssue(ctx, testID, req.Provider, strings.TrimSpace(req.URL), req.IssueKey)
		if err != nil {
			if errors.Is(err, ErrTestNotFound) {
				apperrors.WriteNotFound(w, r, "Test not found")
				return
			}
			log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to link issue")
			apperrors.WriteInternalError(w, r, "Failed to link issue")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusCreated, link)
	}
}

// HandleListIssues handles GET /api/v1/tests/{test_id}/issues
func HandleListIssues(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		testID, err := uuid.Parse(chi.URLParam(r, "test_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid test ID")
			return
		}

		links, err := service.Issues(ctx, testID)
		if err != nil {
			if errors.Is(err, ErrTestNotFound) {
				apperrors.WriteNotFound(w, r, "Test not found")
				return
			}
			log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to list issues")
			apperrors.WriteInternalError(w, r, "Failed to list issues")
			return
		}
		if links == nil {
			links = []IssueLink{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"test_id": testID,
			"issues":  links,
		})
	}
}
