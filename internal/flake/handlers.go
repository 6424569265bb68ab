package flake

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// FlakiestResponse is the response for the flakiest-tests view.
type FlakiestResponse struct {
	Tests []FlakiestItem `json:"tests"`
	Limit int            `json:"limit"`
}

// HistoryResponse is the response for a test's occurrence history.
type HistoryResponse struct {
	TestID  uuid.UUID      `json:"test_id"`
	Entries []HistoryEntry `json:"entries"`
	Limit   int            `json:"limit"`
}

// HandleFlakiestTests handles GET /api/v1/repositories/{repo_id}/tests/flakiest
func HandleFlakiestTests(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid repo_id")
			return
		}

		limit := 20
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
				limit = parsed
			}
		}

		exists, err := service.RepoExists(ctx, repoID)
		if err != nil {
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to look up repository")
			apperrors.WriteInternalError(w, r, "Failed to retrieve flakiest tests")
			return
		}
		if !exists {
			apperrors.WriteNotFound(w, r, "Repository not found")
			return
		}

		tests, err := service.FlakiestTests(ctx, repoID, limit)
		if err != nil {
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to list flakiest tests")
			apperrors.WriteInternalError(w, r, "Failed to retrieve flakiest tests")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, FlakiestResponse{Tests: tests, Limit: limit})
	}
}

// HandleTestHistory handles GET /api/v1/tests/{test_id}/history
func HandleTestHistory(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		testID, err := uuid.Parse(chi.URLParam(r, "test_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid test_id")
			return
		}

		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
				limit = parsed
			}
		}

		entries, err := service.History(ctx, testID, limit)
		if err != nil {
			if err == ErrTestNotFound {
				apperrors.WriteNotFound(w, r, "Test not found")
				return
			}
			log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to load test history")
			apperrors.WriteInternalError(w, r, "Failed to retrieve test history")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, HistoryResponse{TestID: testID, Entries: entries, Limit: limit})
	}
}
