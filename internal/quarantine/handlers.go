package quarantine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// CandidatesResponse is the response for the candidates view.
type CandidatesResponse struct {
	RepoID     uuid.UUID   `json:"repo_id"`
	Candidates []Candidate `json:"candidates"`
}

// HandleCandidates handles GET /api/v1/repositories/{repo_id}/quarantine/candidates
func HandleCandidates(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid repo_id")
			return
		}

		candidates, err := service.Candidates(ctx, repoID)
		if err != nil {
			if errors.Is(err, ErrRepoNotFound) {
				apperrors.WriteNotFound(w, r, "Repository not found")
				return
			}
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to list quarantine candidates")
			apperrors.WriteInternalError(w, r, "Failed to retrieve quarantine candidates")
			return
		}
		if candidates == nil {
			candidates = []Candidate{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, CandidatesResponse{RepoID: repoID, Candidates: candidates})
	}
}

// HandlePlan handles POST /api/v1/quarantine/plan
func HandlePlan(planner *Planner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req PlanRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 128<<10)).Decode(&req); err != nil {
			apperrors.WriteValidation(w, r, "Invalid request body")
			return
		}
		if req.RepoID == uuid.Nil {
			apperrors.WriteValidation(w, r, "repo_id is required")
			return
		}

		plan, err := planner.BuildPlan(ctx, req)
		if err != nil {
			if errors.Is(err, ErrRepoNotFound) {
				apperrors.WriteNotFound(w, r, "Repository not found")
				return
			}
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				apperrors.WriteAppError(w, r, appErr)
				return
			}
			// Override parse failures read as validation problems; the
			// caller sent the document.
			if req.Overrides != "" {
				apperrors.WriteValidation(w, r, err.Error())
				return
			}
			log.Error().Err(err).Str("repo_id", req.RepoID.String()).Msg("Failed to build quarantine plan")
			apperrors.WriteInternalError(w, r, "Failed to build quarantine plan")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, plan)
	}
}

// HandleDecisionHistory handles GET /api/v1/tests/{test_id}/quarantine
func HandleDecisionHistory(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		testID, err := uuid.Parse(chi.URLParam(r, "test_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid test_id")
			return
		}

		decisions, err := service.History(ctx, testID, 20)
		if err != nil {
			if errors.Is(err, ErrTestNotFound) {
				apperrors.WriteNotFound(w, r, "Test not found")
				return
			}
			log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to load quarantine history")
			apperrors.WriteInternalError(w, r, "Failed to retrieve quarantine history")
			return
		}
		if decisions == nil {
			decisions = []Decision{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"test_id":   testID,
			"decisions": decisions,
		})
	}
}
