package repos

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// ListResponse is the paginated repository listing.
type ListResponse struct {
	Repositories []Repository `json:"repositories"`
	Total        int          `json:"total"`
	Limit        int          `json:"limit"`
	Offset       int          `json:"offset"`
}

// HandleList handles GET /api/v1/repositories
func HandleList(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
				limit = parsed
			}
		}
		offset := 0
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
				offset = parsed
			}
		}
		search := r.URL.Query().Get("search")

		repositories, total, err := service.List(ctx, limit, offset, search)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list repositories")
			apperrors.WriteInternalError(w, r, "Failed to list repositories")
			return
		}
		if repositories == nil {
			repositories = []Repository{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, ListResponse{
			Repositories: repositories,
			Total:        total,
			Limit:        limit,
			Offset:       offset,
		})
	}
}

// HandleGet handles GET /api/v1/repositories/{repo_id}
func HandleGet(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid repo_id")
			return
		}

		repo, err := service.GetByID(ctx, repoID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				apperrors.WriteNotFound(w, r, "Repository not found")
				return
			}
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to load repository")
			apperrors.WriteInternalError(w, r, "Failed to retrieve repository")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, repo)
	}
}

// HandleDashboard handles GET /api/v1/repositories/{repo_id}/dashboard
func HandleDashboard(service *Service, lookbackDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid repo_id")
			return
		}

		dashboard, err := service.Dashboard(ctx, repoID, lookbackDays)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				apperrors.WriteNotFound(w, r, "Repository not found")
				return
			}
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to build dashboard")
			apperrors.WriteInternalError(w, r, "Failed to build dashboard")
			return
		}
		if dashboard.TopFlaky == nil {
			dashboard.TopFlaky = []TopFlakyTest{}
		}
		if dashboard.RecentClusters == nil {
			dashboard.RecentClusters = []ClusterSummary{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, dashboard)
	}
}
