package policy

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/audit"
)

const maxPolicyBytes = 64 * 1024

// RepoPolicyResponse is the effective policy view for one repository.
type RepoPolicyResponse struct {
	Policy   Policy    `json:"policy"`
	Override *Override `json:"override,omitempty"`
	RawYAML  string    `json:"raw_yaml,omitempty"`
}

// HandleGetDefaultPolicy handles GET /api/v1/quarantine/policy
func HandleGetDefaultPolicy(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteSuccess(w, r, http.StatusOK, RepoPolicyResponse{Policy: service.Defaults()})
	}
}

// HandleGetRepoPolicy handles GET /api/v1/repositories/{repo_id}/policy
func HandleGetRepoPolicy(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid repo_id")
			return
		}

		exists, err := service.repoExists(ctx, repoID)
		if err != nil {
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to look up repository")
			apperrors.WriteInternalError(w, r, "Failed to retrieve policy")
			return
		}
		if !exists {
			apperrors.WriteNotFound(w, r, "Repository not found")
			return
		}

		effective, override, err := service.EffectiveForRepo(ctx, repoID)
		if err != nil {
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to resolve repo policy")
			apperrors.WriteInternalError(w, r, "Failed to retrieve policy")
			return
		}
		_, raw, _ := service.RepoOverride(ctx, repoID)

		apperrors.WriteSuccess(w, r, http.StatusOK, RepoPolicyResponse{
			Policy:   effective,
			Override: override,
			RawYAML:  raw,
		})
	}
}

// HandlePutRepoPolicy handles PUT /api/v1/repositories/{repo_id}/policy.
// The request body is the raw .flakeguard.yml document.
func HandlePutRepoPolicy(service *Service, auditor *audit.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid repo_id")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPolicyBytes))
		if err != nil {
			apperrors.WritePayloadTooLarge(w, r, "Policy document too large")
			return
		}

		override, err := service.SetRepoOverride(ctx, repoID, string(body))
		if err != nil {
			if errors.Is(err, ErrRepoNotFound) {
				apperrors.WriteNotFound(w, r, "Repository not found")
				return
			}
			if apperrors.CodeOf(err) == apperrors.CodeValidation {
				apperrors.WriteAppError(w, r, err)
				return
			}
			log.Error().Err(err).Str("repo_id", repoID.String()).Msg("Failed to store repo policy")
			apperrors.WriteInternalError(w, r, "Failed to store policy")
			return
		}

		effective, err := Resolve(service.Defaults(), override)
		if err != nil {
			apperrors.WriteValidation(w, r, err.Error())
			return
		}

		if err := auditor.LogPolicyUpdated(ctx, repoID, audit.ActorSystem); err != nil {
			log.Warn().Err(err).Str("repo_id", repoID.String()).Msg("Failed to audit policy update")
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, RepoPolicyResponse{
			Policy:   effective,
			Override: override,
			RawYAML:  string(body),
		})
	}
}
