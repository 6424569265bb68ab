package ingest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apikeys"
	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/junit"
	"github.com/thc1006/flakeguard/internal/repos"
)

// multipartMemory caps the in-memory portion of an upload; the rest
// spills to disk.
const multipartMemory = 32 << 20

// UploadResponse is the direct upload result envelope body.
type UploadResponse struct {
	RunID         string `json:"run_id"`
	ExternalRunID int64  `json:"external_run_id"`
	Result
}

// HandleJUnitUpload accepts a JUnit XML file pushed directly by a CI job,
// for repositories without artifact access. The route sits behind the
// API key middleware; the key's repository scopes the write.
func HandleJUnitUpload(pipeline *Pipeline, repoSvc *repos.Service, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := apikeys.FromContext(ctx)
		if key == nil {
			apperrors.WriteUnauthorized(w, r, "API key required")
			return
		}

		repo, err := repoSvc.GetByID(ctx, key.RepoID)
		if err != nil {
			if errors.Is(err, repos.ErrNotFound) {
				apperrors.WriteNotFound(w, r, "Repository for API key not found")
				return
			}
			log.Error().Err(err).Msg("Failed to load repository for upload")
			apperrors.WriteInternalError(w, r, "Failed to load repository")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				apperrors.WritePayloadTooLarge(w, r, "Upload exceeds the size limit")
				return
			}
			apperrors.WriteValidation(w, r, "Invalid multipart form")
			return
		}

		externalRunID, err := strconv.ParseInt(r.FormValue("run_id"), 10, 64)
		if err != nil || externalRunID <= 0 {
			apperrors.WriteValidation(w, r, "run_id must be a positive integer")
			return
		}
		runAttempt := 1
		if v := r.FormValue("run_attempt"); v != "" {
			runAttempt, err = strconv.Atoi(v)
			if err != nil || runAttempt < 1 {
				apperrors.WriteValidation(w, r, "run_attempt must be a positive integer")
				return
			}
		}

		file, _, err := r.FormFile("file")
		if err != nil {
			apperrors.WriteValidation(w, r, "Missing file field")
			return
		}
		defer file.Close()

		report, err := junit.Parse(file)
		if err != nil {
			apperrors.WriteAppError(w, r, apperrors.Wrap(apperrors.CodeParse, "invalid junit document: "+err.Error(), err))
			return
		}

		run, err := pipeline.store.UpsertRun(ctx, RunParams{
			RepoID:     repo.ID,
			ExternalID: externalRunID,
			Status:     "completed",
			RunAttempt: runAttempt,
			HeadSHA:    r.FormValue("head_sha"),
			Branch:     r.FormValue("branch"),
			Event:      "upload",
		})
		if err != nil {
			log.Error().Err(err).Str("repo", repo.Slug()).Msg("Failed to upsert run for upload")
			apperrors.WriteInternalError(w, r, "Failed to record run")
			return
		}

		result, err := pipeline.IngestReport(ctx, repo.ID, repo.Slug(), run, report)
		if err != nil {
			log.Error().Err(err).Str("repo", repo.Slug()).Int64("run", externalRunID).Msg("Failed to ingest uploaded report")
			apperrors.WriteAppError(w, r, err)
			return
		}

		log.Info().
			Str("repo", repo.Slug()).
			Int64("run", externalRunID).
			Int("test_results", result.TestResults).
			Int("inserted", result.OccurrencesInserted).
			Msg("Ingested direct upload")

		apperrors.WriteSuccess(w, r, http.StatusOK, UploadResponse{
			RunID:         run.ID.String(),
			ExternalRunID: externalRunID,
			Result:        *result,
		})
	}
}
