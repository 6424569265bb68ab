package cluster

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// SimilarResponse lists tests failing like the queried one.
type SimilarResponse struct {
	TestID  uuid.UUID     `json:"test_id"`
	Similar []SimilarTest `json:"similar"`
}

// HandleSimilarFailures handles GET /api/v1/tests/{test_id}/similar
func HandleSimilarFailures(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		testID, err := uuid.Parse(chi.URLParam(r, "test_id"))
		if err != nil {
			apperrors.WriteValidation(w, r, "Invalid test_id")
			return
		}

		limit := 20
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
				limit = parsed
			}
		}

		similar, err := service.SimilarFailures(ctx, testID, limit)
		if err != nil {
			if errors.Is(err, ErrTestNotFound) {
				apperrors.WriteNotFound(w, r, "Test not found")
				return
			}
			log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to find similar failures")
			apperrors.WriteInternalError(w, r, "Failed to retrieve similar failures")
			return
		}
		if similar == nil {
			similar = []SimilarTest{}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, SimilarResponse{TestID: testID, Similar: similar})
	}
}
