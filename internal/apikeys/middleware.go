package apikeys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

type contextKey int

const keyContextKey contextKey = iota

// FromContext returns the authenticated key set by RequireScope, or nil.
func FromContext(ctx context.Context) *Key {
	key, _ := ctx.Value(keyContextKey).(*Key)
	return key
}

func withKey(ctx context.Context, key *Key) context.Context {
	return context.WithValue(ctx, keyContextKey, key)
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// RequireScope authenticates the Bearer token and checks it carries the
// scope. The key lands in the request context for downstream handlers.
func RequireScope(service *Service, scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := bearerToken(r)
			if !ok {
				apperrors.WriteUnauthorized(w, r, "Missing or malformed Authorization header")
				return
			}

			key, err := service.Authenticate(ctx, token)
			if err != nil {
				switch {
				case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrKeyRevoked), errors.Is(err, ErrKeyExpired):
					apperrors.WriteUnauthorized(w, r, "Invalid API key")
				default:
					log.Error().Err(err).Msg("Failed to authenticate API key")
					apperrors.WriteInternalError(w, r, "Authentication failed")
				}
				return
			}

			if !key.HasScope(scope) {
				apperrors.WriteForbidden(w, r, fmt.Sprintf("API key missing required scope: %s", scope))
				return
			}

			// Stamp last use off the request path; the request context dies
			// with the response.
			go func(stampCtx context.Context, id uuid.UUID) {
				stampCtx, cancel := context.WithTimeout(stampCtx, 5*time.Second)
				defer cancel()
				if err := service.TouchLastUsed(stampCtx, id); err != nil {
					log.Warn().Err(err).Str("api_key_id", id.String()).Msg("Failed to stamp api key last use")
				}
			}(context.WithoutCancel(ctx), key.ID)

			next.ServeHTTP(w, r.WithContext(withKey(ctx, key)))
		})
	}
}

// RateLimitPerKey limits requests per authenticated key per minute. Place
// it after RequireScope; unauthenticated requests fall back to the client
// IP.
func RateLimitPerKey(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if key := FromContext(r.Context()); key != nil {
				return "apikey:" + key.ID.String(), nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if key := FromContext(r.Context()); key != nil {
				log.Warn().
					Str("api_key_id", key.ID.String()).
					Str("path", r.URL.Path).
					Msg("API key rate limit exceeded")
			}
			w.Header().Set("Retry-After", "60")
			apperrors.WriteTooManyRequests(w, r, "Rate limit exceeded. Retry after 60 seconds.")
		}),
	)
}
