package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/thc1006/flakeguard/internal/apikeys"
	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/audit"
	"github.com/thc1006/flakeguard/internal/cluster"
	"github.com/thc1006/flakeguard/internal/config"
	"github.com/thc1006/flakeguard/internal/flake"
	"github.com/thc1006/flakeguard/internal/ingest"
	"github.com/thc1006/flakeguard/internal/metrics"
	"github.com/thc1006/flakeguard/internal/policy"
	"github.com/thc1006/flakeguard/internal/quarantine"
	"github.com/thc1006/flakeguard/internal/queue"
	"github.com/thc1006/flakeguard/internal/repos"
	"github.com/thc1006/flakeguard/internal/webhook"
)

// RouterConfig carries everything the route table serves.
type RouterConfig struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *metrics.Metrics
	Webhook   *webhook.Handler
	Repos     *repos.Service
	Flakes    *flake.Service
	Clusters  *cluster.Service
	Policies  *policy.Service
	Decisions *quarantine.Service
	Planner   *quarantine.Planner
	Keys      *apikeys.Service
	Audit     *audit.Writer
	AuditLog  *audit.Reader
	Pipeline  *ingest.Pipeline
	Queues    []*queue.Queue
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
func NewRouter(rc RouterConfig) *chi.Mux {
	cfg := rc.Config
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RealIP)
	r.Use(apperrors.RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(MetricsMiddleware(rc.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health and metrics (no rate limit; probes hit these constantly)
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(rc.Pool, rc.Redis))
	r.Method(http.MethodGet, "/metrics", rc.Metrics.Handler())

	// Provider webhooks. The handler verifies signatures itself.
	r.Method(http.MethodPost, "/api/github/webhook", rc.Webhook)

	// Read API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(APIRateLimit(cfg.RateLimitRPM))

		r.Route("/repositories", func(r chi.Router) {
			r.Get("/", repos.HandleList(rc.Repos))
			r.Get("/{repo_id}", repos.HandleGet(rc.Repos))
			r.Get("/{repo_id}/dashboard", repos.HandleDashboard(rc.Repos, cfg.LookbackDays))
			r.Get("/{repo_id}/tests/flakiest", flake.HandleFlakiestTests(rc.Flakes))
			r.Get("/{repo_id}/quarantine/candidates", quarantine.HandleCandidates(rc.Decisions))
			r.Get("/{repo_id}/policy", policy.HandleGetRepoPolicy(rc.Policies))
			r.Put("/{repo_id}/policy", policy.HandlePutRepoPolicy(rc.Policies, rc.Audit))
		})

		r.Route("/tests", func(r chi.Router) {
			r.Get("/{test_id}/history", flake.HandleTestHistory(rc.Flakes))
			r.Get("/{test_id}/similar", cluster.HandleSimilarFailures(rc.Clusters))
			r.Get("/{test_id}/quarantine", quarantine.HandleDecisionHistory(rc.Decisions))
			r.Get("/{test_id}/issues", quarantine.HandleListIssues(rc.Decisions))
			r.Post("/{test_id}/issues", quarantine.HandleLinkIssue(rc.Decisions))
		})

		r.Route("/quarantine", func(r chi.Router) {
			r.Get("/policy", policy.HandleGetDefaultPolicy(rc.Policies))
			r.Post("/plan", quarantine.HandlePlan(rc.Planner))
		})

		r.Get("/tasks", queue.HandleListTasks(rc.Queues...))
		r.Get("/audit", audit.HandleList(rc.AuditLog))

		// Direct ingestion, authenticated by API key rather than session.
		r.Route("/ingest", func(r chi.Router) {
			r.With(
				apikeys.RequireScope(rc.Keys, apikeys.ScopeIngest),
				apikeys.RateLimitPerKey(cfg.RateLimitRPM),
			).Post("/junit", ingest.HandleJUnitUpload(rc.Pipeline, rc.Repos, cfg.MaxUploadBytes))
		})
	})

	return r
}

// handleHealthz is the liveness check: 200 whenever the process serves.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleReadyz reports readiness: both stores must answer a ping.
func handleReadyz(pool *pgxpool.Pool, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			apperrors.WriteServiceUnavailable(w, r, "Database connection failed")
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			apperrors.WriteServiceUnavailable(w, r, "Redis connection failed")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
			"status": "ready",
			"db":     "ok",
			"redis":  "ok",
		})
	}
}
