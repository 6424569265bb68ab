package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/thc1006/flakeguard/internal/validation"
)

// Config holds all application configuration.
type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	DBDSN      string
	DBMaxConns int
	RedisURL   string

	GitHubAppID         int64
	GitHubPrivateKeyB64 string
	GitHubWebhookSecret string
	GitHubAPIBaseURL    string

	WarnThreshold        float64
	QuarantineThreshold  float64
	MinRunsForQuarantine int
	MinRecentFailures    int
	LookbackDays         int
	RollingWindow        int

	QueueConcurrency    int
	IngestConcurrency   int
	ArtifactParallelism int
	DownloadRetries     int
	ArtifactMaxBytes    int64
	ArtifactMinBytes    int64
	JobTimeoutMS        int
	IngestJobTimeoutMS  int

	RateLimitReserve      int
	RateThrottleThreshold int
	BreakerThreshold      int
	BreakerOpenTimeoutMS  int

	RateLimitRPM   int
	MaxUploadBytes int64

	NotifyWebhookURL string
	NotifyTimeoutMS  int
	RetentionDays    int
	PollEnabled      bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Env = strings.TrimSpace(os.Getenv("FG_ENV"))
	if cfg.Env == "" {
		return nil, fmt.Errorf("FG_ENV is required")
	}
	if cfg.Env != "dev" && cfg.Env != "prod" {
		return nil, fmt.Errorf("FG_ENV must be one of: dev, prod (got: %s)", cfg.Env)
	}

	cfg.HTTPAddr = getEnvOrDefault("FG_HTTP_ADDR", ":8080")

	cfg.LogLevel = getEnvOrDefault("FG_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("FG_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", cfg.LogLevel)
	}

	cfg.DBDSN = strings.TrimSpace(os.Getenv("FG_DB_DSN"))
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("FG_DB_DSN is required")
	}
	var err error
	cfg.DBMaxConns, err = getEnvIntOrDefault("FG_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns < 2 {
		return nil, fmt.Errorf("FG_DB_MAX_CONNS must be at least 2 (got: %d)", cfg.DBMaxConns)
	}

	cfg.RedisURL = getEnvOrDefault("FG_REDIS_URL", "redis://localhost:6379/0")

	cfg.GitHubWebhookSecret = os.Getenv("FG_GITHUB_WEBHOOK_SECRET")
	if cfg.GitHubWebhookSecret == "" {
		return nil, fmt.Errorf("FG_GITHUB_WEBHOOK_SECRET is required")
	}
	if cfg.Env == "prod" && len(cfg.GitHubWebhookSecret) < 16 {
		return nil, fmt.Errorf("FG_GITHUB_WEBHOOK_SECRET must be at least 16 characters (currently %d)", len(cfg.GitHubWebhookSecret))
	}

	cfg.GitHubAppID, err = getEnvInt64OrDefault("FG_GITHUB_APP_ID", 0)
	if err != nil {
		return nil, err
	}
	cfg.GitHubPrivateKeyB64 = strings.TrimSpace(os.Getenv("FG_GITHUB_PRIVATE_KEY_B64"))
	if cfg.Env == "prod" && (cfg.GitHubAppID == 0 || cfg.GitHubPrivateKeyB64 == "") {
		return nil, fmt.Errorf("FG_GITHUB_APP_ID and FG_GITHUB_PRIVATE_KEY_B64 are required in prod")
	}
	cfg.GitHubAPIBaseURL = strings.TrimRight(getEnvOrDefault("FG_GITHUB_API_BASE_URL", "https://api.github.com"), "/")

	cfg.WarnThreshold, err = getEnvFloatOrDefault("FG_WARN_THRESHOLD", 0.3)
	if err != nil {
		return nil, err
	}
	cfg.QuarantineThreshold, err = getEnvFloatOrDefault("FG_QUARANTINE_THRESHOLD", 0.6)
	if err != nil {
		return nil, err
	}
	if cfg.WarnThreshold < 0 || cfg.WarnThreshold > 1 || cfg.QuarantineThreshold < 0 || cfg.QuarantineThreshold > 1 {
		return nil, fmt.Errorf("FG_WARN_THRESHOLD and FG_QUARANTINE_THRESHOLD must be between 0 and 1")
	}
	if cfg.WarnThreshold >= cfg.QuarantineThreshold {
		return nil, fmt.Errorf("FG_WARN_THRESHOLD (%.2f) must be below FG_QUARANTINE_THRESHOLD (%.2f)", cfg.WarnThreshold, cfg.QuarantineThreshold)
	}

	cfg.MinRunsForQuarantine, err = getEnvIntOrDefault("FG_MIN_RUNS_FOR_QUARANTINE", 5)
	if err != nil {
		return nil, err
	}
	cfg.MinRecentFailures, err = getEnvIntOrDefault("FG_MIN_RECENT_FAILURES", 2)
	if err != nil {
		return nil, err
	}
	cfg.LookbackDays, err = getEnvIntOrDefault("FG_LOOKBACK_DAYS", 7)
	if err != nil {
		return nil, err
	}
	cfg.RollingWindow, err = getEnvIntOrDefault("FG_ROLLING_WINDOW", 50)
	if err != nil {
		return nil, err
	}
	if cfg.RollingWindow < 2 {
		return nil, fmt.Errorf("FG_ROLLING_WINDOW must be at least 2 (got: %d)", cfg.RollingWindow)
	}

	cfg.QueueConcurrency, err = getEnvIntOrDefault("FG_QUEUE_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}
	cfg.IngestConcurrency, err = getEnvIntOrDefault("FG_INGEST_CONCURRENCY", 2)
	if err != nil {
		return nil, err
	}
	cfg.ArtifactParallelism, err = getEnvIntOrDefault("FG_ARTIFACT_PARALLELISM", 3)
	if err != nil {
		return nil, err
	}
	if cfg.ArtifactParallelism < 1 {
		return nil, fmt.Errorf("FG_ARTIFACT_PARALLELISM must be at least 1 (got: %d)", cfg.ArtifactParallelism)
	}
	cfg.DownloadRetries, err = getEnvIntOrDefault("FG_DOWNLOAD_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	cfg.ArtifactMaxBytes, err = getEnvInt64OrDefault("FG_ARTIFACT_MAX_BYTES", 100*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.ArtifactMinBytes, err = getEnvInt64OrDefault("FG_ARTIFACT_MIN_BYTES", 100)
	if err != nil {
		return nil, err
	}

	cfg.JobTimeoutMS, err = getEnvIntOrDefault("FG_JOB_TIMEOUT_MS", 60000)
	if err != nil {
		return nil, err
	}
	cfg.IngestJobTimeoutMS, err = getEnvIntOrDefault("FG_INGEST_JOB_TIMEOUT_MS", 600000)
	if err != nil {
		return nil, err
	}

	cfg.RateLimitReserve, err = getEnvIntOrDefault("FG_RATE_LIMIT_RESERVE", 10)
	if err != nil {
		return nil, err
	}
	cfg.RateThrottleThreshold, err = getEnvIntOrDefault("FG_RATE_THROTTLE_THRESHOLD", 50)
	if err != nil {
		return nil, err
	}
	cfg.BreakerThreshold, err = getEnvIntOrDefault("FG_BREAKER_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	cfg.BreakerOpenTimeoutMS, err = getEnvIntOrDefault("FG_BREAKER_OPEN_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}

	cfg.RateLimitRPM, err = getEnvIntOrDefault("FG_RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes, err = getEnvInt64OrDefault("FG_MAX_UPLOAD_BYTES", 10*1024*1024)
	if err != nil {
		return nil, err
	}

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("FG_NOTIFY_WEBHOOK_URL"))
	if cfg.NotifyWebhookURL != "" {
		if err := validation.ValidateWebhookURL(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("FG_NOTIFY_WEBHOOK_URL: %w", err)
		}
	}
	cfg.NotifyTimeoutMS, err = getEnvIntOrDefault("FG_NOTIFY_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	if cfg.NotifyTimeoutMS <= 0 || cfg.NotifyTimeoutMS > 30000 {
		return nil, fmt.Errorf("FG_NOTIFY_TIMEOUT_MS must be between 1 and 30000 (got: %d)", cfg.NotifyTimeoutMS)
	}

	cfg.RetentionDays, err = getEnvIntOrDefault("FG_RETENTION_DAYS", 90)
	if err != nil {
		return nil, err
	}

	cfg.PollEnabled, err = getEnvBoolOrDefault("FG_POLL_ENABLED", true)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDev returns true if running in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// GitHubConfigured reports whether App credentials are present. Without
// them webhook intake still works but artifact download and polling do not.
func (c *Config) GitHubConfigured() bool {
	return c.GitHubAppID != 0 && c.GitHubPrivateKeyB64 != ""
}

// RedactedValues returns a map of config values with secrets redacted.
func (c *Config) RedactedValues() map[string]string {
	return map[string]string{
		"FG_ENV":                       c.Env,
		"FG_HTTP_ADDR":                 c.HTTPAddr,
		"FG_LOG_LEVEL":                 c.LogLevel,
		"FG_DB_DSN":                    redactDSN(c.DBDSN),
		"FG_DB_MAX_CONNS":              fmt.Sprintf("%d", c.DBMaxConns),
		"FG_REDIS_URL":                 redactDSN(c.RedisURL),
		"FG_GITHUB_APP_ID":             fmt.Sprintf("%d", c.GitHubAppID),
		"FG_GITHUB_PRIVATE_KEY_B64":    "[REDACTED]",
		"FG_GITHUB_WEBHOOK_SECRET":     "[REDACTED]",
		"FG_GITHUB_API_BASE_URL":       c.GitHubAPIBaseURL,
		"FG_WARN_THRESHOLD":            fmt.Sprintf("%.2f", c.WarnThreshold),
		"FG_QUARANTINE_THRESHOLD":      fmt.Sprintf("%.2f", c.QuarantineThreshold),
		"FG_MIN_RUNS_FOR_QUARANTINE":   fmt.Sprintf("%d", c.MinRunsForQuarantine),
		"FG_MIN_RECENT_FAILURES":       fmt.Sprintf("%d", c.MinRecentFailures),
		"FG_LOOKBACK_DAYS":             fmt.Sprintf("%d", c.LookbackDays),
		"FG_ROLLING_WINDOW":            fmt.Sprintf("%d", c.RollingWindow),
		"FG_QUEUE_CONCURRENCY":         fmt.Sprintf("%d", c.QueueConcurrency),
		"FG_INGEST_CONCURRENCY":        fmt.Sprintf("%d", c.IngestConcurrency),
		"FG_ARTIFACT_PARALLELISM":      fmt.Sprintf("%d", c.ArtifactParallelism),
		"FG_DOWNLOAD_RETRIES":          fmt.Sprintf("%d", c.DownloadRetries),
		"FG_ARTIFACT_MAX_BYTES":        fmt.Sprintf("%d", c.ArtifactMaxBytes),
		"FG_ARTIFACT_MIN_BYTES":        fmt.Sprintf("%d", c.ArtifactMinBytes),
		"FG_JOB_TIMEOUT_MS":            fmt.Sprintf("%d", c.JobTimeoutMS),
		"FG_INGEST_JOB_TIMEOUT_MS":     fmt.Sprintf("%d", c.IngestJobTimeoutMS),
		"FG_RATE_LIMIT_RESERVE":        fmt.Sprintf("%d", c.RateLimitReserve),
		"FG_RATE_THROTTLE_THRESHOLD":   fmt.Sprintf("%d", c.RateThrottleThreshold),
		"FG_BREAKER_THRESHOLD":         fmt.Sprintf("%d", c.BreakerThreshold),
		"FG_BREAKER_OPEN_TIMEOUT_MS":   fmt.Sprintf("%d", c.BreakerOpenTimeoutMS),
		"FG_RATE_LIMIT_RPM":            fmt.Sprintf("%d", c.RateLimitRPM),
		"FG_MAX_UPLOAD_BYTES":          fmt.Sprintf("%d", c.MaxUploadBytes),
		"FG_NOTIFY_WEBHOOK_URL":        redactDSN(c.NotifyWebhookURL),
		"FG_NOTIFY_TIMEOUT_MS":         fmt.Sprintf("%d", c.NotifyTimeoutMS),
		"FG_RETENTION_DAYS":            fmt.Sprintf("%d", c.RetentionDays),
		"FG_POLL_ENABLED":              fmt.Sprintf("%t", c.PollEnabled),
	}
}

func redactDSN(dsn string) string {
	if start := strings.Index(dsn, "://"); start != -1 {
		if end := strings.Index(dsn[start+3:], "@"); end != -1 {
			return dsn[:start+3] + "[REDACTED]" + dsn[start+3+end:]
		}
	}
	return dsn
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got: %q)", key, value)
	}
	return parsed, nil
}

func getEnvInt64OrDefault(key string, defaultValue int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got: %q)", key, value)
	}
	return parsed, nil
}

func getEnvFloatOrDefault(key string, defaultValue float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number (got: %q)", key, value)
	}
	return parsed, nil
}

func getEnvBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean (got: %q)", key, value)
	}
	return parsed, nil
}
