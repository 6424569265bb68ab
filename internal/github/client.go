// Package github is the CI-provider adapter: GitHub App authentication,
// workflow run and artifact access, rate-limit awareness and retries.
package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/metrics"
)

const (
	acceptHeader = "application/vnd.github+json"
	apiVersion   = "2022-11-28"
	userAgent    = "flakeguard"

	maxAttempts    = 3
	backoffBase    = time.Second
	backoffFactor  = 2
	backoffJitter  = 0.1
	backoffCeiling = 30 * time.Second

	perPage  = 100
	maxPages = 10
)

// Options configure a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL            string
	AppID              int64
	PrivateKeyB64      string
	RateLimitReserve   int
	ThrottleThreshold  int
	BreakerThreshold   int
	BreakerOpenTimeout time.Duration
	RequestTimeout     time.Duration
	Gate               *Gate
	Metrics            *metrics.Metrics
}

// Client talks to the GitHub REST API on behalf of App installations.
// One Client serves all installations; tokens are cached per installation.
type Client struct {
	baseURL    string
	appID      int64
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	backoff    time.Duration

	reserve  int
	throttle int
	gate     *Gate
	rates    rateState
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.Metrics

	tokenMu sync.Mutex
	tokens  map[int64]installationToken
}

// NewClient builds the adapter from App credentials.
func NewClient(opts Options) (*Client, error) {
	if opts.AppID == 0 || opts.PrivateKeyB64 == "" {
		return nil, fmt.Errorf("github app id and private key are required")
	}
	key, err := ParsePrivateKey(opts.PrivateKeyB64)
	if err != nil {
		return nil, err
	}

	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	if opts.RateLimitReserve <= 0 {
		opts.RateLimitReserve = 10
	}
	if opts.ThrottleThreshold <= 0 {
		opts.ThrottleThreshold = 50
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Gate == nil {
		opts.Gate = NewGate()
	}

	threshold := uint32(opts.BreakerThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github",
		MaxRequests: 2,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:    opts.BaseURL,
		appID:      opts.AppID,
		privateKey: key,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		backoff:    backoffBase,
		reserve:    opts.RateLimitReserve,
		throttle:   opts.ThrottleThreshold,
		gate:       opts.Gate,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		breaker:    breaker,
		metrics:    opts.Metrics,
		tokens:     make(map[int64]installationToken),
	}, nil
}

// Gate exposes the process-wide rate-limit sentinel for schedulers.
func (c *Client) Gate() *Gate {
	return c.gate
}

// checkQuota applies the fail-fast reserve and the soft throttle before
// an outbound call. With the reserve breached it arms the gate and fails
// without issuing the request.
func (c *Client) checkQuota(ctx context.Context) error {
	now := time.Now()
	if until, blocked := c.gate.Blocked(now); blocked {
		return apperrors.Newf(apperrors.CodeRateLimited, "rate limit gate armed until %s", until.UTC().Format(time.RFC3339))
	}

	remaining, resetAt, known := c.rates.snapshot()
	if !known {
		return nil
	}
	if remaining <= c.reserve && now.Before(resetAt) {
		c.gate.Arm(resetAt)
		return apperrors.Newf(apperrors.CodeRateLimited, "api quota exhausted (remaining %d <= reserve %d), resets %s",
			remaining, c.reserve, resetAt.UTC().Format(time.RFC3339))
	}
	if remaining < c.throttle {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) countRequest(method, class string) {
	if c.metrics != nil {
		c.metrics.GitHubRequests.WithLabelValues(method, class).Inc()
	}
}

// observeResponse records quota headers and the request metric.
func (c *Client) observeResponse(method string, resp *http.Response) {
	if remaining, resetAt, ok := parseRateHeaders(resp.Header); ok {
		c.rates.observe(remaining, resetAt)
		if c.metrics != nil {
			c.metrics.GitHubRateLimitRemaining.Set(float64(remaining))
		}
	}
	c.countRequest(method, statusClass(resp.StatusCode))
}

// request runs one API call with installation auth, the circuit breaker
// and the retry budget. handle consumes the response body on 2xx.
// Transport errors and 5xx answers count against the breaker; everything
// else is the caller's problem and leaves it closed.
func (c *Client) request(ctx context.Context, method, path string, installationID int64, handle func(*http.Response) error) error {
	var lastErr error
	authRetried := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.checkQuota(ctx); err != nil {
			return err
		}

		token, err := c.installationToken(ctx, installationID)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		req.Header.Set("User-Agent", userAgent)

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.countRequest(method, "error")
				return nil, apperrors.Wrap(apperrors.CodeNetwork, "request failed", err)
			}
			if resp.StatusCode >= 500 {
				c.observeResponse(method, resp)
				resp.Body.Close()
				return nil, apperrors.Newf(apperrors.CodeNetwork, "%s %s returned %d", method, path, resp.StatusCode)
			}
			return resp, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return apperrors.Wrap(apperrors.CodeCircuitOpen, "github circuit breaker open", err)
			}
			lastErr = err
			if attempt < maxAttempts {
				if waitErr := sleepCtx(ctx, c.nextDelay(attempt, 0)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return lastErr
		}

		resp := result.(*http.Response)
		c.observeResponse(method, resp)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			err := handle(resp)
			resp.Body.Close()
			return err

		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			c.evictToken(installationID)
			if !authRetried {
				authRetried = true
				continue
			}
			return apperrors.Newf(apperrors.CodeAuthentication, "%s %s unauthorized", method, path)

		case resp.StatusCode == http.StatusTooManyRequests || isSecondaryLimit(resp):
			wait := retryAfter(resp.Header)
			if _, resetAt, ok := parseRateHeaders(resp.Header); ok && wait == 0 {
				wait = time.Until(resetAt)
			}
			if wait > 0 {
				c.gate.Arm(time.Now().Add(wait))
			}
			resp.Body.Close()
			return apperrors.Newf(apperrors.CodeRateLimited, "%s %s rate limited", method, path)

		case resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return apperrors.Newf(apperrors.CodePermission, "%s %s forbidden", method, path)

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return apperrors.Newf(apperrors.CodeNotFound, "%s %s not found", method, path)

		case resp.StatusCode == http.StatusGone:
			resp.Body.Close()
			return apperrors.Newf(apperrors.CodeArtifactExpired, "%s %s gone", method, path)

		default:
			resp.Body.Close()
			return apperrors.Newf(apperrors.CodeValidation, "%s %s returned %d", method, path, resp.StatusCode)
		}
	}
	return lastErr
}

// isSecondaryLimit detects the 403 GitHub uses for abuse/secondary rate
// limits, distinguished from plain permission errors by its headers.
func isSecondaryLimit(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0"
}

// nextDelay is the jittered exponential backoff before retry attempt+1,
// floored at any server-requested wait.
func (c *Client) nextDelay(attempt int, floor time.Duration) time.Duration {
	d := float64(c.backoff) * math.Pow(backoffFactor, float64(attempt-1))
	if d > float64(backoffCeiling) {
		d = float64(backoffCeiling)
	}
	jittered := time.Duration(d * (1 + (rand.Float64()*2-1)*backoffJitter))
	if floor > jittered {
		jittered = floor
	}
	if jittered > backoffCeiling {
		jittered = backoffCeiling
	}
	return jittered
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
