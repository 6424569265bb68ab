// Package notify posts pipeline events to an optional outbound webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Event names.
const (
	EventQuarantineRecommended = "quarantine_recommended"
	EventQuarantineActivated   = "quarantine_activated"
	EventQuarantineReleased    = "quarantine_released"
)

// Event is the plain JSON body posted to the webhook.
type Event struct {
	Event          string  `json:"event"`
	Repo           string  `json:"repo"`
	Test           string  `json:"test"`
	Score          float64 `json:"score"`
	Recommendation string  `json:"recommendation"`
	Rationale      string  `json:"rationale"`
}

// Notifier delivers events to a webhook URL. An empty URL disables it;
// Send becomes a no-op so callers never branch.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// New creates a notifier. timeoutMS bounds each delivery.
func New(webhookURL string, timeoutMS int) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutMS) * time.Millisecond,
		},
	}
}

// Enabled reports whether deliveries would actually go anywhere.
func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// Send delivers one event. It never returns an error: delivery failures
// are logged at WARN so a broken webhook cannot fail the pipeline.
func (n *Notifier) Send(ctx context.Context, ev Event) {
	if !n.Enabled() {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", ev.Event).
			Str("test", ev.Test).
			Msg("Failed to marshal notification payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", ev.Event).
			Msg("Failed to create notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", ev.Event).
			Str("repo", ev.Repo).
			Str("test", ev.Test).
			Msg("Failed to deliver notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("event", ev.Event).
			Str("repo", ev.Repo).
			Str("test", ev.Test).
			Msg("Notification webhook returned non-success status")
		return
	}

	log.Info().
		Str("event", ev.Event).
		Str("repo", ev.Repo).
		Str("test", ev.Test).
		Float64("score", ev.Score).
		Msg("Notification delivered")
}
