// Package webhook receives, verifies and queues GitHub webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
	"github.com/thc1006/flakeguard/internal/jobs"
	"github.com/thc1006/flakeguard/internal/metrics"
	"github.com/thc1006/flakeguard/internal/queue"
)

const (
	// GitHub caps webhook payloads at 25 MB but the events we consume stay
	// far below this; anything larger is not a delivery we want in memory.
	maxBodyBytes = 2 << 20

	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
	signatureHeader = "X-Hub-Signature-256"

	enqueueAttempts = 3
	enqueueBackoff  = 5 * time.Second
)

// relevantEvents are the delivery types the pipeline acts on. Everything
// else is acknowledged and dropped so GitHub does not retry it.
var relevantEvents = map[string]bool{
	"workflow_run": true,
	"workflow_job": true,
	"check_run":    true,
	"check_suite":  true,
	"pull_request": true,
}

// Handler verifies webhook signatures and queues relevant deliveries.
type Handler struct {
	secret  []byte
	queue   *queue.Queue
	metrics *metrics.Metrics
}

// NewHandler builds the intake handler over the events queue.
func NewHandler(secret string, q *queue.Queue, m *metrics.Metrics) *Handler {
	return &Handler{secret: []byte(secret), queue: q, metrics: m}
}

// VerifySignature reports whether header carries a valid
// "sha256=..." HMAC of body under secret. Comparison is constant time.
func VerifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	claimed, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(claimed, mac.Sum(nil))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(eventHeader)
	deliveryID := r.Header.Get(deliveryHeader)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.count(event, "too_large")
			apperrors.WritePayloadTooLarge(w, r, "webhook body exceeds size limit")
			return
		}
		h.count(event, "read_error")
		apperrors.WriteValidation(w, r, "failed to read request body")
		return
	}

	if !VerifySignature(h.secret, body, r.Header.Get(signatureHeader)) {
		h.count(event, "bad_signature")
		apperrors.WriteUnauthorized(w, r, "invalid webhook signature")
		return
	}

	if event == "" || deliveryID == "" {
		h.count(event, "missing_headers")
		apperrors.WriteValidation(w, r, "missing X-GitHub-Event or X-GitHub-Delivery header")
		return
	}

	if !relevantEvents[event] {
		h.count(event, "ignored")
		apperrors.WriteSuccess(w, r, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	// Completed workflow runs unlock artifact ingestion, so they jump the
	// line ahead of intermediate state updates.
	priority := queue.PriorityNormal
	if event == "workflow_run" && payloadAction(body) == "completed" {
		priority = queue.PriorityHigh
	}

	_, err = h.queue.Enqueue(r.Context(), jobs.TypeWebhookEvent, jobs.WebhookEventPayload{
		DeliveryID: deliveryID,
		Event:      event,
		Payload:    body,
	}, queue.EnqueueOptions{
		JobID:    deliveryID,
		Priority: priority,
		Attempts: enqueueAttempts,
		Backoff:  enqueueBackoff,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("event", event).
			Str("delivery_id", deliveryID).
			Msg("Failed to enqueue webhook delivery")
		h.count(event, "enqueue_error")
		apperrors.WriteError(w, r, http.StatusInternalServerError,
			string(apperrors.CodePersistence), "failed to queue delivery")
		return
	}

	log.Info().
		Str("event", event).
		Str("delivery_id", deliveryID).
		Str("priority", string(priority)).
		Msg("Webhook delivery queued")
	h.count(event, "queued")
	apperrors.WriteSuccess(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
}

func payloadAction(body []byte) string {
	var p struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}
	return p.Action
}

func (h *Handler) count(event, outcome string) {
	if h.metrics == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	h.metrics.WebhooksReceived.WithLabelValues(event, outcome).Inc()
}
