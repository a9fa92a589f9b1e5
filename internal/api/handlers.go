/**
 * @description
 * This file contains the HTTP handler for payment processor webhooks. It is the
 * entry point of the fulfillment pipeline.
 *
 * Key features:
 * - Security: verifies the signature over the raw body before anything is decoded.
 * - Status mapping: 400 for signature or format failures, 500 for transient
 *   failures the processor should redeliver, 200 for everything else.
 *
 * @dependencies
 * - internal/webhookauth: signature verification and event decoding.
 * - internal/app: the fulfillment pipeline.
 * - internal/metrics: request counters and timings.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/RayIwobi/Ecom-backend/internal/app"
	"github.com/RayIwobi/Ecom-backend/internal/domain"
	"github.com/RayIwobi/Ecom-backend/internal/metrics"
	"github.com/RayIwobi/Ecom-backend/internal/webhookauth"
)

// MaxBodyBytes caps the webhook payload size.
const MaxBodyBytes = 1 << 20

// SignatureHeader carries the processor's signature.
const SignatureHeader = "Stripe-Signature"

// EventHandler runs the pipeline for a verified event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event domain.IncomingEvent) (app.Outcome, error)
}

// WebhookHandler processes incoming payment processor webhooks.
type WebhookHandler struct {
	service   EventHandler
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service EventHandler, secret string, tolerance time.Duration, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		service:   service,
		secret:    secret,
		tolerance: tolerance,
		logger:    logger,
		now:       time.Now,
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.WebhookProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	logger := h.logger.With("request_id", middleware.GetReqID(r.Context()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhookRejectedTotal.WithLabelValues("body_too_large").Inc()
			logger.Warn("webhook body exceeds limit", "limit", MaxBodyBytes)
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "payload too large"})
			return
		}
		metrics.WebhookRejectedTotal.WithLabelValues("read_error").Inc()
		logger.Warn("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "cannot read body"})
		return
	}

	event, err := webhookauth.ConstructEvent(body, r.Header.Get(SignatureHeader), h.secret,
		webhookauth.WithTolerance(h.tolerance),
		webhookauth.WithClock(h.now),
	)
	if err != nil {
		reason := "malformed_event"
		if errors.Is(err, webhookauth.ErrSignatureInvalid) {
			reason = "signature_invalid"
		}
		metrics.WebhookRejectedTotal.WithLabelValues(reason).Inc()
		logger.Warn("webhook verification failed", "reason", reason, "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "webhook verification failed"})
		return
	}

	outcome, err := h.service.HandleEvent(r.Context(), event)
	metrics.WebhookEventsTotal.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		logger.Error("webhook processing failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Outcome: string(outcome), Error: "webhook processing failed"})
		return
	}

	logger.Info("webhook processed", "event_id", event.ID, "event_type", string(event.Type), "outcome", string(outcome))
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: string(outcome)})
}
