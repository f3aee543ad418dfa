// Package handlers contains the HTTP handler implementations for the expensio
// billing service.
//
// The webhook endpoint is NOT behind auth middleware -- it is called directly
// by the payment provider. Security is provided by verifying the provider's
// signature header with HMAC-SHA256 and by the replay guard.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"expensio/internal/billing"
	"expensio/internal/core"
	"expensio/internal/external"
	"expensio/internal/replay"
	"expensio/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload (64 KB).
// Provider payloads are typically small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// WebhookHandler receives provider webhook deliveries, runs the verification
// pipeline, and dispatches verified events to the reconciliation handlers.
//
// Response contract, in pipeline order:
//
//	400  missing signature header, unreadable body, malformed envelope or payload
//	401  signature verification failed (body code names the reason)
//	409  event ID already accepted within the replay window
//	200  processed, or deliberately ignored (unknown type, unresolvable org)
//	500  persistence failure; the provider retries with the same event ID
type WebhookHandler struct {
	verifier external.WebhookVerifier
	guard    replay.Guard
	routes   map[string]billing.HandlerFunc
	audit    billing.AuditTrail
	metrics  *core.Metrics
	secret   types.SecretString
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. routes is the reconciler's
// dispatch table; event types absent from it are acknowledged and ignored.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	guard replay.Guard,
	routes map[string]billing.HandlerFunc,
	auditTrail billing.AuditTrail,
	metrics *core.Metrics,
	secret types.SecretString,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		guard:    guard,
		routes:   routes,
		audit:    auditTrail,
		metrics:  metrics,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Only POST is registered; chi
// answers other methods with 405.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// webhookEnvelope is the outer event structure common to all deliveries.
type webhookEnvelope struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data webhookEventData `json:"data"`
}

type webhookEventData struct {
	Object json.RawMessage `json:"object"`
}

// Handle processes one webhook delivery.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := ""
	outcome := core.OutcomeError
	defer func() {
		h.metrics.RecordEvent(eventType, outcome, time.Since(start))
	}()

	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		outcome = core.OutcomeRejected
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get(external.SignatureHeader)
	if sigHeader == "" {
		h.logger.WarnContext(ctx, "missing webhook signature header")
		outcome = core.OutcomeRejected
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignatureMissing,
			"missing signature header", nil))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		h.audit.SecurityAlert(ctx, "", types.AuditDetail{
			"reason":      "signature_verification_failed",
			"failure":     errorCode(err),
			"remote_addr": r.RemoteAddr,
		})
		outcome = core.OutcomeRejected
		core.Error(w, r, err)
		return
	}

	var event webhookEnvelope
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.WarnContext(ctx, "malformed webhook envelope", "error", err)
		outcome = core.OutcomeRejected
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"malformed event envelope", err))
		return
	}
	if event.ID == "" || event.Type == "" {
		outcome = core.OutcomeRejected
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"event envelope is missing id or type", nil))
		return
	}
	eventType = event.Type

	replayed, err := h.guard.CheckAndMark(ctx, event.ID)
	if err != nil {
		// Fail open: a broken guard backend must not take down billing
		// ingestion. The idempotent handlers make a duplicate harmless.
		h.logger.ErrorContext(ctx, "replay guard check failed, continuing",
			"event_id", event.ID, "error", err)
	}
	if replayed {
		h.logger.WarnContext(ctx, "replayed webhook event rejected",
			"event_id", event.ID, "event_type", event.Type)
		h.audit.SecurityAlert(ctx, "", types.AuditDetail{
			"reason":      "replayed_event",
			"event_id":    event.ID,
			"event_type":  event.Type,
			"remote_addr": r.RemoteAddr,
		})
		outcome = core.OutcomeReplayed
		core.Error(w, r, types.NewAppError(types.ErrCodeConflictReplay,
			"event was already processed", nil))
		return
	}

	handler, ok := h.routes[event.Type]
	if !ok {
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_id", event.ID, "event_type", event.Type)
		outcome = core.OutcomeUnhandled
		h.ack(w, r)
		return
	}

	h.logger.InfoContext(ctx, "processing webhook event",
		"event_id", event.ID, "event_type", event.Type)

	if err := handler(ctx, event.Data.Object); err != nil {
		// Release the replay mark so the provider's retry of this event
		// is not rejected with a 409.
		if ferr := h.guard.Forget(ctx, event.ID); ferr != nil {
			h.logger.ErrorContext(ctx, "failed to release replay mark",
				"event_id", event.ID, "error", ferr)
		}
		h.logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		outcome = core.OutcomeError
		core.Error(w, r, err)
		return
	}

	outcome = core.OutcomeProcessed
	h.ack(w, r)
}

// ack acknowledges a delivery. Soft-failed events (unresolvable references,
// unknown types) take this path too, so the provider stops redelivering them.
func (h *WebhookHandler) ack(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]bool{"received": true},
	})
}

// errorCode extracts the AppError code for audit detail, or "unknown".
func errorCode(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	return "unknown"
}
