package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"botvip/internal/audit"
	"botvip/internal/dedupe"
	"botvip/internal/metrics"
)

const (
	webhookBodyLimit = 1 << 20
	eventClaimTTL    = 72 * time.Hour
)

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

type Verifier interface {
	Verified() bool
}

// WebhookHandler serves POST /webhook.
type WebhookHandler struct {
	provider   PaymentProvider
	reconciler *Reconciler
	claims     dedupe.Store
	audit      audit.Auditor
	verified   bool
}

func NewWebhookHandler(provider PaymentProvider, rec *Reconciler, claims dedupe.Store, a audit.Auditor) *WebhookHandler {
	if a == nil {
		a = audit.Discard{}
	}
	verified := true
	if v, ok := provider.(Verifier); ok {
		verified = v.Verified()
	}
	if !verified {
		log.Warn().Msg("WEBHOOK_SECRET is not set: Stripe webhooks are accepted WITHOUT signature verification")
	}
	return &WebhookHandler{
		provider:   provider,
		reconciler: rec,
		claims:     claims,
		audit:      a,
		verified:   verified,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	outcome := "processed"
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if !h.verified {
		log.Warn().Msg("Processing unverified Stripe webhook")
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "rejected"
		webhookError(w, "failed to read request body")
		return
	}

	ev, err := h.provider.VerifyAndParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		outcome = "rejected"
		log.Warn().Err(err).Msg("Rejected Stripe webhook")
		webhookError(w, err.Error())
		return
	}
	eventType = ev.Type
	logger := log.With().Str("event_id", ev.ID).Str("type", ev.Type).Logger()

	// processing must not die with the HTTP request
	ctx := context.WithoutCancel(r.Context())

	claimKey := "stripe:event:" + ev.ID
	if ev.ID != "" && h.claims != nil {
		fresh, err := h.claims.Claim(ctx, claimKey, eventClaimTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("Event dedupe unavailable, processing anyway")
		} else if !fresh {
			outcome = "duplicate"
			logger.Info().Msg("Duplicate Stripe event ignored")
			writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "duplicate"})
			return
		}
	}

	if err := h.reconciler.Handle(ctx, ev); err != nil {
		outcome = "error"
		logger.Error().Err(err).Msg("Stripe webhook processing failed")
		h.audit.Notify(ctx, fmt.Sprintf("🚨 Falha ao processar evento %s (%s): %v", ev.Type, ev.ID, err))
		// a manual resend from the Stripe dashboard must be able to retry
		if ev.ID != "" && h.claims != nil {
			if err := h.claims.Release(ctx, claimKey); err != nil {
				logger.Warn().Err(err).Msg("Failed to release event claim")
			}
		}
	} else {
		logger.Info().Msg("Stripe webhook processed")
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}

func webhookError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = fmt.Fprintf(w, "Webhook Error: %s", reason)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
