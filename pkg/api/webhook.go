package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/gosubscription/pkg/billing"
	"github.com/mihaimyh/gosubscription/pkg/billing/razorpay"
	"github.com/mihaimyh/gosubscription/pkg/internal/httpx"
	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Webhook receives gateway event deliveries. The signature is checked over the
// raw body before anything is decoded. Processing failures answer 500 so the
// gateway retries.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := h.config.Gateway.Name()
	metrics := h.config.Metrics

	body, err := httpx.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			metrics.RecordWebhookError(provider, "payload_too_large")
			h.writeError(w, r, http.StatusRequestEntityTooLarge, err)
		} else {
			metrics.RecordWebhookError(provider, "invalid_payload")
			h.writeError(w, r, http.StatusBadRequest, err)
		}
		return
	}

	if !h.config.Gateway.VerifyWebhookSignature(body, r.Header.Get(razorpay.SignatureHeader)) {
		metrics.RecordWebhookError(provider, "auth_failed")
		h.config.Logger.Warn("webhook signature rejected",
			subscription.Field{Key: "remote_ip", Value: httpx.ClientIP(r)})
		h.writeError(w, r, http.StatusBadRequest, billing.ErrInvalidWebhookSignature)
		return
	}

	ev, err := h.config.Gateway.ParseWebhook(body)
	if err != nil {
		metrics.RecordWebhookError(provider, "invalid_payload")
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ev.ID = r.Header.Get(razorpay.EventIDHeader)

	if err := h.config.Manager.HandleWebhook(r.Context(), ev); err != nil {
		h.config.Logger.Error("webhook processing failed",
			subscription.Field{Key: "event", Value: string(ev.Kind)},
			subscription.Field{Key: "event_id", Value: ev.ID},
			subscription.Field{Key: "error", Value: err.Error()})
		h.writeError(w, r, http.StatusInternalServerError, errors.New("failed to process webhook"))
		return
	}
	h.writeJSON(w, http.StatusOK, WebhookResponse{Success: true, Received: true})
}
