// Package api exposes the subscription lifecycle over JSON HTTP endpoints.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gosubscription/pkg/internal/httpx"
	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

const (
	defaultMaxBodyBytes = httpx.DefaultBodyLimit
	maxUserIDLen        = 255
	noActiveMessage     = "No active subscription found"
)

// Handler provides HTTP endpoints for the subscription lifecycle
type Handler struct {
	config  Config
	limiter *httpx.RateLimiter
}

func newHandler(config Config) *Handler {
	h := &Handler{config: config}
	if config.WebhookRateLimit > 0 {
		h.limiter = httpx.NewRateLimiter(config.WebhookRateLimit, config.WebhookRateWindow)
	}
	return h
}

// Routes returns a router with every endpoint mounted under /subscription.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/subscription", func(r chi.Router) {
		r.Post("/create", h.Create)
		r.Post("/upgrade", h.Upgrade)
		r.Post("/end-trial", h.EndTrial)
		r.Post("/verify", h.Verify)
		r.Post("/sync", h.Sync)
		r.Get("/status", h.Status)
		if h.limiter != nil {
			r.With(h.limiter.Middleware).Post("/webhook", h.Webhook)
		} else {
			r.Post("/webhook", h.Webhook)
		}
	})
	return r
}

// Create starts a trial or opens a paid checkout
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var body CreateRequest
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.config.Manager.Create(r.Context(), subscription.CreateRequest{
		UserID:     userID,
		Email:      h.email(r),
		PlanID:     body.PlanID,
		StartTrial: body.StartTrial,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CreateResponse{
		Success:      true,
		IsTrial:      res.IsTrial,
		Subscription: res.Subscription,
	})
}

// Upgrade moves the user's live subscription to another plan
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var body UpgradeRequest
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.config.Manager.Upgrade(r.Context(), subscription.UpgradeRequest{
		UserID:    userID,
		Email:     h.email(r),
		NewPlanID: body.NewPlanID,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UpgradeResponse{
		Success:         true,
		OldSubscription: res.OldSubscription,
		NewSubscription: res.NewSubscription,
	})
}

// EndTrial converts the running trial into a paid period
func (h *Handler) EndTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Manager.EndTrial(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Success: true, Subscription: sub})
}

// Verify checks the checkout callback and activates the subscription
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var body VerifyRequest
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.config.Manager.Verify(r.Context(), subscription.VerifyRequest{
		UserID:                userID,
		PaymentID:             body.PaymentID,
		GatewaySubscriptionID: body.SubscriptionID,
		Signature:             body.Signature,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, VerifyResponse{
		Success:      true,
		Verified:     res.Verified,
		Payment:      res.Payment,
		Subscription: res.Subscription,
	})
}

// Sync reconciles the user's subscription with the gateway
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	res, err := h.config.Manager.Sync(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		Success:      true,
		Subscription: res.Subscription,
		Message:      res.Message,
	})
}

// Status returns the user's current subscription
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Manager.Status(r.Context(), userID)
	if errors.Is(err, subscription.ErrNoSubscription) {
		h.writeJSON(w, http.StatusOK, SubscriptionResponse{Success: true, Message: noActiveMessage})
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Success: true, Subscription: sub})
}

// identify resolves the caller's user id, writing a 401 when it is missing.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, subscription.ErrUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid user ID format"))
		return "", false
	}
	return userID, true
}

func (h *Handler) email(r *http.Request) string {
	if h.config.GetEmail == nil {
		return ""
	}
	return h.config.GetEmail(r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := httpx.DecodeJSON(w, r, h.config.MaxBodyBytes, v)
	if err == nil {
		return true
	}
	if errors.Is(err, httpx.ErrPayloadTooLarge) {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, err)
	} else {
		h.writeError(w, r, http.StatusBadRequest, err)
	}
	return false
}

// handleError maps a manager error to its status code and public message
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := subscription.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			subscription.Field{Key: "path", Value: r.URL.Path},
			subscription.Field{Key: "error", Value: err.Error()})
	}
	h.writeError(w, r, status, errors.New(subscription.PublicMessage(err)))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, status, ErrorResponse{Success: false, Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	httpx.SetSecurityHeaders(w)
	if err := httpx.WriteJSON(w, status, v); err != nil {
		h.config.Logger.Warn("response encode failed", subscription.Field{Key: "error", Value: err.Error()})
	}
}
