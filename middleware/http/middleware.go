// Package http provides HTTP middleware that gates routes on the caller's
// subscription status.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// StatusReader resolves a user's current subscription. *subscription.Manager
// implements it.
type StatusReader interface {
	Status(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager resolves the current subscription (required)
	Manager StatusReader

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// AllowStatuses lists the statuses that are admitted
	// Default: active, trial
	AllowStatuses []subscription.Status

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnPaymentRequired is called when the user has no admitted subscription.
	// sub is nil when the user has no live subscription at all.
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, sub *subscription.Subscription)

	// OnError is called when the lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// DefaultAllowStatuses are the statuses admitted when none are configured.
var DefaultAllowStatuses = []subscription.Status{subscription.StatusActive, subscription.StatusTrial}

// Middleware creates an HTTP middleware that admits only entitled users
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gosubscription/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("gosubscription/http: Config.GetUserID is required")
	}
	if len(config.AllowStatuses) == 0 {
		config.AllowStatuses = DefaultAllowStatuses
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			sub, err := config.Manager.Status(r.Context(), userID)
			if err != nil && !errors.Is(err, subscription.ErrNoSubscription) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			if sub == nil || !allowed(sub.Status, config.AllowStatuses) {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, sub)
				} else {
					writeJSON(w, http.StatusPaymentRequired, "Active subscription required")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), sub)))
		})
	}
}

// HandlerFunc creates the middleware in HandlerFunc form
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func allowed(status subscription.Status, statuses []subscription.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subscription:userID"

	// SubscriptionKey is the context key for the admitted subscription
	SubscriptionKey ContextKey = "subscription:current"
)

// WithSubscription stores sub in ctx.
func WithSubscription(ctx context.Context, sub *subscription.Subscription) context.Context {
	return context.WithValue(ctx, SubscriptionKey, sub)
}

// SubscriptionFromContext returns the subscription the middleware admitted, if any.
func SubscriptionFromContext(ctx context.Context) (*subscription.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*subscription.Subscription)
	return sub, ok && sub != nil
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
