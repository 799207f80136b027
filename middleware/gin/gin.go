// Package gin provides Gin middleware that gates routes on the caller's
// subscription status.
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// SubscriptionKey is the Gin context key holding the admitted subscription.
const SubscriptionKey = "subscription"

// StatusReader resolves a user's current subscription. *subscription.Manager
// implements it.
type StatusReader interface {
	Status(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager resolves the current subscription (required)
	Manager StatusReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// AllowStatuses lists the statuses that are admitted
	// Default: active, trial
	AllowStatuses []subscription.Status

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnPaymentRequired is called when the user has no admitted subscription
	// (sub is nil when nothing is live). If nil, returns 402 Payment Required
	OnPaymentRequired func(c *gongin.Context, sub *subscription.Subscription)

	// OnError is called when the lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits only entitled users
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("gosubscription/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubscription/gin: Config.GetUserID is required")
	}
	if len(cfg.AllowStatuses) == 0 {
		cfg.AllowStatuses = []subscription.Status{subscription.StatusActive, subscription.StatusTrial}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		sub, err := cfg.Manager.Status(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, subscription.ErrNoSubscription) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if sub == nil || !allowed(sub.Status, cfg.AllowStatuses) {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, sub)
			} else {
				defaultPaymentRequired(c, sub)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

// Current returns the subscription the middleware admitted, if any.
func Current(c *gongin.Context) (*subscription.Subscription, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return nil, false
	}
	sub, ok := val.(*subscription.Subscription)
	return sub, ok && sub != nil
}

func allowed(status subscription.Status, statuses []subscription.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"success": false, "error": "Unauthorized"})
}

func defaultPaymentRequired(c *gongin.Context, sub *subscription.Subscription) {
	body := gongin.H{"success": false, "error": "Active subscription required"}
	if sub != nil {
		body["status"] = sub.Status
	}
	c.JSON(http.StatusPaymentRequired, body)
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"success": false, "error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an upstream auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
