// Package echo provides Echo middleware that gates routes on the caller's
// subscription status.
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// SubscriptionKey is the Echo context key holding the admitted subscription.
const SubscriptionKey = "subscription"

// StatusReader resolves a user's current subscription. *subscription.Manager
// implements it.
type StatusReader interface {
	Status(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnPaymentRequired is called when the user has no admitted subscription
	// (sub is nil when nothing is live). If nil, returns 402 Payment Required
	OnPaymentRequired func(c echo.Context, sub *subscription.Subscription) error

	// OnError is called when the lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only entitled users
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("gosubscription/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubscription/echo: Config.GetUserID is required")
	}
	if len(cfg.AllowStatuses) == 0 {
		cfg.AllowStatuses = []subscription.Status{subscription.StatusActive, subscription.StatusTrial}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			sub, err := cfg.Manager.Status(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, subscription.ErrNoSubscription) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if sub == nil || !allowed(sub.Status, cfg.AllowStatuses) {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, sub)
				}
				return defaultPaymentRequired(c, sub)
			}

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
	}
}

// Current returns the subscription the middleware admitted, if any.
func Current(c echo.Context) (*subscription.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*subscription.Subscription)
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

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "Unauthorized"})
}

func defaultPaymentRequired(c echo.Context, sub *subscription.Subscription) error {
	body := map[string]interface{}{"success": false, "error": "Active subscription required"}
	if sub != nil {
		body["status"] = sub.Status
	}
	return c.JSON(http.StatusPaymentRequired, body)
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
