// Package fiber provides Fiber middleware that gates routes on the caller's
// subscription status.
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// SubscriptionKey is the Locals key holding the admitted subscription.
const SubscriptionKey = "subscription"

// StatusReader resolves a user's current subscription. *subscription.Manager
// implements it.
type StatusReader interface {
	Status(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnPaymentRequired is called when the user has no admitted subscription
	// (sub is nil when nothing is live). If nil, returns 402 Payment Required
	OnPaymentRequired func(c *fiber.Ctx, sub *subscription.Subscription) error

	// OnError is called when the lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only entitled users
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gosubscription/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubscription/fiber: Config.GetUserID is required")
	}
	if len(cfg.AllowStatuses) == 0 {
		cfg.AllowStatuses = []subscription.Status{subscription.StatusActive, subscription.StatusTrial}
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		sub, err := cfg.Manager.Status(c.UserContext(), userID)
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

		c.Locals(SubscriptionKey, sub)
		return c.Next()
	}
}

// Current returns the subscription the middleware admitted, if any.
func Current(c *fiber.Ctx) (*subscription.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*subscription.Subscription)
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

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "error": "Unauthorized"})
}

func defaultPaymentRequired(c *fiber.Ctx, sub *subscription.Subscription) error {
	body := fiber.Map{"success": false, "error": "Active subscription required"}
	if sub != nil {
		body["status"] = sub.Status
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(body)
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals,
// e.g. set by an auth middleware via c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
