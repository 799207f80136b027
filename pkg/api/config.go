package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *subscription.Manager

	// Gateway verifies and decodes webhook deliveries (required)
	Gateway billing.Gateway

	// GetUserID extracts the authenticated user id from the request (required)
	GetUserID func(*http.Request) string

	// GetEmail optionally extracts the user's email, used for trial eligibility
	GetEmail func(*http.Request) string

	// OnError handles errors (auth, validation, internal, etc.)
	// If nil, writes {success:false, error} with the mapped status code
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// WebhookRateLimit is the number of webhook requests allowed per client IP
	// per WebhookRateWindow (default: 100 per minute, negative disables)
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// Logger is used for request-level failures (default: NoopLogger)
	Logger subscription.Logger

	// Metrics records webhook rejections before they reach the manager (default: NoopMetrics)
	Metrics billing.Metrics
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.Gateway == nil {
		return fmt.Errorf("gateway is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.WebhookRateLimit == 0 {
		config.WebhookRateLimit = 100
	}
	if config.WebhookRateWindow <= 0 {
		config.WebhookRateWindow = time.Minute
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	return newHandler(config), nil
}

// Helper functions for common identity extraction patterns

// FromHeader returns an extractor that reads a request header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns an extractor that reads a string from the request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}
