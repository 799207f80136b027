package billing

import "time"

// Config defines the standard configuration all gateways should accept
type Config struct {
	// KeyID is the public API key id used for outbound API calls.
	KeyID string

	// KeySecret authenticates outbound API calls and signs checkout callbacks.
	KeySecret string

	// WebhookSecret is used to verify incoming webhook requests. It is configured
	// separately from KeySecret in the provider dashboard.
	WebhookSecret string

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// BreakerThreshold is the number of consecutive API failures that opens the
	// circuit. Zero disables the breaker.
	BreakerThreshold int

	// BreakerResetTimeout is how long the circuit stays open before a trial call.
	// Default: 30s
	BreakerResetTimeout time.Duration
}
