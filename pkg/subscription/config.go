package subscription

import (
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// Config configures a Manager.
type Config struct {
	// TrialDuration is the length of a local trial (default: 7 days)
	TrialDuration time.Duration

	// TotalCountBudget is divided by the plan's billing period in months to get
	// the number of cycles requested from the gateway (default: 120)
	TotalCountBudget int

	// AbandonedCheckoutTTL is how long a created record may wait for payment
	// before it is purged (default: 1 hour)
	AbandonedCheckoutTTL time.Duration

	// ExpiryGrace is added to the period end of a recurring record before it
	// is reported as expired on read (default: 24 hours, negative disables)
	ExpiryGrace time.Duration

	// CustomerNotify asks the gateway to email the customer about charges
	CustomerNotify bool

	// Metrics is used for tracking transitions and webhooks (default: NoopMetrics)
	Metrics billing.Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now overrides the clock, mainly for tests (default: time.Now in UTC)
	Now func() time.Time
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		TrialDuration:        7 * 24 * time.Hour,
		TotalCountBudget:     120,
		AbandonedCheckoutTTL: time.Hour,
		ExpiryGrace:          24 * time.Hour,
		Metrics:              &billing.NoopMetrics{},
		Logger:               &NoopLogger{},
		Now:                  func() time.Time { return time.Now().UTC() },
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrialDuration <= 0 {
		c.TrialDuration = d.TrialDuration
	}
	if c.TotalCountBudget <= 0 {
		c.TotalCountBudget = d.TotalCountBudget
	}
	if c.AbandonedCheckoutTTL <= 0 {
		c.AbandonedCheckoutTTL = d.AbandonedCheckoutTTL
	}
	if c.ExpiryGrace == 0 {
		c.ExpiryGrace = d.ExpiryGrace
	} else if c.ExpiryGrace < 0 {
		c.ExpiryGrace = 0
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}
