// Package config loads service configuration from the environment, reading
// a .env file first when one is present.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mihaimyh/gosubscription/pkg/billing"
	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Storage backends accepted in STORAGE_BACKEND.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

type Config struct {
	// Server configuration
	Port     string
	LogLevel string

	// Razorpay credentials
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string

	// Storage configuration
	StorageBackend     string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	FirestoreProjectID string

	// Lifecycle tuning
	TrialDays            int
	TotalCountBudget     int
	AbandonedCheckoutTTL time.Duration
	JanitorInterval      time.Duration

	MetricsNamespace string

	Plans []subscription.Plan
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// A missing .env is fine; the environment may be set directly
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		RazorpayKeyID:         getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     getEnv("RAZORPAY_KEY_SECRET", ""),
		RazorpayWebhookSecret: getEnv("RAZORPAY_WEBHOOK_SECRET", ""),
		StorageBackend:        strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		FirestoreProjectID:    getEnv("FIRESTORE_PROJECT_ID", ""),
		TrialDays:             getEnvInt("TRIAL_DAYS", 7),
		TotalCountBudget:      getEnvInt("TOTAL_COUNT_BUDGET", 120),
		MetricsNamespace:      getEnv("METRICS_NAMESPACE", "gosubscription"),
	}

	var err error
	if cfg.AbandonedCheckoutTTL, err = getEnvDuration("ABANDONED_CHECKOUT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.JanitorInterval, err = getEnvDuration("JANITOR_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Plans, err = loadPlans(); err != nil {
		return nil, err
	}

	switch cfg.StorageBackend {
	case BackendMemory, BackendPostgres, BackendRedis, BackendFirestore, BackendTiered:
	default:
		return nil, fmt.Errorf("config: unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	return cfg, nil
}

// Billing returns the gateway configuration.
func (c *Config) Billing(metrics billing.Metrics) billing.Config {
	return billing.Config{
		KeyID:            c.RazorpayKeyID,
		KeySecret:        c.RazorpayKeySecret,
		WebhookSecret:    c.RazorpayWebhookSecret,
		Metrics:          metrics,
		BreakerThreshold: 5,
	}
}

// Manager returns the lifecycle configuration; logger and metrics are left to
// the caller.
func (c *Config) Manager() subscription.Config {
	cfg := subscription.DefaultConfig()
	cfg.TrialDuration = time.Duration(c.TrialDays) * 24 * time.Hour
	cfg.TotalCountBudget = c.TotalCountBudget
	cfg.AbandonedCheckoutTTL = c.AbandonedCheckoutTTL
	return cfg
}

// loadPlans reads PLANS_JSON, or fills the default plans' gateway ids from
// RAZORPAY_PLAN_<PLAN_ID> variables.
func loadPlans() ([]subscription.Plan, error) {
	if raw := strings.TrimSpace(os.Getenv("PLANS_JSON")); raw != "" {
		var plans []subscription.Plan
		if err := json.Unmarshal([]byte(raw), &plans); err != nil {
			return nil, fmt.Errorf("config: invalid PLANS_JSON: %w", err)
		}
		for _, p := range plans {
			if p.PlanID == "" {
				return nil, fmt.Errorf("config: PLANS_JSON entry without planId")
			}
		}
		return plans, nil
	}

	plans := subscription.DefaultPlans()
	for i := range plans {
		plans[i].GatewayPlanID = getEnv("RAZORPAY_PLAN_"+plans[i].PlanID, "")
	}
	return plans, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}
