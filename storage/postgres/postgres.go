// Package postgres provides a PostgreSQL implementation of the subscription.Store interface.
// Payment idempotency is enforced by a unique index on the gateway payment id.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

const uniqueViolation = "23505"

// Schema creates the tables used by Storage. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id                       TEXT PRIMARY KEY,
	seq                      BIGSERIAL,
	user_id                  TEXT NOT NULL,
	email                    TEXT NOT NULL DEFAULT '',
	gateway_subscription_id  TEXT NOT NULL DEFAULT '',
	gateway_plan_id          TEXT NOT NULL DEFAULT '',
	gateway_order_id         TEXT NOT NULL DEFAULT '',
	gateway_payment_id       TEXT NOT NULL DEFAULT '',
	short_url                TEXT NOT NULL DEFAULT '',
	plan_type                TEXT NOT NULL,
	plan_amount              BIGINT NOT NULL DEFAULT 0,
	billing_cycle            TEXT NOT NULL DEFAULT '',
	billing_period           INTEGER NOT NULL DEFAULT 0,
	bonus_months             INTEGER NOT NULL DEFAULT 0,
	total_months             INTEGER NOT NULL DEFAULT 0,
	recurring                BOOLEAN NOT NULL DEFAULT FALSE,
	status                   TEXT NOT NULL,
	is_trial_active          BOOLEAN NOT NULL DEFAULT FALSE,
	is_trial_used            BOOLEAN NOT NULL DEFAULT FALSE,
	trial_start_date         TIMESTAMPTZ,
	trial_end_date           TIMESTAMPTZ,
	trial_ended_early        BOOLEAN NOT NULL DEFAULT FALSE,
	trial_ended_at           TIMESTAMPTZ,
	start_date               TIMESTAMPTZ,
	current_period_start     TIMESTAMPTZ,
	current_period_end       TIMESTAMPTZ,
	next_billing_date        TIMESTAMPTZ,
	cancelled_at             TIMESTAMPTZ,
	cancel_reason            TEXT NOT NULL DEFAULT '',
	payment_method           TEXT NOT NULL DEFAULT '',
	payment_ids              TEXT[] NOT NULL DEFAULT '{}',
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS subscriptions_user_idx ON subscriptions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS subscriptions_gateway_idx ON subscriptions (gateway_subscription_id);
CREATE INDEX IF NOT EXISTS subscriptions_created_idx ON subscriptions (status, created_at);
CREATE INDEX IF NOT EXISTS subscriptions_email_idx ON subscriptions (lower(email)) WHERE is_trial_used;

CREATE TABLE IF NOT EXISTS payments (
	id                       TEXT PRIMARY KEY,
	subscription_id          TEXT NOT NULL,
	user_id                  TEXT NOT NULL DEFAULT '',
	gateway_payment_id       TEXT NOT NULL,
	gateway_subscription_id  TEXT NOT NULL DEFAULT '',
	gateway_order_id         TEXT NOT NULL DEFAULT '',
	gateway_invoice_id       TEXT NOT NULL DEFAULT '',
	amount                   BIGINT NOT NULL DEFAULT 0,
	currency                 TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL DEFAULT '',
	method                   TEXT NOT NULL DEFAULT '',
	bank                     TEXT NOT NULL DEFAULT '',
	wallet                   TEXT NOT NULL DEFAULT '',
	vpa                      TEXT NOT NULL DEFAULT '',
	email                    TEXT NOT NULL DEFAULT '',
	card_last4               TEXT NOT NULL DEFAULT '',
	card_network             TEXT NOT NULL DEFAULT '',
	error_code               TEXT NOT NULL DEFAULT '',
	error_description        TEXT NOT NULL DEFAULT '',
	error_source             TEXT NOT NULL DEFAULT '',
	error_reason             TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS payments_gateway_payment_idx ON payments (gateway_payment_id);
CREATE INDEX IF NOT EXISTS payments_subscription_idx ON payments (subscription_id, created_at);
`

const subscriptionColumns = `id, user_id, email, gateway_subscription_id, gateway_plan_id, gateway_order_id,
	gateway_payment_id, short_url, plan_type, plan_amount, billing_cycle, billing_period, bonus_months,
	total_months, recurring, status, is_trial_active, is_trial_used, trial_start_date, trial_end_date,
	trial_ended_early, trial_ended_at, start_date, current_period_start, current_period_end,
	next_billing_date, cancelled_at, cancel_reason, payment_method, payment_ids, created_at, updated_at`

const paymentColumns = `id, subscription_id, user_id, gateway_payment_id, gateway_subscription_id,
	gateway_order_id, gateway_invoice_id, amount, currency, status, method, bank, wallet, vpa, email,
	card_last4, card_network, error_code, error_description, error_source, error_reason, created_at`

// Storage implements subscription.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var _ subscription.Store = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema when the adapter is created
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateSubscription implements subscription.Store
func (s *Storage) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)`,
		subscriptionArgs(sub)...,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				user_id = $2, email = $3, gateway_subscription_id = $4, gateway_plan_id = $5,
				gateway_order_id = $6, gateway_payment_id = $7, short_url = $8, plan_type = $9,
				plan_amount = $10, billing_cycle = $11, billing_period = $12, bonus_months = $13,
				total_months = $14, recurring = $15, status = $16, is_trial_active = $17,
				is_trial_used = $18, trial_start_date = $19, trial_end_date = $20,
				trial_ended_early = $21, trial_ended_at = $22, start_date = $23,
				current_period_start = $24, current_period_end = $25, next_billing_date = $26,
				cancelled_at = $27, cancel_reason = $28, payment_method = $29, payment_ids = $30,
				created_at = $31, updated_at = $32
			WHERE id = $1`,
		subscriptionArgs(sub)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByGatewayID implements subscription.Store
func (s *Storage) GetSubscriptionByGatewayID(
	ctx context.Context, gatewaySubscriptionID string,
) (*subscription.Subscription, error) {
	if gatewaySubscriptionID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE gateway_subscription_id = $1
			ORDER BY created_at DESC, seq DESC LIMIT 1`,
		gatewaySubscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by gateway id: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements subscription.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY created_at DESC, seq DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// DeleteSubscription implements subscription.Store
func (s *Storage) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

// CreatePayment implements subscription.Store
func (s *Storage) CreatePayment(ctx context.Context, p *subscription.Payment) error {
	if p == nil || p.GatewayPaymentID == "" {
		return fmt.Errorf("invalid payment")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20, $21, $22)`,
		id, p.SubscriptionID, p.UserID, p.GatewayPaymentID, p.GatewaySubscriptionID,
		p.GatewayOrderID, p.GatewayInvoiceID, p.Amount, p.Currency, p.Status, p.Method,
		p.Bank, p.Wallet, p.VPA, p.Email, p.CardLast4, p.CardNetwork, p.ErrorCode,
		p.ErrorDescription, p.ErrorSource, p.ErrorReason, createdAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return subscription.ErrPaymentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	p.ID = id
	p.CreatedAt = createdAt
	return nil
}

// GetPaymentByGatewayID implements subscription.Store
func (s *Storage) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*subscription.Payment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_payment_id = $1`, gatewayPaymentID)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments implements subscription.Store
func (s *Storage) ListPayments(ctx context.Context, subscriptionID string) ([]*subscription.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE subscription_id = $1 ORDER BY created_at ASC`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}

// HasUsedTrial implements subscription.Store
func (s *Storage) HasUsedTrial(ctx context.Context, userID, email string) (bool, error) {
	var used bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM subscriptions
				WHERE is_trial_used AND (user_id = $1 OR ($2 <> '' AND lower(email) = $2))
		)`,
		userID, strings.ToLower(strings.TrimSpace(email))).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("failed to check trial usage: %w", err)
	}
	return used, nil
}

// ListAbandoned implements subscription.Store
func (s *Storage) ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*subscription.Subscription, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND created_at < $2
			ORDER BY created_at ASC LIMIT $3`,
		string(subscription.StatusCreated), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func subscriptionArgs(sub *subscription.Subscription) []interface{} {
	paymentIDs := sub.PaymentIDs
	if paymentIDs == nil {
		paymentIDs = []string{}
	}
	return []interface{}{
		sub.ID, sub.UserID, sub.Email, sub.GatewaySubscriptionID, sub.GatewayPlanID, sub.GatewayOrderID,
		sub.GatewayPaymentID, sub.ShortURL, string(sub.PlanType), sub.PlanAmount, sub.BillingCycle,
		sub.BillingPeriod, sub.BonusMonths, sub.TotalMonths, sub.Recurring, string(sub.Status),
		sub.IsTrialActive, sub.IsTrialUsed, sub.TrialStartDate, sub.TrialEndDate, sub.TrialEndedEarly,
		sub.TrialEndedAt, sub.StartDate, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextBillingDate,
		sub.CancelledAt, sub.CancelReason, sub.PaymentMethod, paymentIDs, sub.CreatedAt, sub.UpdatedAt,
	}
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		sub      subscription.Subscription
		planType string
		status   string
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Email, &sub.GatewaySubscriptionID, &sub.GatewayPlanID, &sub.GatewayOrderID,
		&sub.GatewayPaymentID, &sub.ShortURL, &planType, &sub.PlanAmount, &sub.BillingCycle,
		&sub.BillingPeriod, &sub.BonusMonths, &sub.TotalMonths, &sub.Recurring, &status,
		&sub.IsTrialActive, &sub.IsTrialUsed, &sub.TrialStartDate, &sub.TrialEndDate, &sub.TrialEndedEarly,
		&sub.TrialEndedAt, &sub.StartDate, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.NextBillingDate,
		&sub.CancelledAt, &sub.CancelReason, &sub.PaymentMethod, &sub.PaymentIDs, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PlanType = subscription.PlanType(planType)
	sub.Status = subscription.Status(status)
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*subscription.Subscription, error) {
	defer rows.Close()
	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return out, nil
}

func scanPayment(row pgx.Row) (*subscription.Payment, error) {
	var p subscription.Payment
	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.UserID, &p.GatewayPaymentID, &p.GatewaySubscriptionID,
		&p.GatewayOrderID, &p.GatewayInvoiceID, &p.Amount, &p.Currency, &p.Status, &p.Method,
		&p.Bank, &p.Wallet, &p.VPA, &p.Email, &p.CardLast4, &p.CardNetwork, &p.ErrorCode,
		&p.ErrorDescription, &p.ErrorSource, &p.ErrorReason, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
