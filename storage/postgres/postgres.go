// Package postgres provides a PostgreSQL implementation of the
// subledger.Store interface. Per-organization writes serialize through
// a transaction-scoped advisory lock, so concurrent webhook deliveries
// for the same organization apply one at a time while different
// organizations proceed in parallel.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// Store implements subledger.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store adapter
func New(ctx context.Context, config Config) (*Store, error) {
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

	return &Store{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the billing tables when they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpsertOrganization registers an organization projection. The host
// application owns organization lifecycle; this keeps the local copy
// the reconciler resolves against.
func (s *Store) UpsertOrganization(ctx context.Context, org *subledger.Organization) error {
	if org == nil || org.ID == "" {
		return fmt.Errorf("invalid organization")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		org.ID, org.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert organization: %w", err)
	}
	return nil
}

// InsertBilling creates the billing record for an organization
func (s *Store) InsertBilling(ctx context.Context, b *subledger.OrganizationBilling) error {
	if b == nil || b.OrganizationID == "" {
		return fmt.Errorf("invalid billing record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO organization_billing (`+billingColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		billingValues(b)...)
	if err != nil {
		return fmt.Errorf("failed to insert billing record: %w", err)
	}
	return nil
}

// GetBilling implements subledger.Store
func (s *Store) GetBilling(ctx context.Context, orgID string) (*subledger.OrganizationBilling, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM organization_billing
			WHERE organization_id = $1`, orgID)
	return scanBilling(row)
}

// GetBillingBySubscription implements subledger.Store
func (s *Store) GetBillingBySubscription(ctx context.Context, subscriptionID string) (*subledger.OrganizationBilling, error) {
	if subscriptionID == "" {
		return nil, subledger.ErrBillingNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM organization_billing
			WHERE processor_subscription_id = $1`, subscriptionID)
	return scanBilling(row)
}

// GetBillingByCustomer implements subledger.Store
func (s *Store) GetBillingByCustomer(ctx context.Context, customerID string) (*subledger.OrganizationBilling, error) {
	if customerID == "" {
		return nil, subledger.ErrBillingNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM organization_billing
			WHERE processor_customer_id = $1`, customerID)
	return scanBilling(row)
}

// GetOrganization implements subledger.Store
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*subledger.Organization, error) {
	var org subledger.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM organizations WHERE id = $1`, orgID).
		Scan(&org.ID, &org.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subledger.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// ListOrganizationIDs implements subledger.Store
func (s *Store) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id FROM organization_billing ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// currentPeriodQuery prefers the most recently created period when
// ranges overlap due to clock skew with the processor
const currentPeriodQuery = `SELECT ` + periodColumns + ` FROM billing_periods
	WHERE organization_id = $1 AND period_start <= $2 AND period_end > $2
	ORDER BY created_at DESC
	LIMIT 1`

// CurrentPeriod implements subledger.Store
func (s *Store) CurrentPeriod(ctx context.Context, orgID string, at time.Time) (*subledger.BillingPeriod, error) {
	row := s.pool.QueryRow(ctx, currentPeriodQuery, orgID, at)
	return scanPeriod(row)
}

// UpdateOrg implements subledger.Store. The advisory lock is taken up
// front so concurrent transactions for the same organization serialize
// even before the billing row exists.
func (s *Store) UpdateOrg(ctx context.Context, orgID string, fn func(tx subledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", subledger.ErrStoreUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, orgID); err != nil {
		return fmt.Errorf("failed to acquire organization lock: %w", err)
	}

	ptx := &pgTx{ctx: ctx, tx: tx, orgID: orgID}
	if sc, ok := subledger.SystemContextFrom(ctx); ok {
		ptx.actor = sc.Actor
	}
	if err := fn(ptx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// pgTx implements subledger.Tx inside one database transaction
type pgTx struct {
	ctx   context.Context
	tx    pgx.Tx
	orgID string
	actor string
}

func (t *pgTx) Billing() (*subledger.OrganizationBilling, error) {
	row := t.tx.QueryRow(t.ctx,
		`SELECT `+billingColumns+` FROM organization_billing
			WHERE organization_id = $1 FOR UPDATE`, t.orgID)
	return scanBilling(row)
}

func (t *pgTx) UpdateBilling(upd *subledger.BillingUpdate) error {
	b, err := t.Billing()
	if err != nil {
		return err
	}
	upd.Apply(b)
	b.UpdatedAt = time.Now().UTC()
	if t.actor != "" {
		b.UpdatedBy = t.actor
	}

	args := billingValues(b)
	_, err = t.tx.Exec(t.ctx,
		`UPDATE organization_billing SET
			billing_plan = $2, billing_status = $3,
			processor_subscription_id = $4, processor_customer_id = $5,
			current_period_start = $6, current_period_end = $7,
			cancel_at_period_end = $8, pending_plan_change = $9,
			pending_plan_change_at = $10, grace_period_ends_at = $11,
			payment_method_added = $12, payment_method_id = $13,
			has_yearly_prepay = $14, yearly_prepay_started_at = $15,
			yearly_prepay_expires_at = $16, yearly_prepay_amount_cents = $17,
			yearly_prepay_coupon_id = $18, yearly_prepay_payment_intent_id = $19,
			last_payment_status = $20, last_payment_at = $21,
			updated_at = $22, updated_by = $23
		WHERE organization_id = $1`, args...)
	if err != nil {
		return fmt.Errorf("failed to update billing record: %w", err)
	}
	return nil
}

func (t *pgTx) CreatePeriod(p *subledger.BillingPeriod) error {
	if p == nil {
		return fmt.Errorf("period is required")
	}
	if p.OrganizationID == "" {
		p.OrganizationID = t.orgID
	}
	if p.Status == "" {
		p.Status = subledger.PeriodActive
	}

	// One open ledger row per organization. The partial unique index
	// backstops this check against concurrent writers.
	if !p.Status.Terminal() {
		var open bool
		err := t.tx.QueryRow(t.ctx,
			`SELECT EXISTS (SELECT 1 FROM billing_periods
				WHERE organization_id = $1 AND status IN ('active','grace'))`,
			p.OrganizationID).Scan(&open)
		if err != nil {
			return fmt.Errorf("failed to check open periods: %w", err)
		}
		if open {
			return subledger.ErrPeriodConflict
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO billing_periods (`+periodColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.OrganizationID, p.Plan, p.PeriodStart, p.PeriodEnd,
		p.Status, p.Transition, p.PreviousPeriodID, p.ProcessorSubscriptionID,
		p.InvoiceID, p.AmountCents, p.Currency, p.PaidAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create billing period: %w", err)
	}
	return nil
}

func (t *pgTx) CompletePeriod(periodID string, status subledger.PeriodStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	var current subledger.PeriodStatus
	err := t.tx.QueryRow(t.ctx,
		`SELECT status FROM billing_periods WHERE id = $1 FOR UPDATE`, periodID).
		Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return subledger.ErrPeriodNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read period status: %w", err)
	}
	if current == status {
		return nil // Redelivered event - already closed with this status
	}
	if current.Terminal() {
		return subledger.ErrPeriodTerminal
	}

	if _, err := t.tx.Exec(t.ctx,
		`UPDATE billing_periods SET status = $2 WHERE id = $1`,
		periodID, status); err != nil {
		return fmt.Errorf("failed to complete period: %w", err)
	}
	return nil
}

func (t *pgTx) CurrentPeriod(at time.Time) (*subledger.BillingPeriod, error) {
	row := t.tx.QueryRow(t.ctx, currentPeriodQuery, t.orgID, at)
	return scanPeriod(row)
}

func (t *pgTx) StampInvoice(periodID string, stamp subledger.InvoiceStamp) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE billing_periods
			SET invoice_id = $2, amount_cents = $3, currency = $4, paid_at = $5
			WHERE id = $1`,
		periodID, stamp.InvoiceID, stamp.AmountCents, stamp.Currency, stamp.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to stamp invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subledger.ErrPeriodNotFound
	}
	return nil
}

const billingColumns = `organization_id, billing_plan, billing_status,
	processor_subscription_id, processor_customer_id,
	current_period_start, current_period_end,
	cancel_at_period_end, pending_plan_change, pending_plan_change_at,
	grace_period_ends_at, payment_method_added, payment_method_id,
	has_yearly_prepay, yearly_prepay_started_at, yearly_prepay_expires_at,
	yearly_prepay_amount_cents, yearly_prepay_coupon_id,
	yearly_prepay_payment_intent_id, last_payment_status, last_payment_at,
	updated_at, updated_by`

// billingValues lists the record fields in billingColumns order
func billingValues(b *subledger.OrganizationBilling) []any {
	return []any{
		b.OrganizationID, b.BillingPlan, b.BillingStatus,
		b.ProcessorSubscriptionID, b.ProcessorCustomerID,
		nullableTime(b.CurrentPeriodStart), nullableTime(b.CurrentPeriodEnd),
		b.CancelAtPeriodEnd, b.PendingPlanChange, b.PendingPlanChangeAt,
		b.GracePeriodEndsAt, b.PaymentMethodAdded, b.PaymentMethodID,
		b.HasYearlyPrepay, b.YearlyPrepayStartedAt, b.YearlyPrepayExpiresAt,
		b.YearlyPrepayAmountCents, b.YearlyPrepayCouponID,
		b.YearlyPrepayPaymentIntentID, b.LastPaymentStatus, b.LastPaymentAt,
		b.UpdatedAt, b.UpdatedBy,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBilling(row rowScanner) (*subledger.OrganizationBilling, error) {
	var b subledger.OrganizationBilling
	var periodStart, periodEnd *time.Time

	err := row.Scan(
		&b.OrganizationID, &b.BillingPlan, &b.BillingStatus,
		&b.ProcessorSubscriptionID, &b.ProcessorCustomerID,
		&periodStart, &periodEnd,
		&b.CancelAtPeriodEnd, &b.PendingPlanChange, &b.PendingPlanChangeAt,
		&b.GracePeriodEndsAt, &b.PaymentMethodAdded, &b.PaymentMethodID,
		&b.HasYearlyPrepay, &b.YearlyPrepayStartedAt, &b.YearlyPrepayExpiresAt,
		&b.YearlyPrepayAmountCents, &b.YearlyPrepayCouponID,
		&b.YearlyPrepayPaymentIntentID, &b.LastPaymentStatus, &b.LastPaymentAt,
		&b.UpdatedAt, &b.UpdatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subledger.ErrBillingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan billing record: %w", err)
	}

	if periodStart != nil {
		b.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		b.CurrentPeriodEnd = *periodEnd
	}
	return &b, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const periodColumns = `id, organization_id, plan, period_start, period_end,
	status, transition, previous_period_id, processor_subscription_id,
	invoice_id, amount_cents, currency, paid_at, created_at`

func scanPeriod(row rowScanner) (*subledger.BillingPeriod, error) {
	var p subledger.BillingPeriod
	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.Plan, &p.PeriodStart, &p.PeriodEnd,
		&p.Status, &p.Transition, &p.PreviousPeriodID, &p.ProcessorSubscriptionID,
		&p.InvoiceID, &p.AmountCents, &p.Currency, &p.PaidAt, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subledger.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan billing period: %w", err)
	}
	return &p, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS organization_billing (
	organization_id                 TEXT PRIMARY KEY REFERENCES organizations (id),
	billing_plan                    TEXT NOT NULL,
	billing_status                  TEXT NOT NULL,
	processor_subscription_id       TEXT NOT NULL DEFAULT '',
	processor_customer_id           TEXT NOT NULL DEFAULT '',
	current_period_start            TIMESTAMPTZ,
	current_period_end              TIMESTAMPTZ,
	cancel_at_period_end            BOOLEAN NOT NULL DEFAULT FALSE,
	pending_plan_change             TEXT NOT NULL DEFAULT '',
	pending_plan_change_at          TIMESTAMPTZ,
	grace_period_ends_at            TIMESTAMPTZ,
	payment_method_added            BOOLEAN NOT NULL DEFAULT FALSE,
	payment_method_id               TEXT NOT NULL DEFAULT '',
	has_yearly_prepay               BOOLEAN NOT NULL DEFAULT FALSE,
	yearly_prepay_started_at        TIMESTAMPTZ,
	yearly_prepay_expires_at        TIMESTAMPTZ,
	yearly_prepay_amount_cents      BIGINT NOT NULL DEFAULT 0,
	yearly_prepay_coupon_id         TEXT NOT NULL DEFAULT '',
	yearly_prepay_payment_intent_id TEXT NOT NULL DEFAULT '',
	last_payment_status             TEXT NOT NULL DEFAULT '',
	last_payment_at                 TIMESTAMPTZ,
	updated_at                      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_by                      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS organization_billing_subscription_idx
	ON organization_billing (processor_subscription_id)
	WHERE processor_subscription_id <> '';

CREATE INDEX IF NOT EXISTS organization_billing_customer_idx
	ON organization_billing (processor_customer_id)
	WHERE processor_customer_id <> '';

CREATE TABLE IF NOT EXISTS billing_periods (
	id                        TEXT PRIMARY KEY,
	organization_id           TEXT NOT NULL,
	plan                      TEXT NOT NULL,
	period_start              TIMESTAMPTZ NOT NULL,
	period_end                TIMESTAMPTZ NOT NULL,
	status                    TEXT NOT NULL,
	transition                TEXT NOT NULL,
	previous_period_id        TEXT NOT NULL DEFAULT '',
	processor_subscription_id TEXT NOT NULL DEFAULT '',
	invoice_id                TEXT NOT NULL DEFAULT '',
	amount_cents              BIGINT NOT NULL DEFAULT 0,
	currency                  TEXT NOT NULL DEFAULT '',
	paid_at                   TIMESTAMPTZ,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS billing_periods_org_range_idx
	ON billing_periods (organization_id, period_start, period_end);

CREATE UNIQUE INDEX IF NOT EXISTS billing_periods_one_open_idx
	ON billing_periods (organization_id)
	WHERE status IN ('active', 'grace');
`
