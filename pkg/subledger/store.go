package subledger

import (
	"context"
	"time"
)

// Store defines the interface for billing state persistence.
// All methods use concrete types from this package to avoid import cycles.
type Store interface {
	// GetBilling retrieves the billing record for an organization.
	// Returns ErrBillingNotFound when no record exists.
	GetBilling(ctx context.Context, orgID string) (*OrganizationBilling, error)

	// GetBillingBySubscription retrieves the billing record owning a
	// processor subscription id.
	GetBillingBySubscription(ctx context.Context, subscriptionID string) (*OrganizationBilling, error)

	// GetBillingByCustomer retrieves the billing record owning a
	// processor customer id.
	GetBillingByCustomer(ctx context.Context, customerID string) (*OrganizationBilling, error)

	// GetOrganization retrieves the organization projection used for
	// audit context. Returns ErrOrganizationNotFound when missing.
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)

	// ListOrganizationIDs returns the ids of all organizations with a
	// billing record. Used by reconciliation sweeps.
	ListOrganizationIDs(ctx context.Context) ([]string, error)

	// CurrentPeriod returns the billing period whose
	// [period_start, period_end) range contains at, preferring the most
	// recently created period when ranges overlap. The at parameter is
	// threaded explicitly because processor sandbox clocks can diverge
	// from wall-clock time. Returns ErrPeriodNotFound when no period
	// contains at.
	CurrentPeriod(ctx context.Context, orgID string, at time.Time) (*BillingPeriod, error)

	// UpdateOrg runs fn inside the per-organization single-writer
	// scope. All writes issued through the Tx commit atomically when fn
	// returns nil and are discarded when it returns an error.
	// Concurrent UpdateOrg calls for the same organization serialize;
	// calls for different organizations proceed in parallel.
	UpdateOrg(ctx context.Context, orgID string, fn func(tx Tx) error) error
}

// Tx exposes the transactional operations available inside
// Store.UpdateOrg. Handlers re-read state through Billing and
// CurrentPeriod under the lock rather than trusting values captured
// before the transaction started.
type Tx interface {
	// Billing re-reads the organization's billing record under the lock.
	Billing() (*OrganizationBilling, error)

	// UpdateBilling applies a partial update to the billing record.
	UpdateBilling(upd *BillingUpdate) error

	// CreatePeriod appends a new billing period. Returns
	// ErrPeriodConflict when an Active or Grace period already exists,
	// unless the caller completed it earlier in the same transaction.
	CreatePeriod(p *BillingPeriod) error

	// CompletePeriod transitions a period to a terminal status.
	// Idempotent when the period already carries that status; returns
	// ErrPeriodTerminal when it carries a different terminal status.
	CompletePeriod(periodID string, status PeriodStatus) error

	// CurrentPeriod looks up the period active at the given instant,
	// observing writes made earlier in this transaction.
	CurrentPeriod(at time.Time) (*BillingPeriod, error)

	// StampInvoice records invoice settlement details on a period.
	StampInvoice(periodID string, stamp InvoiceStamp) error
}

// Locker extends the per-organization single-writer scope across
// process boundaries. Implementations must be safe for concurrent use.
type Locker interface {
	// Lock acquires the lock for orgID, blocking up to the
	// implementation's configured wait. Returns an unlock function and
	// ErrLockNotAcquired when the lock could not be obtained.
	Lock(ctx context.Context, orgID string) (unlock func(), err error)
}
