package subledger

import (
	"context"
	"time"
)

// Plan identifies a billing plan tier
type Plan string

const (
	// PlanDeveloper is the free/base plan organizations fall back to
	PlanDeveloper Plan = "developer"
	// PlanPro is the entry paid plan
	PlanPro Plan = "pro"
	// PlanTeam is the multi-seat paid plan
	PlanTeam Plan = "team"
	// PlanEnterprise is the custom-contract plan
	PlanEnterprise Plan = "enterprise"
)

// planRank orders plans for upgrade/downgrade comparison
var planRank = map[Plan]int{
	PlanDeveloper:  0,
	PlanPro:        1,
	PlanTeam:       2,
	PlanEnterprise: 3,
}

// Valid reports whether p is one of the known plans
func (p Plan) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// Status mirrors the processor-side subscription status
type Status string

const (
	// StatusActive means the subscription is current and paid
	StatusActive Status = "active"
	// StatusTrialing means the subscription is in a trial window
	StatusTrialing Status = "trialing"
	// StatusPastDue means the latest renewal payment failed
	StatusPastDue Status = "past_due"
	// StatusCanceled means the subscription was terminated
	StatusCanceled Status = "canceled"
	// StatusIncomplete means the initial payment has not settled yet
	StatusIncomplete Status = "incomplete"
	// StatusUnpaid means the processor gave up retrying payment
	StatusUnpaid Status = "unpaid"
)

// PeriodStatus is the lifecycle state of a billing period ledger entry
type PeriodStatus string

const (
	// PeriodActive is the single currently entitled period
	PeriodActive PeriodStatus = "active"
	// PeriodGrace is a bounded post-payment-failure window
	PeriodGrace PeriodStatus = "grace"
	// PeriodCompleted is a period that ended normally (terminal)
	PeriodCompleted PeriodStatus = "completed"
	// PeriodEndedUnpaid is a period whose renewal payment failed (terminal)
	PeriodEndedUnpaid PeriodStatus = "ended_unpaid"
)

// Terminal reports whether the status is final; terminal periods are immutable
func (s PeriodStatus) Terminal() bool {
	return s == PeriodCompleted || s == PeriodEndedUnpaid
}

// Transition records why a billing period was opened
type Transition string

const (
	// TransitionInitialSignup is the first period of a subscription
	TransitionInitialSignup Transition = "initial_signup"
	// TransitionRenewal is a period opened at a regular cycle boundary
	TransitionRenewal Transition = "renewal"
	// TransitionUpgrade is a period opened by moving to a higher plan
	TransitionUpgrade Transition = "upgrade"
	// TransitionDowngrade is a period opened by moving to a lower plan
	TransitionDowngrade Transition = "downgrade"
	// TransitionReactivation is a period opened after a cancellation
	TransitionReactivation Transition = "reactivation"
)

// OrganizationBilling is the current-state billing projection for one
// organization. Exactly one record exists per organization; BillingPlan
// always reflects the plan currently entitled, never a pending one.
type OrganizationBilling struct {
	OrganizationID string

	BillingPlan   Plan
	BillingStatus Status

	ProcessorSubscriptionID string
	ProcessorCustomerID     string

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	CancelAtPeriodEnd bool

	// PendingPlanChange is a scheduled change applied only at a future
	// renewal boundary; zero value means none is pending.
	PendingPlanChange   Plan
	PendingPlanChangeAt *time.Time

	GracePeriodEndsAt *time.Time

	PaymentMethodAdded bool
	PaymentMethodID    string

	HasYearlyPrepay             bool
	YearlyPrepayStartedAt       *time.Time
	YearlyPrepayExpiresAt       *time.Time
	YearlyPrepayAmountCents     int64
	YearlyPrepayCouponID        string
	YearlyPrepayPaymentIntentID string

	LastPaymentStatus string
	LastPaymentAt     *time.Time

	UpdatedAt time.Time

	// UpdatedBy records the acting principal behind the last write,
	// taken from the SystemContext attached to the update's context.
	UpdatedBy string
}

// BillingUpdate is a partial update to an OrganizationBilling record.
// Nil fields are left untouched; non-nil fields are written. Pointer
// fields pointing at zero values clear the target column.
type BillingUpdate struct {
	BillingPlan   *Plan
	BillingStatus *Status

	ProcessorSubscriptionID *string
	ProcessorCustomerID     *string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	CancelAtPeriodEnd *bool

	PendingPlanChange   *Plan
	PendingPlanChangeAt **time.Time

	GracePeriodEndsAt **time.Time

	PaymentMethodAdded *bool
	PaymentMethodID    *string

	HasYearlyPrepay             *bool
	YearlyPrepayStartedAt       **time.Time
	YearlyPrepayExpiresAt       **time.Time
	YearlyPrepayAmountCents     *int64
	YearlyPrepayCouponID        *string
	YearlyPrepayPaymentIntentID *string

	LastPaymentStatus *string
	LastPaymentAt     **time.Time
}

// Apply writes the non-nil fields of u onto b
func (u *BillingUpdate) Apply(b *OrganizationBilling) {
	if u.BillingPlan != nil {
		b.BillingPlan = *u.BillingPlan
	}
	if u.BillingStatus != nil {
		b.BillingStatus = *u.BillingStatus
	}
	if u.ProcessorSubscriptionID != nil {
		b.ProcessorSubscriptionID = *u.ProcessorSubscriptionID
	}
	if u.ProcessorCustomerID != nil {
		b.ProcessorCustomerID = *u.ProcessorCustomerID
	}
	if u.CurrentPeriodStart != nil {
		b.CurrentPeriodStart = *u.CurrentPeriodStart
	}
	if u.CurrentPeriodEnd != nil {
		b.CurrentPeriodEnd = *u.CurrentPeriodEnd
	}
	if u.CancelAtPeriodEnd != nil {
		b.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	if u.PendingPlanChange != nil {
		b.PendingPlanChange = *u.PendingPlanChange
	}
	if u.PendingPlanChangeAt != nil {
		b.PendingPlanChangeAt = *u.PendingPlanChangeAt
	}
	if u.GracePeriodEndsAt != nil {
		b.GracePeriodEndsAt = *u.GracePeriodEndsAt
	}
	if u.PaymentMethodAdded != nil {
		b.PaymentMethodAdded = *u.PaymentMethodAdded
	}
	if u.PaymentMethodID != nil {
		b.PaymentMethodID = *u.PaymentMethodID
	}
	if u.HasYearlyPrepay != nil {
		b.HasYearlyPrepay = *u.HasYearlyPrepay
	}
	if u.YearlyPrepayStartedAt != nil {
		b.YearlyPrepayStartedAt = *u.YearlyPrepayStartedAt
	}
	if u.YearlyPrepayExpiresAt != nil {
		b.YearlyPrepayExpiresAt = *u.YearlyPrepayExpiresAt
	}
	if u.YearlyPrepayAmountCents != nil {
		b.YearlyPrepayAmountCents = *u.YearlyPrepayAmountCents
	}
	if u.YearlyPrepayCouponID != nil {
		b.YearlyPrepayCouponID = *u.YearlyPrepayCouponID
	}
	if u.YearlyPrepayPaymentIntentID != nil {
		b.YearlyPrepayPaymentIntentID = *u.YearlyPrepayPaymentIntentID
	}
	if u.LastPaymentStatus != nil {
		b.LastPaymentStatus = *u.LastPaymentStatus
	}
	if u.LastPaymentAt != nil {
		b.LastPaymentAt = *u.LastPaymentAt
	}
}

// BillingPeriod is one entry of the append-mostly billing period
// ledger. Once a period reaches a terminal status it is immutable
// except for invoice stamping performed while it was current.
type BillingPeriod struct {
	ID             string
	OrganizationID string

	Plan        Plan
	PeriodStart time.Time
	PeriodEnd   time.Time

	Status     PeriodStatus
	Transition Transition

	// PreviousPeriodID back-links the ledger chain; never mutated
	// after creation.
	PreviousPeriodID string

	ProcessorSubscriptionID string

	InvoiceID   string
	AmountCents int64
	Currency    string
	PaidAt      *time.Time

	CreatedAt time.Time
}

// InvoiceStamp records invoice settlement details onto a period
type InvoiceStamp struct {
	InvoiceID   string
	AmountCents int64
	Currency    string
	PaidAt      time.Time
}

// Organization is the minimal projection of the organization record
// needed for audit context and callbacks.
type Organization struct {
	ID   string
	Name string
}

// SystemContext stamps audit/authorization context on writes that
// originate from this subsystem rather than a human actor.
type SystemContext struct {
	OrganizationID string
	Actor          string
}

// NewSystemContext builds the audit context for a system-originated write
func NewSystemContext(org *Organization, actor string) SystemContext {
	return SystemContext{OrganizationID: org.ID, Actor: actor}
}

type systemContextKey struct{}

// WithSystemContext attaches an audit context to ctx. Stores stamp the
// actor onto billing writes issued under that ctx.
func WithSystemContext(ctx context.Context, sc SystemContext) context.Context {
	return context.WithValue(ctx, systemContextKey{}, sc)
}

// SystemContextFrom returns the audit context attached to ctx, if any
func SystemContextFrom(ctx context.Context) (SystemContext, bool) {
	sc, ok := ctx.Value(systemContextKey{}).(SystemContext)
	return sc, ok
}

// Event describes a successfully committed billing transition. It is
// passed to the optional post-commit callback after the store update
// has been applied; callback failures never affect the transition.
type Event struct {
	OrganizationID string
	EventType      string
	EventID        string

	PreviousPlan Plan
	NewPlan      Plan
	NewStatus    Status

	IsYearly bool

	OccurredAt time.Time
}

// Callback is invoked best-effort after a billing transition commits
type Callback func(ctx context.Context, event Event) error
