package subledger

// PlanChangeType classifies the direction of a plan change
type PlanChangeType string

const (
	// PlanChangeNone means the plan did not change
	PlanChangeNone PlanChangeType = "none"
	// PlanChangeUpgrade means the new plan ranks above the old one
	PlanChangeUpgrade PlanChangeType = "upgrade"
	// PlanChangeDowngrade means the new plan ranks below the old one
	PlanChangeDowngrade PlanChangeType = "downgrade"
)

// InferenceContext carries the inputs to plan inference. PendingPlan
// must be supplied only when its effective date has already passed;
// the caller applies the effective-date gate before building the
// context so the engine stays a pure decision table.
type InferenceContext struct {
	// CurrentPlan is the plan currently entitled
	CurrentPlan Plan

	// PendingPlan is a due scheduled change, or zero when none is due
	PendingPlan Plan

	// IsRenewal is true when the period boundary advanced
	IsRenewal bool

	// ItemsChanged is true when subscription line items changed
	ItemsChanged bool

	// SubscriptionItems are the price identifiers on the subscription
	SubscriptionItems []string
}

// InferredPlan is the result of plan inference
type InferredPlan struct {
	// Plan is the inferred target plan
	Plan Plan

	// Changed is true when Plan differs from the current plan
	Changed bool

	// Reason explains which rule produced the result
	Reason string

	// ShouldClearPending is true when the pending-change fields must be
	// cleared because the scheduled change was applied
	ShouldClearPending bool
}

// InferPlan maps the subscription state observed on a webhook event to
// the plan the organization is entitled to. It is a pure function with
// no I/O so it can be exercised independently of the processor.
//
// Rules in priority order:
//  1. a due pending plan on a renewal applies and clears the schedule
//  2. changed line items map to a plan via the price table
//  3. otherwise the current plan stands
func InferPlan(ic InferenceContext, priceToPlan map[string]Plan) InferredPlan {
	if ic.IsRenewal && ic.PendingPlan != "" {
		return InferredPlan{
			Plan:               ic.PendingPlan,
			Changed:            ic.PendingPlan != ic.CurrentPlan,
			Reason:             "pending plan due at renewal",
			ShouldClearPending: true,
		}
	}

	if ic.ItemsChanged {
		for _, priceID := range ic.SubscriptionItems {
			plan, ok := priceToPlan[priceID]
			if !ok {
				continue
			}
			if plan != ic.CurrentPlan {
				return InferredPlan{
					Plan:    plan,
					Changed: true,
					Reason:  "subscription items changed",
				}
			}
			return InferredPlan{
				Plan:   plan,
				Reason: "items changed but plan unchanged",
			}
		}
	}

	return InferredPlan{
		Plan:   ic.CurrentPlan,
		Reason: "no change detected",
	}
}

// ComparePlans classifies the transition from old to new plan
func ComparePlans(oldPlan, newPlan Plan) PlanChangeType {
	oldRank, newRank := planRank[oldPlan], planRank[newPlan]
	switch {
	case newRank > oldRank:
		return PlanChangeUpgrade
	case newRank < oldRank:
		return PlanChangeDowngrade
	default:
		return PlanChangeNone
	}
}

// PeriodTransitionFor derives the ledger transition for a new period
func PeriodTransitionFor(oldPlan, newPlan Plan, isFirstPeriod bool) Transition {
	if isFirstPeriod {
		return TransitionInitialSignup
	}
	switch ComparePlans(oldPlan, newPlan) {
	case PlanChangeUpgrade:
		return TransitionUpgrade
	case PlanChangeDowngrade:
		return TransitionDowngrade
	default:
		return TransitionRenewal
	}
}

// ShouldStartPeriod reports whether a handler must open a new billing
// period. Renewals always start a period; mid-cycle item changes start
// one only when the plan actually changed.
func ShouldStartPeriod(isRenewal, planChanged bool) bool {
	return isRenewal || planChanged
}
