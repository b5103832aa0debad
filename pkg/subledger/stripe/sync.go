package stripe

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// SyncOrganization realigns an organization's billing record with the
// subscription state the processor reports. It recovers from missed
// webhooks and from the orphaned-subscription gap in the yearly prepay
// flow (a processor subscription created whose local persistence was
// lost). Returns the plan the organization ended on.
func (p *Provider) SyncOrganization(ctx context.Context, orgID string) (subledger.Plan, error) {
	billing, err := p.store.GetBilling(ctx, orgID)
	if err != nil {
		p.metrics.RecordOrgSync(providerName, "error")
		return "", err
	}

	sub, err := p.lookupSubscription(ctx, billing)
	if err != nil {
		p.metrics.RecordOrgSync(providerName, "error")
		return "", err
	}

	log := subledger.WithFields(p.logger,
		subledger.String("organization_id", orgID),
		subledger.String("sync", providerName))

	if sub == nil {
		plan, err := p.syncWithoutSubscription(ctx, billing)
		if err != nil {
			p.metrics.RecordOrgSync(providerName, "error")
			return "", err
		}
		p.metrics.RecordOrgSync(providerName, "success")
		log.Info("sync complete, no active subscription", subledger.String("plan", string(plan)))
		return plan, nil
	}

	plan := billing.BillingPlan
	for _, priceID := range sub.PriceIDs {
		if mapped, ok := p.client.PriceMapping()[priceID]; ok {
			plan = mapped
			break
		}
	}
	hasPM, pmID := detectPaymentMethod(sub)

	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		upd := &subledger.BillingUpdate{
			ProcessorSubscriptionID: strP(sub.ID),
			BillingPlan:             planP(plan),
			BillingStatus:           statusP(subledger.Status(sub.Status)),
			CancelAtPeriodEnd:       boolP(sub.CancelAtPeriodEnd),
			PaymentMethodAdded:      boolP(hasPM),
		}
		if pmID != "" {
			upd.PaymentMethodID = strP(pmID)
		}
		if sub.CustomerID != "" {
			upd.ProcessorCustomerID = strP(sub.CustomerID)
		}
		if !sub.PeriodStart.IsZero() {
			upd.CurrentPeriodStart = timeP(sub.PeriodStart)
			upd.CurrentPeriodEnd = timeP(sub.PeriodEnd)
		}
		if err := tx.UpdateBilling(upd); err != nil {
			return err
		}

		// Ensure the ledger has a period covering the processor period
		if sub.PeriodStart.IsZero() {
			return nil
		}
		if _, err := tx.CurrentPeriod(sub.PeriodStart); err == nil {
			return nil
		} else if !errors.Is(err, subledger.ErrPeriodNotFound) {
			return err
		}

		prev, prevErr := tx.CurrentPeriod(sub.PeriodStart.Add(-1))
		var prevID string
		isFirst := true
		if prevErr == nil {
			prevID = prev.ID
			isFirst = false
			if !prev.Status.Terminal() {
				if err := tx.CompletePeriod(prev.ID, subledger.PeriodCompleted); err != nil {
					return err
				}
			}
		}
		return tx.CreatePeriod(&subledger.BillingPeriod{
			OrganizationID:          orgID,
			Plan:                    plan,
			PeriodStart:             sub.PeriodStart,
			PeriodEnd:               sub.PeriodEnd,
			Status:                  subledger.PeriodActive,
			Transition:              subledger.PeriodTransitionFor(billing.BillingPlan, plan, isFirst),
			PreviousPeriodID:        prevID,
			ProcessorSubscriptionID: sub.ID,
		})
	})
	if err != nil {
		p.metrics.RecordOrgSync(providerName, "error")
		return "", fmt.Errorf("sync for org %s: %w", orgID, err)
	}

	p.metrics.RecordOrgSync(providerName, "success")
	log.Info("sync complete", subledger.String("plan", string(plan)))
	return plan, nil
}

// lookupSubscription finds the processor subscription for a billing
// record: the recorded subscription id first, then the customer's
// active subscriptions (which re-adopts orphans carrying this
// organization's metadata).
func (p *Provider) lookupSubscription(ctx context.Context, billing *subledger.OrganizationBilling) (*Subscription, error) {
	if billing.ProcessorSubscriptionID != "" {
		sub, err := p.client.GetSubscription(ctx, billing.ProcessorSubscriptionID)
		if err == nil && subledger.Status(sub.Status) != subledger.StatusCanceled {
			return sub, nil
		}
	}

	if billing.ProcessorCustomerID == "" {
		return nil, nil
	}
	subs, err := p.client.ListActiveSubscriptions(ctx, billing.ProcessorCustomerID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Metadata["organization_id"] == billing.OrganizationID {
			return sub, nil
		}
	}
	if len(subs) > 0 {
		return subs[0], nil
	}
	return nil, nil
}

// syncWithoutSubscription settles the record when the processor has no
// active subscription for the organization.
func (p *Provider) syncWithoutSubscription(ctx context.Context, billing *subledger.OrganizationBilling) (subledger.Plan, error) {
	plan := billing.PendingPlanChange
	if plan == "" {
		plan = p.fallbackPlan
	}
	if billing.ProcessorSubscriptionID == "" && billing.BillingPlan == plan {
		return plan, nil // Already settled
	}

	err := p.updateOrg(ctx, billing.OrganizationID, func(tx subledger.Tx) error {
		if period, err := tx.CurrentPeriod(p.now()); err == nil && !period.Status.Terminal() {
			if err := tx.CompletePeriod(period.ID, subledger.PeriodCompleted); err != nil {
				return err
			}
		}
		return tx.UpdateBilling(&subledger.BillingUpdate{
			BillingStatus:           statusP(subledger.StatusActive),
			BillingPlan:             planP(plan),
			ProcessorSubscriptionID: strP(""),
			CancelAtPeriodEnd:       boolP(false),
			PendingPlanChange:       planP(""),
			PendingPlanChangeAt:     clearTime(),
		})
	})
	if err != nil {
		return "", err
	}
	return plan, nil
}

// SyncAllOrganizations sweeps every organization with a billing record,
// bounding concurrency. Individual failures are logged and counted but
// do not stop the sweep; the first error is returned after completion.
func (p *Provider) SyncAllOrganizations(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}

	orgIDs, err := p.store.ListOrganizationIDs(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, orgID := range orgIDs {
		g.Go(func() error {
			if _, err := p.SyncOrganization(ctx, orgID); err != nil {
				p.logger.Error("organization sync failed",
					subledger.String("organization_id", orgID),
					subledger.Err(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
