package stripe

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// finalizeYearlyPrepay finalizes a one-time-payment checkout: credit
// the captured amount to the customer balance, attach or create the
// discounted subscription, and record the prepay window. The balance
// credit and coupon application are side channels; the subscription
// step is the primary path and its failure propagates for retry.
func (p *Provider) finalizeYearlyPrepay(ctx context.Context, event *stripe.Event, session *checkoutSessionEvent, log subledger.Logger) error {
	if session.Metadata["type"] != "yearly_prepay" {
		return nil
	}

	orgID := session.Metadata["organization_id"]
	planStr := session.Metadata["plan"]
	couponID := session.Metadata["coupon_id"]
	paymentIntentID := session.PaymentIntent.String()
	if orgID == "" || planStr == "" || couponID == "" || paymentIntentID == "" {
		log.Error("missing metadata for yearly prepay finalization")
		return nil
	}
	if err := uuid.Validate(orgID); err != nil {
		log.Error("invalid organization_id in yearly prepay metadata",
			subledger.String("organization_id", orgID))
		return nil
	}
	plan := subledger.Plan(planStr)
	if !plan.Valid() {
		log.Error("unknown plan in yearly prepay metadata",
			subledger.String("plan", planStr))
		return nil
	}

	sysCtx, err := p.systemContext(ctx, orgID)
	if err != nil {
		log.Error("organization not found for prepay finalization", subledger.Err(err))
		return nil
	}
	ctx = subledger.WithSystemContext(ctx, sysCtx)
	billing, err := p.store.GetBilling(ctx, orgID)
	if err != nil {
		log.Error("billing record missing for prepay finalization", subledger.Err(err))
		return nil
	}

	// (1) Obtain the captured amount from the payment intent
	var amountReceived int64
	var piPaymentMethod string
	pi, err := p.client.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		log.Warn("failed to fetch payment intent", subledger.Err(err))
	} else {
		amountReceived = pi.AmountReceived
		piPaymentMethod = pi.PaymentMethodID
	}

	// (2) Credit the balance best-effort; the subscription step is primary
	if amountReceived > 0 {
		err := p.client.CreditCustomerBalance(ctx, billing.ProcessorCustomerID, amountReceived,
			fmt.Sprintf("Yearly prepay credit (%s)", plan))
		if err != nil {
			log.Warn("failed to credit customer balance", subledger.Err(err))
		}
	}

	priceID := p.client.PriceForPlan(plan)
	if priceID == "" {
		log.Error("no price configured for plan", subledger.String("plan", string(plan)))
		return nil
	}

	// (3) Attach the plan to an existing subscription or create one
	var sub *Subscription
	if billing.ProcessorSubscriptionID != "" {
		if err := p.client.ApplyCoupon(ctx, billing.ProcessorSubscriptionID, couponID); err != nil {
			log.Warn("failed to apply coupon to subscription", subledger.Err(err))
		}

		req := UpdateSubscriptionRequest{
			SubscriptionID:    billing.ProcessorSubscriptionID,
			PriceID:           priceID,
			ProrationBehavior: "create_prorations",
			CancelAtPeriodEnd: boolP(false),
		}
		if piPaymentMethod != "" {
			req.DefaultPaymentMethod = piPaymentMethod
		}
		sub, err = p.client.UpdateSubscription(ctx, req)
		if err != nil {
			return fmt.Errorf("yearly prepay price switch for org %s: %w", orgID, err)
		}
		log.Info("updated existing subscription for yearly prepay",
			subledger.String("subscription_id", sub.ID))
	} else {
		paymentMethod := piPaymentMethod
		if paymentMethod == "" {
			// Fall back to the customer's stored default
			paymentMethod, err = p.client.DefaultPaymentMethod(ctx, billing.ProcessorCustomerID)
			if err != nil {
				log.Warn("failed to look up default payment method", subledger.Err(err))
			}
		}

		sub, err = p.client.CreateSubscription(ctx, CreateSubscriptionRequest{
			CustomerID: billing.ProcessorCustomerID,
			PriceID:    priceID,
			Metadata: map[string]string{
				"organization_id": orgID,
				"plan":            string(plan),
			},
			CouponID:             couponID,
			DefaultPaymentMethod: paymentMethod,
		})
		if err != nil {
			return fmt.Errorf("yearly prepay subscription creation for org %s: %w", orgID, err)
		}
		log.Info("created new subscription for yearly prepay",
			subledger.String("subscription_id", sub.ID))
	}

	// (4) Derive the prepay expiry from the processor-reported period
	// start so sandbox clock advances stay consistent
	subStart := sub.PeriodStart
	if subStart.IsZero() {
		subStart = p.now()
	}
	expiresAt := subStart.Add(yearlyPrepayTerm)

	_, pmID := detectPaymentMethod(sub)
	if pmID == "" {
		pmID = piPaymentMethod
	}

	// (5) Persist subscription and prepay bookkeeping atomically. A
	// failure here leaves an orphaned processor subscription; the sync
	// sweep re-adopts it.
	previousPlan := billing.BillingPlan
	now := p.now()
	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		upd := &subledger.BillingUpdate{
			ProcessorSubscriptionID:     strP(sub.ID),
			BillingPlan:                 planP(plan),
			BillingStatus:               statusP(subledger.StatusActive),
			PaymentMethodAdded:          boolP(true),
			HasYearlyPrepay:             boolP(true),
			YearlyPrepayStartedAt:       timePP(subStart),
			YearlyPrepayExpiresAt:       timePP(expiresAt),
			YearlyPrepayAmountCents:     int64P(amountReceived),
			YearlyPrepayCouponID:        strP(couponID),
			YearlyPrepayPaymentIntentID: strP(paymentIntentID),
		}
		if pmID != "" {
			upd.PaymentMethodID = strP(pmID)
		}
		if !sub.PeriodStart.IsZero() {
			upd.CurrentPeriodStart = timeP(sub.PeriodStart)
			upd.CurrentPeriodEnd = timeP(sub.PeriodEnd)
		}
		return tx.UpdateBilling(upd)
	})
	if err != nil {
		return fmt.Errorf("yearly prepay persistence for org %s: %w", orgID, err)
	}

	log.Info("yearly prepay finalized",
		subledger.String("subscription_id", sub.ID),
		subledger.Field{Key: "expires_at", Value: expiresAt})

	if plan != previousPlan {
		p.metrics.RecordPlanChange(providerName, string(previousPlan), string(plan))
	}
	p.notify(ctx, log, subledger.Event{
		OrganizationID: orgID,
		EventType:      string(event.Type),
		EventID:        event.ID,
		PreviousPlan:   previousPlan,
		NewPlan:        plan,
		NewStatus:      subledger.StatusActive,
		IsYearly:       true,
		OccurredAt:     now,
	})
	return nil
}
