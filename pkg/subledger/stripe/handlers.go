package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// handleSubscriptionCreated processes customer.subscription.created events
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var sub subscriptionEvent
	if err := decodeEvent(event, &sub); err != nil {
		return err
	}

	orgID := sub.Metadata["organization_id"]
	if orgID == "" {
		log.Error("no organization_id in subscription metadata",
			subledger.String("subscription_id", sub.ID))
		return nil
	}

	if _, err := p.store.GetBilling(ctx, orgID); err != nil {
		log.Error("no billing record for organization", subledger.Err(err))
		return nil
	}
	sysCtx, err := p.systemContext(ctx, orgID)
	if err != nil {
		log.Error("organization not found", subledger.Err(err))
		return nil
	}
	ctx = subledger.WithSystemContext(ctx, sysCtx)

	plan := subledger.Plan(sub.Metadata["plan"])
	if !plan.Valid() {
		plan = subledger.PlanPro
	}

	hasPM, pmID := detectPaymentMethod(&Subscription{DefaultPaymentMethodID: sub.DefaultPaymentMethod.String()})
	periodStart, periodEnd := sub.PeriodStart(), sub.PeriodEnd()

	var previousPlan subledger.Plan
	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		billing, err := tx.Billing()
		if err != nil {
			return err
		}
		previousPlan = billing.BillingPlan

		// Redelivered event: the first period already exists
		if billing.ProcessorSubscriptionID == sub.ID {
			if _, err := tx.CurrentPeriod(periodStart); err == nil {
				return nil
			}
		}

		upd := &subledger.BillingUpdate{
			ProcessorSubscriptionID: strP(sub.ID),
			BillingPlan:             planP(plan),
			BillingStatus:           statusP(subledger.StatusActive),
			CurrentPeriodStart:      timeP(periodStart),
			CurrentPeriodEnd:        timeP(periodEnd),
			GracePeriodEndsAt:       clearTime(),
			PaymentMethodAdded:      boolP(hasPM),
			PaymentMethodID:         strP(pmID),
		}
		if sub.Customer != "" {
			upd.ProcessorCustomerID = strP(sub.Customer.String())
		}
		if err := tx.UpdateBilling(upd); err != nil {
			return err
		}

		return tx.CreatePeriod(&subledger.BillingPeriod{
			OrganizationID:          orgID,
			Plan:                    plan,
			PeriodStart:             periodStart,
			PeriodEnd:               periodEnd,
			Status:                  subledger.PeriodActive,
			Transition:              subledger.TransitionInitialSignup,
			ProcessorSubscriptionID: sub.ID,
		})
	})
	if err != nil {
		return fmt.Errorf("subscription created for org %s: %w", orgID, err)
	}

	p.metrics.RecordPeriodTransition(providerName, string(subledger.TransitionInitialSignup))
	log.Info("subscription created", subledger.String("plan", string(plan)))

	if plan != p.fallbackPlan {
		p.notify(ctx, log, subledger.Event{
			OrganizationID: orgID,
			EventType:      string(event.Type),
			EventID:        event.ID,
			PreviousPlan:   previousPlan,
			NewPlan:        plan,
			NewStatus:      subledger.StatusActive,
			OccurredAt:     p.now(),
		})
	}
	return nil
}

// handleSubscriptionUpdated processes customer.subscription.updated
// events, covering both renewals and mid-cycle item changes.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var sub subscriptionEvent
	if err := decodeEvent(event, &sub); err != nil {
		return err
	}

	billing, err := p.store.GetBillingBySubscription(ctx, sub.ID)
	if err != nil {
		log.Error("no billing record for subscription",
			subledger.String("subscription_id", sub.ID))
		return nil
	}
	orgID := billing.OrganizationID
	sysCtx, err := p.systemContext(ctx, orgID)
	if err != nil {
		log.Error("organization not found", subledger.Err(err))
		return nil
	}
	ctx = subledger.WithSystemContext(ctx, sysCtx)

	isRenewal := previousAttributeSet(event, "current_period_end")
	itemsChanged := previousAttributeSet(event, "items")
	periodStart, periodEnd := sub.PeriodStart(), sub.PeriodEnd()

	// The pending plan participates in inference only once its
	// effective date has passed, measured against the processor-side
	// period start rather than wall clock.
	var pendingToApply subledger.Plan
	if billing.PendingPlanChange != "" && billing.PendingPlanChangeAt != nil {
		if !periodStart.Before(*billing.PendingPlanChangeAt) {
			pendingToApply = billing.PendingPlanChange
			log.Info("pending plan change is due",
				subledger.String("pending_plan", string(pendingToApply)))
		}
	}

	inferred := subledger.InferPlan(subledger.InferenceContext{
		CurrentPlan:       billing.BillingPlan,
		PendingPlan:       pendingToApply,
		IsRenewal:         isRenewal,
		ItemsChanged:      itemsChanged,
		SubscriptionItems: sub.PriceIDs(),
	}, p.client.PriceMapping())

	log.Info("inferred plan",
		subledger.String("plan", string(inferred.Plan)),
		subledger.Field{Key: "changed", Value: inferred.Changed},
		subledger.String("reason", inferred.Reason))

	// On a renewal that applies a pending change the processor price
	// must switch before the new plan is trusted locally. A failure
	// aborts with no local write so state cannot diverge; only the
	// sandbox-clock failure mode is tolerated.
	applyingPending := isRenewal && inferred.Changed && inferred.ShouldClearPending
	if applyingPending {
		priceID := p.client.PriceForPlan(inferred.Plan)
		if priceID != "" {
			log.Info("applying pending plan change on renewal",
				subledger.String("from", string(billing.BillingPlan)),
				subledger.String("to", string(inferred.Plan)))
			_, err := p.client.UpdateSubscription(ctx, UpdateSubscriptionRequest{
				SubscriptionID:    sub.ID,
				PriceID:           priceID,
				ProrationBehavior: "none",
			})
			if err != nil {
				if !isSandboxClockError(err) {
					log.Error("price switch failed, skipping local update to prevent divergence",
						subledger.Err(err))
					return fmt.Errorf("%w: %v", subledger.ErrProcessorUnavailable, err)
				}
				log.Warn("price switch hit sandbox clock error, proceeding", subledger.Err(err))
			}
			if billing.HasYearlyPrepay {
				if err := p.client.RemoveDiscount(ctx, sub.ID); err != nil {
					log.Warn("failed to remove yearly discount", subledger.Err(err))
				}
			}
		}
	}

	hasPM, pmID := detectPaymentMethod(&Subscription{DefaultPaymentMethodID: sub.DefaultPaymentMethod.String()})
	changeType := subledger.ComparePlans(billing.BillingPlan, inferred.Plan)
	previousPlan := billing.BillingPlan

	var transition subledger.Transition
	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		current, err := tx.Billing()
		if err != nil {
			return err
		}

		if subledger.ShouldStartPeriod(isRenewal, inferred.Changed) {
			newStart := periodStart
			if !isRenewal {
				newStart = p.now()
			}

			// Locate the period active at the processor-reported
			// instant; sandbox clocks make wall-clock lookup wrong here.
			prev, prevErr := tx.CurrentPeriod(newStart)
			if prevErr != nil && !errors.Is(prevErr, subledger.ErrPeriodNotFound) {
				return prevErr
			}

			switch {
			case prev != nil && prev.PeriodStart.Equal(newStart) && prev.ProcessorSubscriptionID == sub.ID:
				// Redelivered event; the period already exists
			default:
				if prev == nil {
					// Exact-boundary renewal: the closing period ends at
					// newStart, just outside its own half-open range.
					if before, err := tx.CurrentPeriod(newStart.Add(-time.Nanosecond)); err == nil {
						prev = before
					}
				}
				transition = subledger.PeriodTransitionFor(current.BillingPlan, inferred.Plan, false)
				var prevID string
				if prev != nil {
					prevID = prev.ID
					if !prev.Status.Terminal() {
						if err := tx.CompletePeriod(prev.ID, subledger.PeriodCompleted); err != nil {
							return err
						}
					}
				}
				if err := tx.CreatePeriod(&subledger.BillingPeriod{
					OrganizationID:          orgID,
					Plan:                    inferred.Plan,
					PeriodStart:             newStart,
					PeriodEnd:               periodEnd,
					Status:                  subledger.PeriodActive,
					Transition:              transition,
					PreviousPeriodID:        prevID,
					ProcessorSubscriptionID: sub.ID,
				}); err != nil {
					return err
				}
			}
		}

		upd := &subledger.BillingUpdate{
			BillingStatus:      statusP(subledger.Status(sub.Status)),
			CancelAtPeriodEnd:  boolP(sub.CancelAtPeriodEnd),
			CurrentPeriodStart: timeP(periodStart),
			CurrentPeriodEnd:   timeP(periodEnd),
			PaymentMethodAdded: boolP(hasPM),
		}
		if pmID != "" {
			upd.PaymentMethodID = strP(pmID)
		}
		if isRenewal || (itemsChanged && inferred.Changed) {
			upd.BillingPlan = planP(inferred.Plan)
		}
		if isRenewal && inferred.ShouldClearPending {
			upd.PendingPlanChange = planP("")
			upd.PendingPlanChangeAt = clearTime()
		}
		if current.HasYearlyPrepay && current.YearlyPrepayExpiresAt != nil &&
			!periodStart.Before(*current.YearlyPrepayExpiresAt) {
			log.Info("yearly prepay expired at renewal",
				subledger.Field{Key: "expires_at", Value: *current.YearlyPrepayExpiresAt})
			upd.HasYearlyPrepay = boolP(false)
			upd.YearlyPrepayStartedAt = clearTime()
			upd.YearlyPrepayExpiresAt = clearTime()
			upd.YearlyPrepayAmountCents = int64P(0)
			upd.YearlyPrepayCouponID = strP("")
			upd.YearlyPrepayPaymentIntentID = strP("")
		}
		return tx.UpdateBilling(upd)
	})
	if err != nil {
		return fmt.Errorf("subscription updated for org %s: %w", orgID, err)
	}

	if transition != "" {
		p.metrics.RecordPeriodTransition(providerName, string(transition))
	}
	if inferred.Changed && changeType != subledger.PlanChangeNone {
		p.metrics.RecordPlanChange(providerName, string(previousPlan), string(inferred.Plan))
		p.notify(ctx, log, subledger.Event{
			OrganizationID: orgID,
			EventType:      string(event.Type),
			EventID:        event.ID,
			PreviousPlan:   previousPlan,
			NewPlan:        inferred.Plan,
			NewStatus:      subledger.Status(sub.Status),
			OccurredAt:     p.now(),
		})
	}

	log.Info("subscription updated")
	return nil
}

// handleSubscriptionDeleted processes customer.subscription.deleted events
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var sub subscriptionEvent
	if err := decodeEvent(event, &sub); err != nil {
		return err
	}

	billing, err := p.store.GetBillingBySubscription(ctx, sub.ID)
	if err != nil {
		log.Error("no billing record for subscription",
			subledger.String("subscription_id", sub.ID))
		return nil
	}
	orgID := billing.OrganizationID
	sysCtx, err := p.systemContext(ctx, orgID)
	if err != nil {
		log.Error("organization not found", subledger.Err(err))
		return nil
	}
	ctx = subledger.WithSystemContext(ctx, sysCtx)

	if subledger.Status(sub.Status) != subledger.StatusCanceled {
		// Only scheduled to cancel at the period boundary
		err := p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
			return tx.UpdateBilling(&subledger.BillingUpdate{CancelAtPeriodEnd: boolP(true)})
		})
		if err != nil {
			return fmt.Errorf("subscription cancel scheduling for org %s: %w", orgID, err)
		}
		log.Info("subscription scheduled to cancel")
		return nil
	}

	var restingPlan, previousPlan subledger.Plan
	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		current, err := tx.Billing()
		if err != nil {
			return err
		}
		previousPlan = current.BillingPlan

		if period, err := tx.CurrentPeriod(p.now()); err == nil && !period.Status.Terminal() {
			if err := tx.CompletePeriod(period.ID, subledger.PeriodCompleted); err != nil {
				return err
			}
			log.Info("completed final billing period", subledger.String("period_id", period.ID))
		}

		// A still-pending change becomes the resting plan; otherwise
		// the organization lands on the base plan.
		restingPlan = current.PendingPlanChange
		if restingPlan == "" {
			restingPlan = p.fallbackPlan
		}

		return tx.UpdateBilling(&subledger.BillingUpdate{
			BillingStatus:           statusP(subledger.StatusActive),
			BillingPlan:             planP(restingPlan),
			ProcessorSubscriptionID: strP(""),
			CancelAtPeriodEnd:       boolP(false),
			PendingPlanChange:       planP(""),
			PendingPlanChangeAt:     clearTime(),
		})
	})
	if err != nil {
		return fmt.Errorf("subscription deletion for org %s: %w", orgID, err)
	}

	if restingPlan != previousPlan {
		p.metrics.RecordPlanChange(providerName, string(previousPlan), string(restingPlan))
	}
	log.Info("subscription fully canceled", subledger.String("resting_plan", string(restingPlan)))
	return nil
}

// handleInvoicePaymentSucceeded processes invoice.payment_succeeded and
// invoice.paid events
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var invoice invoiceEvent
	if err := decodeEvent(event, &invoice); err != nil {
		return err
	}

	if invoice.Subscription == "" {
		return nil // One-time payment
	}

	billing, err := p.store.GetBillingByCustomer(ctx, invoice.Customer.String())
	if err != nil {
		log.Error("no billing record for customer",
			subledger.String("customer_id", invoice.Customer.String()))
		return nil
	}
	orgID := billing.OrganizationID
	sysCtx, err := p.systemContext(ctx, orgID)
	if err != nil {
		return nil
	}
	ctx = subledger.WithSystemContext(ctx, sysCtx)

	now := p.now()
	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		current, err := tx.Billing()
		if err != nil {
			return err
		}

		upd := &subledger.BillingUpdate{
			LastPaymentStatus: strP("succeeded"),
			LastPaymentAt:     timePP(now),
		}
		if current.BillingStatus == subledger.StatusPastDue {
			upd.BillingStatus = statusP(subledger.StatusActive)
		}
		if err := tx.UpdateBilling(upd); err != nil {
			return err
		}

		// Best effort: stamp the current period's invoice fields
		if period, err := tx.CurrentPeriod(now); err == nil &&
			(period.Status == subledger.PeriodActive || period.Status == subledger.PeriodGrace) {
			stampErr := tx.StampInvoice(period.ID, subledger.InvoiceStamp{
				InvoiceID:   invoice.ID,
				AmountCents: invoice.AmountPaid,
				Currency:    invoice.Currency,
				PaidAt:      invoice.PaidAt(now),
			})
			if stampErr != nil {
				log.Warn("failed to stamp invoice on period", subledger.Err(stampErr))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("payment succeeded for org %s: %w", orgID, err)
	}

	log.Info("payment succeeded")
	return nil
}

// handleInvoicePaymentFailed processes invoice.payment_failed events.
// A renewal-cycle failure ends the current period unpaid and opens a
// grace period; other failures only mark the record past due.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var invoice invoiceEvent
	if err := decodeEvent(event, &invoice); err != nil {
		return err
	}

	if invoice.Subscription == "" {
		return nil // One-time payment
	}

	billing, err := p.store.GetBillingByCustomer(ctx, invoice.Customer.String())
	if err != nil {
		log.Error("no billing record for customer",
			subledger.String("customer_id", invoice.Customer.String()))
		return nil
	}
	orgID := billing.OrganizationID
	sysCtx, err := p.systemContext(ctx, orgID)
	if err != nil {
		return nil
	}
	ctx = subledger.WithSystemContext(ctx, sysCtx)

	now := p.now()
	openedGrace := false
	err = p.updateOrg(ctx, orgID, func(tx subledger.Tx) error {
		current, err := tx.Billing()
		if err != nil {
			return err
		}

		upd := &subledger.BillingUpdate{
			LastPaymentStatus: strP("failed"),
			BillingStatus:     statusP(subledger.StatusPastDue),
		}

		if invoice.BillingReason == "subscription_cycle" {
			period, periodErr := tx.CurrentPeriod(now)
			if periodErr == nil && period.Status == subledger.PeriodActive {
				if err := tx.CompletePeriod(period.ID, subledger.PeriodEndedUnpaid); err != nil {
					return err
				}
				graceEnd := now.Add(p.gracePeriod)
				if err := tx.CreatePeriod(&subledger.BillingPeriod{
					OrganizationID:          orgID,
					Plan:                    period.Plan,
					PeriodStart:             period.PeriodEnd,
					PeriodEnd:               graceEnd,
					Status:                  subledger.PeriodGrace,
					Transition:              subledger.TransitionRenewal,
					PreviousPeriodID:        period.ID,
					ProcessorSubscriptionID: current.ProcessorSubscriptionID,
				}); err != nil {
					return err
				}
				upd.GracePeriodEndsAt = timePP(graceEnd)
				openedGrace = true
			}
			// An existing Grace period means this failure was already
			// recorded; only refresh the status fields.
		}

		return tx.UpdateBilling(upd)
	})
	if err != nil {
		return fmt.Errorf("payment failed for org %s: %w", orgID, err)
	}

	if openedGrace {
		log.Warn("payment failed, grace period opened")
	} else {
		log.Warn("payment failed")
	}
	return nil
}

// handleInvoiceUpcoming logs the upcoming renewal notice
func (p *Provider) handleInvoiceUpcoming(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var invoice invoiceEvent
	if err := decodeEvent(event, &invoice); err != nil {
		return err
	}

	billing, err := p.store.GetBillingByCustomer(ctx, invoice.Customer.String())
	if err != nil {
		return nil
	}
	log.Info("upcoming invoice",
		subledger.String("organization_id", billing.OrganizationID),
		subledger.Field{Key: "amount_due_cents", Value: invoice.AmountDue})
	return nil
}

// handleCheckoutSessionCompleted processes checkout.session.completed
// events. Payment-mode sessions carry the yearly prepay flow;
// subscription-mode sessions are covered by subscription.created.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, log subledger.Logger) error {
	var session checkoutSessionEvent
	if err := decodeEvent(event, &session); err != nil {
		return err
	}

	log.Info("checkout completed",
		subledger.String("session_id", session.ID),
		subledger.String("mode", session.Mode))

	if session.Mode == "payment" {
		return p.finalizeYearlyPrepay(ctx, event, &session, log)
	}
	return nil
}

// handlePaymentIntentSucceeded acknowledges payment_intent.succeeded;
// checkout.session.completed covers the flow.
func (p *Provider) handlePaymentIntentSucceeded(_ context.Context, _ *stripe.Event, _ subledger.Logger) error {
	return nil
}

// isSandboxClockError recognizes the processor sandbox-clock failure
// mode that is tolerated so test environments stay unblocked.
func isSandboxClockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "test clock") && strings.Contains(msg, "advancement")
}

func planP(p subledger.Plan) *subledger.Plan       { return &p }
func statusP(s subledger.Status) *subledger.Status { return &s }
func strP(s string) *string                        { return &s }
func boolP(b bool) *bool                           { return &b }
func int64P(v int64) *int64                        { return &v }
func timeP(t time.Time) *time.Time                 { return &t }

func timePP(t time.Time) **time.Time {
	tp := &t
	return &tp
}

func clearTime() **time.Time {
	var tp *time.Time
	return &tp
}
