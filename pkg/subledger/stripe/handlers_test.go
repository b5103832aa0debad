package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mrdja026/subledger/pkg/subledger"
	"github.com/mrdja026/subledger/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testOrgID         = "org-test-123"
	testCustomerID    = "cus_test_123"
	testSubID         = "sub_test_123"
	testPricePro      = "price_pro_monthly"
	testPriceTeam     = "price_team_monthly"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClient implements Client for handler tests, recording the calls
// the handlers issue against the processor.
type fakeClient struct {
	mu sync.Mutex

	mapping map[string]subledger.Plan
	prices  map[subledger.Plan]string

	subs       map[string]*Subscription
	activeSubs map[string][]*Subscription
	intents    map[string]*PaymentIntent
	defaultPM  string

	updateErr error
	created   *Subscription

	updateCalls  []UpdateSubscriptionRequest
	createCalls  []CreateSubscriptionRequest
	couponCalls  []string
	removedCalls []string
	creditCents  []int64
}

func newFakeClient() *fakeClient {
	mapping := map[string]subledger.Plan{
		testPricePro:  subledger.PlanPro,
		testPriceTeam: subledger.PlanTeam,
	}
	prices := make(map[subledger.Plan]string, len(mapping))
	for id, plan := range mapping {
		prices[plan] = id
	}
	return &fakeClient{
		mapping:    mapping,
		prices:     prices,
		subs:       make(map[string]*Subscription),
		activeSubs: make(map[string][]*Subscription),
		intents:    make(map[string]*PaymentIntent),
	}
}

func (c *fakeClient) PriceForPlan(plan subledger.Plan) string { return c.prices[plan] }

func (c *fakeClient) PriceMapping() map[string]subledger.Plan { return c.mapping }

func (c *fakeClient) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func (c *fakeClient) ListActiveSubscriptions(_ context.Context, customerID string) ([]*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSubs[customerID], nil
}

func (c *fakeClient) UpdateSubscription(_ context.Context, req UpdateSubscriptionRequest) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCalls = append(c.updateCalls, req)
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	if sub, ok := c.subs[req.SubscriptionID]; ok {
		return sub, nil
	}
	return &Subscription{ID: req.SubscriptionID, Status: "active"}, nil
}

func (c *fakeClient) CreateSubscription(_ context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls = append(c.createCalls, req)
	if c.created != nil {
		return c.created, nil
	}
	return &Subscription{ID: "sub_created", Status: "active", CustomerID: req.CustomerID}, nil
}

func (c *fakeClient) ApplyCoupon(_ context.Context, subscriptionID, couponID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.couponCalls = append(c.couponCalls, couponID)
	return nil
}

func (c *fakeClient) RemoveDiscount(_ context.Context, subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removedCalls = append(c.removedCalls, subscriptionID)
	return nil
}

func (c *fakeClient) CreditCustomerBalance(_ context.Context, _ string, amountCents int64, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditCents = append(c.creditCents, amountCents)
	return nil
}

func (c *fakeClient) GetPaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pi, ok := c.intents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent %s", id)
	}
	return pi, nil
}

func (c *fakeClient) DefaultPaymentMethod(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultPM, nil
}

// callbackRecorder captures post-commit callback events
type callbackRecorder struct {
	mu     sync.Mutex
	events []subledger.Event
}

func (r *callbackRecorder) callback(_ context.Context, event subledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func newTestProvider(t *testing.T, store *memory.Store, client *fakeClient, cb *callbackRecorder) *Provider {
	t.Helper()
	config := Config{
		Store:               store,
		Client:              client,
		StripeWebhookSecret: testWebhookSecret,
	}
	if cb != nil {
		config.Callback = cb.callback
	}
	provider, err := NewProvider(config)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	provider.now = func() time.Time { return testNow }
	return provider
}

func seedTestOrg(store *memory.Store, orgID string, b subledger.OrganizationBilling) {
	store.SeedOrganization(&subledger.Organization{ID: orgID, Name: "Test Org"})
	b.OrganizationID = orgID
	store.SeedBilling(&b)
}

// newEvent builds a webhook event envelope around a raw payload
func newEvent(t *testing.T, eventType string, payload interface{}, prevAttrs map[string]interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	return &stripe.Event{
		ID:      "evt_test_123",
		Type:    stripe.EventType(eventType),
		Created: testNow.Unix(),
		Data: &stripe.EventData{
			Raw:                raw,
			PreviousAttributes: prevAttrs,
		},
	}
}

func subscriptionPayload(subID, status, priceID string, start, end time.Time, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   subID,
		"status":               status,
		"customer":             testCustomerID,
		"metadata":             metadata,
		"current_period_start": start.Unix(),
		"current_period_end":   end.Unix(),
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]interface{}{"id": priceID}},
			},
		},
	}
}

func TestHandleSubscriptionCreated(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	cb := &callbackRecorder{}
	provider := newTestProvider(t, store, client, cb)
	ctx := context.Background()

	seedTestOrg(store, testOrgID, subledger.OrganizationBilling{
		BillingPlan:   subledger.PlanDeveloper,
		BillingStatus: subledger.StatusActive,
	})

	start := testNow.Add(-time.Hour)
	end := start.AddDate(0, 1, 0)
	event := newEvent(t, "customer.subscription.created",
		subscriptionPayload(testSubID, "active", testPricePro, start, end,
			map[string]string{"organization_id": testOrgID, "plan": "pro"}), nil)

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, err := store.GetBilling(ctx, testOrgID)
	if err != nil {
		t.Fatalf("GetBilling failed: %v", err)
	}
	if b.BillingPlan != subledger.PlanPro {
		t.Errorf("Expected plan pro, got %s", b.BillingPlan)
	}
	if b.ProcessorSubscriptionID != testSubID {
		t.Errorf("Expected subscription %s, got %s", testSubID, b.ProcessorSubscriptionID)
	}
	if b.ProcessorCustomerID != testCustomerID {
		t.Errorf("Expected customer %s, got %s", testCustomerID, b.ProcessorCustomerID)
	}

	periods := store.Periods(testOrgID)
	if len(periods) != 1 {
		t.Fatalf("Expected 1 period, got %d", len(periods))
	}
	p := periods[0]
	if p.Transition != subledger.TransitionInitialSignup {
		t.Errorf("Expected initial_signup transition, got %s", p.Transition)
	}
	if !p.PeriodStart.Equal(start) || !p.PeriodEnd.Equal(end) {
		t.Errorf("Period bounds mismatch: [%v, %v)", p.PeriodStart, p.PeriodEnd)
	}
	if p.PreviousPeriodID != "" {
		t.Errorf("First period must not link backward, got %s", p.PreviousPeriodID)
	}

	if len(cb.events) != 1 {
		t.Fatalf("Expected 1 callback event, got %d", len(cb.events))
	}
	if cb.events[0].NewPlan != subledger.PlanPro {
		t.Errorf("Callback NewPlan mismatch: %s", cb.events[0].NewPlan)
	}

	// Redelivery must not duplicate the period
	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Redelivered Route failed: %v", err)
	}
	if got := len(store.Periods(testOrgID)); got != 1 {
		t.Errorf("Redelivery duplicated the period: got %d", got)
	}
}

func TestHandleSubscriptionCreated_NoMetadata(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)

	start := testNow
	event := newEvent(t, "customer.subscription.created",
		subscriptionPayload(testSubID, "active", testPricePro, start, start.AddDate(0, 1, 0), nil), nil)

	// Unresolvable events are dropped without error so the processor
	// does not redeliver them forever
	if err := provider.Route(context.Background(), event); err != nil {
		t.Errorf("Expected drop without error, got %v", err)
	}
}

// seedRenewalFixture places an organization mid-cycle with an open
// period ending at the renewal boundary.
func seedRenewalFixture(t *testing.T, store *memory.Store, b subledger.OrganizationBilling, periodStart, periodEnd time.Time) string {
	t.Helper()
	seedTestOrg(store, testOrgID, b)

	var periodID string
	err := store.UpdateOrg(context.Background(), testOrgID, func(tx subledger.Tx) error {
		p := &subledger.BillingPeriod{
			Plan:                    b.BillingPlan,
			PeriodStart:             periodStart,
			PeriodEnd:               periodEnd,
			Status:                  subledger.PeriodActive,
			Transition:              subledger.TransitionInitialSignup,
			ProcessorSubscriptionID: b.ProcessorSubscriptionID,
		}
		if err := tx.CreatePeriod(p); err != nil {
			return err
		}
		periodID = p.ID
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to seed period: %v", err)
	}
	return periodID
}

func TestHandleSubscriptionUpdated_RenewalAppliesPending(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	cb := &callbackRecorder{}
	provider := newTestProvider(t, store, client, cb)
	ctx := context.Background()

	oldStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newStart := oldStart.AddDate(0, 1, 0)
	newEnd := newStart.AddDate(0, 1, 0)
	pendingAt := newStart.Add(-time.Hour)

	oldPeriodID := seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
		PendingPlanChange:       subledger.PlanTeam,
		PendingPlanChangeAt:     &pendingAt,
	}, oldStart, newStart)

	event := newEvent(t, "customer.subscription.updated",
		subscriptionPayload(testSubID, "active", testPricePro, newStart, newEnd, nil),
		map[string]interface{}{"current_period_end": oldStart.AddDate(0, 1, 0).Unix()})

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	// The processor price must have been switched without proration
	if len(client.updateCalls) != 1 {
		t.Fatalf("Expected 1 price switch, got %d", len(client.updateCalls))
	}
	call := client.updateCalls[0]
	if call.PriceID != testPriceTeam {
		t.Errorf("Expected price switch to %s, got %s", testPriceTeam, call.PriceID)
	}
	if call.ProrationBehavior != "none" {
		t.Errorf("Expected proration none, got %s", call.ProrationBehavior)
	}

	b, err := store.GetBilling(ctx, testOrgID)
	if err != nil {
		t.Fatalf("GetBilling failed: %v", err)
	}
	if b.BillingPlan != subledger.PlanTeam {
		t.Errorf("Expected plan team, got %s", b.BillingPlan)
	}
	if b.PendingPlanChange != "" || b.PendingPlanChangeAt != nil {
		t.Errorf("Pending change not cleared: %s / %v", b.PendingPlanChange, b.PendingPlanChangeAt)
	}

	periods := store.Periods(testOrgID)
	if len(periods) != 2 {
		t.Fatalf("Expected 2 periods, got %d", len(periods))
	}
	if periods[0].Status != subledger.PeriodCompleted {
		t.Errorf("Old period not completed: %s", periods[0].Status)
	}
	newPeriod := periods[1]
	if newPeriod.Plan != subledger.PlanTeam {
		t.Errorf("New period plan mismatch: %s", newPeriod.Plan)
	}
	if newPeriod.Transition != subledger.TransitionUpgrade {
		t.Errorf("Expected upgrade transition, got %s", newPeriod.Transition)
	}
	if newPeriod.PreviousPeriodID != oldPeriodID {
		t.Errorf("Period chain broken: got %s, want %s", newPeriod.PreviousPeriodID, oldPeriodID)
	}
	if !newPeriod.PeriodStart.Equal(newStart) {
		t.Errorf("New period start mismatch: %v", newPeriod.PeriodStart)
	}

	if len(cb.events) != 1 {
		t.Fatalf("Expected 1 callback event, got %d", len(cb.events))
	}
	if cb.events[0].PreviousPlan != subledger.PlanPro || cb.events[0].NewPlan != subledger.PlanTeam {
		t.Errorf("Callback plans mismatch: %s -> %s", cb.events[0].PreviousPlan, cb.events[0].NewPlan)
	}
}

func TestHandleSubscriptionUpdated_PendingNotDueYet(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	provider := newTestProvider(t, store, client, nil)
	ctx := context.Background()

	oldStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newStart := oldStart.AddDate(0, 1, 0)
	futureAt := newStart.AddDate(0, 1, 0) // effective only next cycle

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
		PendingPlanChange:       subledger.PlanTeam,
		PendingPlanChangeAt:     &futureAt,
	}, oldStart, newStart)

	event := newEvent(t, "customer.subscription.updated",
		subscriptionPayload(testSubID, "active", testPricePro, newStart, newStart.AddDate(0, 1, 0), nil),
		map[string]interface{}{"current_period_end": newStart.Unix()})

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if len(client.updateCalls) != 0 {
		t.Errorf("Expected no price switch, got %d", len(client.updateCalls))
	}
	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingPlan != subledger.PlanPro {
		t.Errorf("Plan must stay pro until the change is due, got %s", b.BillingPlan)
	}
	if b.PendingPlanChange != subledger.PlanTeam {
		t.Errorf("Pending change must survive: got %q", b.PendingPlanChange)
	}

	// A renewal still opens the next period
	periods := store.Periods(testOrgID)
	if len(periods) != 2 {
		t.Fatalf("Expected 2 periods, got %d", len(periods))
	}
	if periods[1].Transition != subledger.TransitionRenewal {
		t.Errorf("Expected renewal transition, got %s", periods[1].Transition)
	}
}

func TestHandleSubscriptionUpdated_PriceSwitchFailureAborts(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	client.updateErr = errors.New("stripe: rate limited")
	provider := newTestProvider(t, store, client, nil)
	ctx := context.Background()

	oldStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newStart := oldStart.AddDate(0, 1, 0)
	pendingAt := newStart.Add(-time.Hour)

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
		PendingPlanChange:       subledger.PlanTeam,
		PendingPlanChangeAt:     &pendingAt,
	}, oldStart, newStart)

	event := newEvent(t, "customer.subscription.updated",
		subscriptionPayload(testSubID, "active", testPricePro, newStart, newStart.AddDate(0, 1, 0), nil),
		map[string]interface{}{"current_period_end": newStart.Unix()})

	err := provider.Route(ctx, event)
	if !errors.Is(err, subledger.ErrProcessorUnavailable) {
		t.Fatalf("Expected ErrProcessorUnavailable for retry, got %v", err)
	}

	// No local write may have happened: plan, pending change and the
	// ledger all stay as they were
	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingPlan != subledger.PlanPro {
		t.Errorf("Plan diverged locally: %s", b.BillingPlan)
	}
	if b.PendingPlanChange != subledger.PlanTeam {
		t.Errorf("Pending change lost: %q", b.PendingPlanChange)
	}
	periods := store.Periods(testOrgID)
	if len(periods) != 1 || periods[0].Status != subledger.PeriodActive {
		t.Errorf("Ledger changed despite aborted switch: %+v", periods)
	}
}

func TestHandleSubscriptionUpdated_SandboxClockTolerated(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	client.updateErr = errors.New("cannot modify subscription while its test clock is in advancement")
	provider := newTestProvider(t, store, client, nil)
	ctx := context.Background()

	oldStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newStart := oldStart.AddDate(0, 1, 0)
	pendingAt := newStart.Add(-time.Hour)

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
		PendingPlanChange:       subledger.PlanTeam,
		PendingPlanChangeAt:     &pendingAt,
	}, oldStart, newStart)

	event := newEvent(t, "customer.subscription.updated",
		subscriptionPayload(testSubID, "active", testPricePro, newStart, newStart.AddDate(0, 1, 0), nil),
		map[string]interface{}{"current_period_end": newStart.Unix()})

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Sandbox clock error must be tolerated, got %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingPlan != subledger.PlanTeam {
		t.Errorf("Expected plan team after tolerated failure, got %s", b.BillingPlan)
	}
	if b.PendingPlanChange != "" {
		t.Errorf("Pending change not cleared: %q", b.PendingPlanChange)
	}
}

func TestHandleSubscriptionUpdated_Redelivery(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	provider := newTestProvider(t, store, client, nil)
	ctx := context.Background()

	oldStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newStart := oldStart.AddDate(0, 1, 0)

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	}, oldStart, newStart)

	event := newEvent(t, "customer.subscription.updated",
		subscriptionPayload(testSubID, "active", testPricePro, newStart, newStart.AddDate(0, 1, 0), nil),
		map[string]interface{}{"current_period_end": newStart.Unix()})

	for i := 0; i < 3; i++ {
		if err := provider.Route(ctx, event); err != nil {
			t.Fatalf("Route delivery %d failed: %v", i+1, err)
		}
	}

	periods := store.Periods(testOrgID)
	if len(periods) != 2 {
		t.Errorf("Redelivery duplicated periods: got %d, want 2", len(periods))
	}
}

func TestHandleSubscriptionUpdated_YearlyPrepayExpiry(t *testing.T) {
	store := memory.New()
	client := newFakeClient()
	provider := newTestProvider(t, store, client, nil)
	ctx := context.Background()

	oldStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newStart := oldStart.AddDate(0, 1, 0)
	prepayStart := newStart.AddDate(-1, 0, 0)
	prepayExpiry := newStart.Add(-time.Hour) // expired before this renewal

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanTeam,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
		HasYearlyPrepay:         true,
		YearlyPrepayStartedAt:   &prepayStart,
		YearlyPrepayExpiresAt:   &prepayExpiry,
		YearlyPrepayAmountCents: 99900,
		YearlyPrepayCouponID:    "coupon_yearly",
	}, oldStart, newStart)

	event := newEvent(t, "customer.subscription.updated",
		subscriptionPayload(testSubID, "active", testPriceTeam, newStart, newStart.AddDate(0, 1, 0), nil),
		map[string]interface{}{"current_period_end": newStart.Unix()})

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.HasYearlyPrepay {
		t.Error("Yearly prepay flag must clear after expiry")
	}
	if b.YearlyPrepayExpiresAt != nil || b.YearlyPrepayStartedAt != nil {
		t.Error("Yearly prepay timestamps must clear after expiry")
	}
	if b.YearlyPrepayAmountCents != 0 || b.YearlyPrepayCouponID != "" {
		t.Error("Yearly prepay bookkeeping must clear after expiry")
	}
}

func TestHandleSubscriptionDeleted_ScheduledOnly(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	seedTestOrg(store, testOrgID, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	})

	event := newEvent(t, "customer.subscription.deleted",
		subscriptionPayload(testSubID, "active", testPricePro, testNow, testNow.AddDate(0, 1, 0), nil), nil)

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if !b.CancelAtPeriodEnd {
		t.Error("Expected cancel_at_period_end to be set")
	}
	if b.ProcessorSubscriptionID != testSubID {
		t.Errorf("Subscription must stay recorded until fully canceled, got %q", b.ProcessorSubscriptionID)
	}
	if b.BillingPlan != subledger.PlanPro {
		t.Errorf("Plan must not change on scheduling, got %s", b.BillingPlan)
	}
}

func TestHandleSubscriptionDeleted_CanceledWithPending(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	pendingAt := testNow.Add(-time.Hour)
	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
		PendingPlanChange:       subledger.PlanEnterprise,
		PendingPlanChangeAt:     &pendingAt,
	}, testNow.AddDate(0, -1, 0), testNow.AddDate(0, 0, 15))

	event := newEvent(t, "customer.subscription.deleted",
		subscriptionPayload(testSubID, "canceled", testPricePro, testNow.AddDate(0, -1, 0), testNow.AddDate(0, 0, 15), nil), nil)

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingPlan != subledger.PlanEnterprise {
		t.Errorf("Expected resting plan enterprise, got %s", b.BillingPlan)
	}
	if b.BillingStatus != subledger.StatusActive {
		t.Errorf("Expected status active on the resting plan, got %s", b.BillingStatus)
	}
	if b.ProcessorSubscriptionID != "" {
		t.Errorf("Subscription id not cleared: %q", b.ProcessorSubscriptionID)
	}
	if b.PendingPlanChange != "" || b.PendingPlanChangeAt != nil {
		t.Error("Pending change not consumed by cancellation")
	}

	periods := store.Periods(testOrgID)
	if len(periods) != 1 || periods[0].Status != subledger.PeriodCompleted {
		t.Errorf("Final period not completed: %+v", periods)
	}
}

func TestHandleSubscriptionDeleted_CanceledWithoutPending(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	seedTestOrg(store, testOrgID, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanTeam,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	})

	event := newEvent(t, "customer.subscription.deleted",
		subscriptionPayload(testSubID, "canceled", testPriceTeam, testNow.AddDate(0, -1, 0), testNow, nil), nil)

	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingPlan != subledger.PlanDeveloper {
		t.Errorf("Expected fallback plan developer, got %s", b.BillingPlan)
	}
}

func invoicePayload(billingReason string, amountPaid int64) map[string]interface{} {
	return map[string]interface{}{
		"id":             "in_test_123",
		"customer":       testCustomerID,
		"subscription":   testSubID,
		"billing_reason": billingReason,
		"amount_paid":    amountPaid,
		"amount_due":     amountPaid,
		"currency":       "usd",
	}
}

func TestHandleInvoicePaymentFailed_GraceFlow(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	periodStart := testNow.AddDate(0, -1, 0)
	periodEnd := testNow.Add(time.Hour)
	activeID := seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	}, periodStart, periodEnd)

	event := newEvent(t, "invoice.payment_failed", invoicePayload("subscription_cycle", 0), nil)
	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingStatus != subledger.StatusPastDue {
		t.Errorf("Expected past_due, got %s", b.BillingStatus)
	}
	wantGraceEnd := testNow.Add(defaultGracePeriod)
	if b.GracePeriodEndsAt == nil || !b.GracePeriodEndsAt.Equal(wantGraceEnd) {
		t.Errorf("GracePeriodEndsAt mismatch: %v, want %v", b.GracePeriodEndsAt, wantGraceEnd)
	}
	if b.LastPaymentStatus != "failed" {
		t.Errorf("LastPaymentStatus mismatch: %s", b.LastPaymentStatus)
	}

	periods := store.Periods(testOrgID)
	if len(periods) != 2 {
		t.Fatalf("Expected 2 periods, got %d", len(periods))
	}
	if periods[0].Status != subledger.PeriodEndedUnpaid {
		t.Errorf("Failed period not marked ended_unpaid: %s", periods[0].Status)
	}
	grace := periods[1]
	if grace.Status != subledger.PeriodGrace {
		t.Errorf("Expected grace period, got %s", grace.Status)
	}
	if !grace.PeriodStart.Equal(periodEnd) {
		t.Errorf("Grace period must start at the failed period's end: %v", grace.PeriodStart)
	}
	if !grace.PeriodEnd.Equal(wantGraceEnd) {
		t.Errorf("Grace period end mismatch: %v", grace.PeriodEnd)
	}
	if grace.PreviousPeriodID != activeID {
		t.Errorf("Grace period chain broken: %s", grace.PreviousPeriodID)
	}
	if grace.Plan != subledger.PlanPro {
		t.Errorf("Grace period keeps the plan: got %s", grace.Plan)
	}

	// Redelivery must not open a second grace period
	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Redelivered Route failed: %v", err)
	}
	if got := len(store.Periods(testOrgID)); got != 2 {
		t.Errorf("Redelivery duplicated grace period: got %d periods", got)
	}
}

func TestHandleInvoicePaymentFailed_NonRenewal(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	}, testNow.AddDate(0, -1, 0), testNow.Add(time.Hour))

	event := newEvent(t, "invoice.payment_failed", invoicePayload("subscription_update", 0), nil)
	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingStatus != subledger.StatusPastDue {
		t.Errorf("Expected past_due, got %s", b.BillingStatus)
	}
	if b.GracePeriodEndsAt != nil {
		t.Error("Non-renewal failure must not open a grace window")
	}
	periods := store.Periods(testOrgID)
	if len(periods) != 1 || periods[0].Status != subledger.PeriodActive {
		t.Errorf("Ledger must be untouched: %+v", periods)
	}
}

func TestHandleInvoicePaymentSucceeded_Recovery(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusPastDue,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	}, testNow.AddDate(0, -1, 0), testNow.AddDate(0, 0, 15))

	event := newEvent(t, "invoice.payment_succeeded", invoicePayload("subscription_cycle", 2900), nil)
	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, _ := store.GetBilling(ctx, testOrgID)
	if b.BillingStatus != subledger.StatusActive {
		t.Errorf("Expected recovery to active, got %s", b.BillingStatus)
	}
	if b.LastPaymentStatus != "succeeded" {
		t.Errorf("LastPaymentStatus mismatch: %s", b.LastPaymentStatus)
	}

	periods := store.Periods(testOrgID)
	if len(periods) != 1 {
		t.Fatalf("Expected 1 period, got %d", len(periods))
	}
	if periods[0].InvoiceID != "in_test_123" || periods[0].AmountCents != 2900 {
		t.Errorf("Invoice not stamped on current period: %+v", periods[0])
	}
}

func TestHandleInvoicePaymentSucceeded_StampsWebhookActor(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)
	ctx := context.Background()

	seedRenewalFixture(t, store, subledger.OrganizationBilling{
		BillingPlan:             subledger.PlanPro,
		BillingStatus:           subledger.StatusActive,
		ProcessorSubscriptionID: testSubID,
		ProcessorCustomerID:     testCustomerID,
	}, testNow.AddDate(0, -1, 0), testNow.AddDate(0, 0, 15))

	event := newEvent(t, "invoice.payment_succeeded", invoicePayload("subscription_cycle", 2900), nil)
	if err := provider.Route(ctx, event); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	b, err := store.GetBilling(ctx, testOrgID)
	if err != nil {
		t.Fatalf("GetBilling failed: %v", err)
	}
	if b.UpdatedBy != "webhook" {
		t.Errorf("UpdatedBy mismatch: got %q, want webhook", b.UpdatedBy)
	}
}

func TestHandleInvoicePaymentSucceeded_OneTimePayment(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)

	payload := invoicePayload("manual", 500)
	payload["subscription"] = ""
	event := newEvent(t, "invoice.payment_succeeded", payload, nil)

	if err := provider.Route(context.Background(), event); err != nil {
		t.Errorf("One-time payment must be a no-op, got %v", err)
	}
}

func TestRoute_UnknownEventType(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)

	event := newEvent(t, "customer.tax_id.created", map[string]interface{}{"id": "txi_1"}, nil)
	if err := provider.Route(context.Background(), event); err != nil {
		t.Errorf("Unknown event types must be dropped without error, got %v", err)
	}
}

func TestHandlePaymentIntentSucceeded_NoOp(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, newFakeClient(), nil)

	event := newEvent(t, "payment_intent.succeeded", map[string]interface{}{"id": "pi_1"}, nil)
	if err := provider.Route(context.Background(), event); err != nil {
		t.Errorf("payment_intent.succeeded must be acknowledged, got %v", err)
	}
}

func TestIsSandboxClockError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Test clock is in advancement"), true},
		{errors.New("the TEST CLOCK cannot be used during Advancement"), true},
		{errors.New("test clock frozen"), false},
		{errors.New("advancement required"), false},
		{errors.New("rate limited"), false},
	}
	for _, tc := range cases {
		if got := isSandboxClockError(tc.err); got != tc.want {
			t.Errorf("isSandboxClockError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
