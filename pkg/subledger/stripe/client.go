package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// Subscription is the processor-neutral view of a subscription used by
// the event handlers.
type Subscription struct {
	ID                     string
	Status                 string
	CustomerID             string
	CancelAtPeriodEnd      bool
	PeriodStart            time.Time
	PeriodEnd              time.Time
	PriceIDs               []string
	DefaultPaymentMethodID string
	Metadata               map[string]string
}

// PaymentIntent is the processor-neutral view of a payment intent
type PaymentIntent struct {
	ID              string
	Status          string
	AmountReceived  int64
	PaymentMethodID string
}

// UpdateSubscriptionRequest carries the parameters for a price swap
type UpdateSubscriptionRequest struct {
	SubscriptionID    string
	PriceID           string
	ProrationBehavior string

	// CancelAtPeriodEnd is applied only when non-nil
	CancelAtPeriodEnd *bool

	// DefaultPaymentMethod is applied only when non-empty
	DefaultPaymentMethod string
}

// CreateSubscriptionRequest carries the parameters for a new subscription
type CreateSubscriptionRequest struct {
	CustomerID           string
	PriceID              string
	Metadata             map[string]string
	CouponID             string
	DefaultPaymentMethod string
}

// Client is the typed façade over the payment processor API consumed
// by the event handlers. Implementations hold no reconciliation state.
type Client interface {
	// PriceForPlan returns the processor price id for a plan, or ""
	// when the plan has no configured price.
	PriceForPlan(plan subledger.Plan) string

	// PriceMapping returns the static price-id to plan table.
	PriceMapping() map[string]subledger.Plan

	// GetSubscription fetches a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListActiveSubscriptions lists a customer's active subscriptions.
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)

	// UpdateSubscription swaps the subscription's price.
	UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*Subscription, error)

	// CreateSubscription creates a subscription for a customer.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)

	// ApplyCoupon attaches a coupon to an existing subscription.
	ApplyCoupon(ctx context.Context, subscriptionID, couponID string) error

	// RemoveDiscount removes any discount from a subscription.
	RemoveDiscount(ctx context.Context, subscriptionID string) error

	// CreditCustomerBalance credits amountCents to the customer's
	// processor-side balance.
	CreditCustomerBalance(ctx context.Context, customerID string, amountCents int64, description string) error

	// GetPaymentIntent fetches a payment intent.
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)

	// DefaultPaymentMethod returns the customer's stored default
	// payment method id, or "" when none is set.
	DefaultPaymentMethod(ctx context.Context, customerID string) (string, error)
}

// detectPaymentMethod inspects a subscription for an attached payment method
func detectPaymentMethod(sub *Subscription) (bool, string) {
	if sub == nil || sub.DefaultPaymentMethodID == "" {
		return false, ""
	}
	return true, sub.DefaultPaymentMethodID
}

// apiClient implements Client against the Stripe API (v83 client API)
type apiClient struct {
	sc           *stripe.Client
	priceMapping map[string]subledger.Plan
	planPrices   map[subledger.Plan]string
	metrics      subledger.Metrics
}

func newAPIClient(apiKey string, priceMapping map[string]subledger.Plan, metrics subledger.Metrics) *apiClient {
	planPrices := make(map[subledger.Plan]string, len(priceMapping))
	mapping := make(map[string]subledger.Plan, len(priceMapping))
	for priceID, plan := range priceMapping {
		mapping[priceID] = plan
		planPrices[plan] = priceID
	}
	return &apiClient{
		sc:           stripe.NewClient(apiKey),
		priceMapping: mapping,
		planPrices:   planPrices,
		metrics:      metrics,
	}
}

func (c *apiClient) PriceForPlan(plan subledger.Plan) string {
	return c.planPrices[plan]
}

func (c *apiClient) PriceMapping() map[string]subledger.Plan {
	mapping := make(map[string]subledger.Plan, len(c.priceMapping))
	for k, v := range c.priceMapping {
		mapping[k] = v
	}
	return mapping
}

func (c *apiClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	c.record("/subscriptions/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *apiClient) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(string(stripe.SubscriptionStatusActive))

	var subs []*Subscription
	for sub, err := range c.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			c.record("/subscriptions/list", start, err)
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subs = append(subs, fromStripeSubscription(sub))
	}
	c.record("/subscriptions/list", start, nil)
	return subs, nil
}

func (c *apiClient) UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*Subscription, error) {
	// The price swap needs the subscription item id
	current, err := c.sc.V1Subscriptions.Retrieve(ctx, req.SubscriptionID, nil)
	if err != nil {
		c.metrics.RecordAPICall(providerName, "/subscriptions/update", "error")
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", req.SubscriptionID, err)
	}

	params := &stripe.SubscriptionUpdateParams{}
	if req.PriceID != "" {
		item := &stripe.SubscriptionUpdateItemParams{Price: stripe.String(req.PriceID)}
		if current.Items != nil && len(current.Items.Data) > 0 {
			item.ID = stripe.String(current.Items.Data[0].ID)
		}
		params.Items = []*stripe.SubscriptionUpdateItemParams{item}
	}
	if req.ProrationBehavior != "" {
		params.ProrationBehavior = stripe.String(req.ProrationBehavior)
	}
	if req.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*req.CancelAtPeriodEnd)
	}
	if req.DefaultPaymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(req.DefaultPaymentMethod)
	}

	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Update(ctx, req.SubscriptionID, params)
	c.record("/subscriptions/update", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %s: %w", req.SubscriptionID, err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *apiClient) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.PriceID)},
		},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.CouponID != "" {
		params.Discounts = []*stripe.SubscriptionCreateDiscountParams{
			{Coupon: stripe.String(req.CouponID)},
		}
	}
	if req.DefaultPaymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(req.DefaultPaymentMethod)
	}

	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Create(ctx, params)
	c.record("/subscriptions/create", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *apiClient) ApplyCoupon(ctx context.Context, subscriptionID, couponID string) error {
	params := &stripe.SubscriptionUpdateParams{
		Discounts: []*stripe.SubscriptionUpdateDiscountParams{
			{Coupon: stripe.String(couponID)},
		},
	}
	start := time.Now()
	_, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params)
	c.record("/subscriptions/apply_coupon", start, err)
	if err != nil {
		return fmt.Errorf("failed to apply coupon to subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (c *apiClient) RemoveDiscount(ctx context.Context, subscriptionID string) error {
	start := time.Now()
	_, err := c.sc.V1Subscriptions.DeleteDiscount(ctx, subscriptionID, &stripe.SubscriptionDeleteDiscountParams{})
	c.record("/subscriptions/delete_discount", start, err)
	if err != nil {
		return fmt.Errorf("failed to remove discount from subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (c *apiClient) CreditCustomerBalance(ctx context.Context, customerID string, amountCents int64, description string) error {
	// Negative amounts credit the customer on Stripe
	params := &stripe.CustomerBalanceTransactionCreateParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(-amountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(description),
	}
	start := time.Now()
	_, err := c.sc.V1CustomerBalanceTransactions.Create(ctx, params)
	c.record("/customer_balance_transactions/create", start, err)
	if err != nil {
		return fmt.Errorf("failed to credit customer %s balance: %w", customerID, err)
	}
	return nil
}

func (c *apiClient) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	start := time.Now()
	pi, err := c.sc.V1PaymentIntents.Retrieve(ctx, paymentIntentID, nil)
	c.record("/payment_intents/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment intent %s: %w", paymentIntentID, err)
	}
	out := &PaymentIntent{
		ID:             pi.ID,
		Status:         string(pi.Status),
		AmountReceived: pi.AmountReceived,
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	return out, nil
}

func (c *apiClient) DefaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	c.record("/customers/retrieve", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to fetch customer %s: %w", customerID, err)
	}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}
	return "", nil
}

func (c *apiClient) record(endpoint string, start time.Time, err error) {
	status := "200"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// fromStripeSubscription converts the SDK subscription to the
// processor-neutral view. Period bounds live on the items in current
// API versions.
func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethodID = sub.DefaultPaymentMethod.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				out.PriceIDs = append(out.PriceIDs, item.Price.ID)
			}
			if item.CurrentPeriodStart > 0 && out.PeriodStart.IsZero() {
				out.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
			}
			if item.CurrentPeriodEnd > 0 && out.PeriodEnd.IsZero() {
				out.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
		}
	}
	return out
}
