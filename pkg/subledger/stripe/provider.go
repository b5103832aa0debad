// Package stripe reconciles organization billing state against the
// subscription lifecycle events Stripe delivers over its webhook
// channel. Delivery is at-least-once, possibly out of order and
// possibly duplicated; handlers therefore re-read state inside the
// per-organization transaction scope and are safe to re-apply.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mrdja026/subledger/pkg/subledger"
)

const (
	providerName = "stripe"

	// webhookActor stamps system-originated writes for audit context
	webhookActor = "webhook"

	defaultGracePeriod = 7 * 24 * time.Hour
	defaultPlan        = subledger.PlanDeveloper

	maxWebhookBody = 256 * 1024

	// yearlyPrepayTerm derives the prepay expiry from the
	// processor-reported subscription period start
	yearlyPrepayTerm = 365 * 24 * time.Hour
)

// Config configures the Stripe reconciliation provider
type Config struct {
	// Store persists billing records and the period ledger
	Store subledger.Store

	// PriceMapping is the static price-id to plan table
	PriceMapping map[string]subledger.Plan

	// Stripe credentials
	StripeAPIKey        string
	StripeWebhookSecret string

	// Client overrides the Stripe-backed processor client. Intended
	// for tests; when nil a real client is built from StripeAPIKey.
	Client Client

	// Locker optionally extends the per-organization writer scope
	// across replicas. When nil, the Store's own scope applies.
	Locker subledger.Locker

	// Callback is invoked best-effort after a billing transition
	// commits. Failures are logged and discarded.
	Callback subledger.Callback

	// GracePeriod is the window opened after a failed renewal payment
	// (default 7 days).
	GracePeriod time.Duration

	// FallbackPlan is the resting plan after a full cancellation with
	// no pending change (default developer).
	FallbackPlan subledger.Plan

	// Logger is used for structured logging (default: NopLogger)
	Logger subledger.Logger

	// Metrics tracks reconciliation operations (default: NoopMetrics)
	Metrics subledger.Metrics
}

// handlerFunc processes one webhook event type
type handlerFunc func(ctx context.Context, event *stripe.Event, log subledger.Logger) error

// Provider routes Stripe webhook events to their handlers and exposes
// the reconciliation sync entry points.
type Provider struct {
	store         subledger.Store
	client        Client
	locker        subledger.Locker
	callback      subledger.Callback
	logger        subledger.Logger
	metrics       subledger.Metrics
	webhookSecret []byte
	gracePeriod   time.Duration
	fallbackPlan  subledger.Plan
	handlers      map[string]handlerFunc

	// now is the wall clock; replaceable in tests. Ledger lookups
	// prefer processor-reported timestamps over this clock.
	now func() time.Time
}

// NewProvider creates a new Stripe reconciliation provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, subledger.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = subledger.NopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &subledger.NoopMetrics{}
	}

	client := config.Client
	if client == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, subledger.ErrProviderNotConfigured
		}
		client = newAPIClient(apiKey, config.PriceMapping, metrics)
	}

	gracePeriod := config.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	fallbackPlan := config.FallbackPlan
	if fallbackPlan == "" {
		fallbackPlan = defaultPlan
	}

	p := &Provider{
		store:         config.Store,
		client:        client,
		locker:        config.Locker,
		callback:      config.Callback,
		logger:        logger,
		metrics:       metrics,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		gracePeriod:   gracePeriod,
		fallbackPlan:  fallbackPlan,
		now:           func() time.Time { return time.Now().UTC() },
	}

	// Explicit dispatch table: one handler per event type, unknown
	// types are dropped by Route.
	p.handlers = map[string]handlerFunc{
		"customer.subscription.created": p.handleSubscriptionCreated,
		"customer.subscription.updated": p.handleSubscriptionUpdated,
		"customer.subscription.deleted": p.handleSubscriptionDeleted,
		"invoice.payment_succeeded":     p.handleInvoicePaymentSucceeded,
		"invoice.paid":                  p.handleInvoicePaymentSucceeded, // $0 invoices
		"invoice.payment_failed":        p.handleInvoicePaymentFailed,
		"invoice.upcoming":              p.handleInvoiceUpcoming,
		"checkout.session.completed":    p.handleCheckoutSessionCompleted,
		"payment_intent.succeeded":      p.handlePaymentIntentSucceeded,
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// updateOrg runs fn in the per-organization writer scope, taking the
// distributed lock first when one is configured.
func (p *Provider) updateOrg(ctx context.Context, orgID string, fn func(tx subledger.Tx) error) error {
	if p.locker != nil {
		unlock, err := p.locker.Lock(ctx, orgID)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return p.store.UpdateOrg(ctx, orgID, fn)
}

// notify invokes the post-commit callback best-effort
func (p *Provider) notify(ctx context.Context, log subledger.Logger, event subledger.Event) {
	if p.callback == nil {
		return
	}
	if err := p.callback(ctx, event); err != nil {
		log.Warn("post-commit callback failed", subledger.Err(err))
	}
}

// systemContext builds the audit context for a webhook-originated write
func (p *Provider) systemContext(ctx context.Context, orgID string) (subledger.SystemContext, error) {
	org, err := p.store.GetOrganization(ctx, orgID)
	if err != nil {
		return subledger.SystemContext{}, err
	}
	return subledger.NewSystemContext(org, webhookActor), nil
}
