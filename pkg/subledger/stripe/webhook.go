package stripe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mrdja026/subledger/pkg/subledger"
)

var errPayloadTooLarge = errors.New("payload too large")

// handleWebhook verifies and processes incoming Stripe webhook events.
// A handler error answers 500 so Stripe's own retry policy redelivers;
// that outer retry is the only retry mechanism in the engine.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := readBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.Route(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// Route dispatches a verified event envelope to its handler. Unknown
// event types are logged and dropped without error. Handler errors
// propagate to the caller, whose retry policy covers redelivery.
func (p *Provider) Route(ctx context.Context, event *stripe.Event) error {
	log := p.contextLogger(ctx, event)

	handler, ok := p.handlers[string(event.Type)]
	if !ok {
		log.Info("unhandled webhook event type")
		return nil
	}

	log.Info("processing webhook event")
	if err := p.runHandler(ctx, handler, event, log); err != nil {
		log.Error("webhook event handling failed", subledger.Err(err))
		return err
	}
	return nil
}

func (p *Provider) runHandler(ctx context.Context, handler handlerFunc, event *stripe.Event, log subledger.Logger) error {
	return handler(ctx, event, log)
}

// contextLogger resolves an organization id for observability. The
// resolution order is event metadata, then subscription lookup, then
// customer lookup; failure to resolve is non-fatal and only reduces
// log context.
func (p *Provider) contextLogger(ctx context.Context, event *stripe.Event) subledger.Logger {
	fields := []subledger.Field{
		subledger.String("event_type", string(event.Type)),
		subledger.String("event_id", event.ID),
	}

	if orgID := p.resolveOrgID(ctx, event); orgID != "" {
		fields = append(fields, subledger.String("organization_id", orgID))
	}

	return subledger.WithFields(p.logger, fields...)
}

func (p *Provider) resolveOrgID(ctx context.Context, event *stripe.Event) string {
	var probe struct {
		ID           string            `json:"id"`
		Customer     expandableID      `json:"customer"`
		Subscription expandableID      `json:"subscription"`
		Metadata     map[string]string `json:"metadata"`
	}
	if event.Data == nil || decodeEvent(event, &probe) != nil {
		return ""
	}

	if orgID := probe.Metadata["organization_id"]; orgID != "" {
		return orgID
	}

	var billing *subledger.OrganizationBilling
	var err error
	switch {
	case isSubscriptionEvent(event) && probe.ID != "":
		billing, err = p.store.GetBillingBySubscription(ctx, probe.ID)
	case probe.Subscription != "":
		billing, err = p.store.GetBillingBySubscription(ctx, probe.Subscription.String())
	case probe.Customer != "":
		billing, err = p.store.GetBillingByCustomer(ctx, probe.Customer.String())
	}
	if err != nil || billing == nil {
		return ""
	}
	return billing.OrganizationID
}

func isSubscriptionEvent(event *stripe.Event) bool {
	t := string(event.Type)
	return len(t) > len("customer.subscription") && t[:len("customer.subscription")] == "customer.subscription"
}

// readBodyStrict reads the request body enforcing a size limit
func readBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errPayloadTooLarge
		}
		return nil, err
	}
	return body, nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
