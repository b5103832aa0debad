package subledger

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - callers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the processor.
	// eventType: the processor event type (e.g. "customer.subscription.updated")
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: the type of error (e.g. "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordPlanChange records when an organization's plan changes.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordPeriodTransition records a billing period opening.
	RecordPeriodTransition(provider, transition string)

	// RecordAPICall records an outbound call to the payment processor.
	// endpoint: the API surface called (e.g. "/subscriptions/update")
	// status: outcome label ("200", "error", ...)
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long a processor call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordOrgSync records an organization reconciliation sweep result.
	// status: "success" or "error"
	RecordOrgSync(provider, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordPeriodTransition(_, _ string)                           {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordOrgSync(_, _ string)                                    {}
