package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// expandableID decodes Stripe fields that arrive either as a bare id
// string or as an expanded object carrying an "id" key.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

func (e expandableID) String() string { return string(e) }

// subscriptionEvent is the subscription payload decoded from
// event.Data.Raw. Period bounds are read from the raw JSON because the
// v83 Subscription struct no longer carries current_period_* directly.
type subscriptionEvent struct {
	ID                   string            `json:"id"`
	Status               string            `json:"status"`
	CancelAtPeriodEnd    bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart   int64             `json:"current_period_start"`
	CurrentPeriodEnd     int64             `json:"current_period_end"`
	Customer             expandableID      `json:"customer"`
	DefaultPaymentMethod expandableID      `json:"default_payment_method"`
	Metadata             map[string]string `json:"metadata"`
	Items                struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// PeriodStart returns the processor-reported period start. Older API
// versions carry it on the subscription, newer ones on the items.
func (s *subscriptionEvent) PeriodStart() time.Time {
	if s.CurrentPeriodStart > 0 {
		return time.Unix(s.CurrentPeriodStart, 0).UTC()
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodStart > 0 {
			return time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
	}
	return time.Time{}
}

// PeriodEnd returns the processor-reported period end.
func (s *subscriptionEvent) PeriodEnd() time.Time {
	if s.CurrentPeriodEnd > 0 {
		return time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return time.Time{}
}

// PriceIDs returns the price identifiers on the subscription items
func (s *subscriptionEvent) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items.Data))
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			ids = append(ids, item.Price.ID)
		}
	}
	return ids
}

// invoiceEvent is the invoice payload decoded from event.Data.Raw
type invoiceEvent struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	Subscription      expandableID `json:"subscription"`
	BillingReason     string       `json:"billing_reason"`
	AmountPaid        int64        `json:"amount_paid"`
	AmountDue         int64        `json:"amount_due"`
	Currency          string       `json:"currency"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

// PaidAt returns the invoice settlement time, falling back to fallback
// when the processor did not report one.
func (i *invoiceEvent) PaidAt(fallback time.Time) time.Time {
	if i.StatusTransitions.PaidAt > 0 {
		return time.Unix(i.StatusTransitions.PaidAt, 0).UTC()
	}
	return fallback
}

// checkoutSessionEvent is the checkout session payload decoded from
// event.Data.Raw
type checkoutSessionEvent struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	PaymentIntent expandableID      `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func decodeEvent(event *stripe.Event, v interface{}) error {
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", event.Type, err)
	}
	return nil
}

// previousAttributeSet reports whether the event's previous_attributes
// carried the given key. Stripe includes a key only when that attribute
// changed, so presence of current_period_end marks a renewal and
// presence of items marks a line-item change.
func previousAttributeSet(event *stripe.Event, key string) bool {
	if event.Data == nil || event.Data.PreviousAttributes == nil {
		return false
	}
	_, ok := event.Data.PreviousAttributes[key]
	return ok
}
