package billing

import "time"

// Minimal typed shapes for the webhook payloads we handle, decoded straight
// from event.Data.Raw. Kept local instead of reusing stripe-go's structs so
// that decoding only depends on the fields we actually read, not on whichever
// API version the SDK happens to pin.

// CheckoutSessionEvent is the payload of checkout.session.completed.
type CheckoutSessionEvent struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	ExpiresAt         int64             `json:"expires_at"`
	Metadata          map[string]string `json:"metadata"`
}

// SubscriptionEvent is the payload of customer.subscription.* events.
type SubscriptionEvent struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	StartDate          int64             `json:"start_date"`
	BillingCycleAnchor int64             `json:"billing_cycle_anchor"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItemEvent `json:"data"`
	} `json:"items"`
}

// SubscriptionItemEvent is one billed item on a subscription payload. Newer
// API versions carry the billing period here instead of on the subscription.
type SubscriptionItemEvent struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

// FirstPriceID returns the price id from the first billed item.
func (s *SubscriptionEvent) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

// Period computes the billing period using a fallback chain, because no single
// pair of fields is populated on every event shape the provider sends:
// explicit current_period_* fields, then start_date/billing_cycle_anchor,
// then the first billed item's period. Missing values stay zero.
func (s *SubscriptionEvent) Period() (time.Time, time.Time) {
	if s.CurrentPeriodStart > 0 || s.CurrentPeriodEnd > 0 {
		return unixOrZero(s.CurrentPeriodStart), unixOrZero(s.CurrentPeriodEnd)
	}
	if s.StartDate > 0 || s.BillingCycleAnchor > 0 {
		return unixOrZero(s.StartDate), unixOrZero(s.BillingCycleAnchor)
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodStart > 0 || item.CurrentPeriodEnd > 0 {
			return unixOrZero(item.CurrentPeriodStart), unixOrZero(item.CurrentPeriodEnd)
		}
	}
	return time.Time{}, time.Time{}
}

// InvoiceEvent is the payload of invoice.paid and invoice.payment_failed.
type InvoiceEvent struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	Subscription        string            `json:"subscription"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// Period returns the span covered by the invoice's line items: earliest line
// start to latest line end.
func (i *InvoiceEvent) Period() (time.Time, time.Time) {
	var start, end int64
	for _, line := range i.Lines.Data {
		if line.Period.Start > 0 && (start == 0 || line.Period.Start < start) {
			start = line.Period.Start
		}
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return unixOrZero(start), unixOrZero(end)
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
