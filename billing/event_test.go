package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionEventPeriodFallbackChain(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	end := start.Add(30 * 24 * time.Hour)

	// older API versions put the period on the subscription root
	root := &SubscriptionEvent{
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   end.Unix(),
	}
	gotStart, gotEnd := root.Period()
	assert.Equal(t, start.Unix(), gotStart.Unix())
	assert.Equal(t, end.Unix(), gotEnd.Unix())

	// without the root fields, start_date and the cycle anchor stand in
	anchored := &SubscriptionEvent{
		StartDate:          start.Unix(),
		BillingCycleAnchor: end.Unix(),
	}
	gotStart, gotEnd = anchored.Period()
	assert.Equal(t, start.Unix(), gotStart.Unix())
	assert.Equal(t, end.Unix(), gotEnd.Unix())

	// newer API versions only carry the period on the billed items
	itemized := &SubscriptionEvent{}
	itemized.Items.Data = []SubscriptionItemEvent{{
		CurrentPeriodStart: start.Unix(),
		CurrentPeriodEnd:   end.Unix(),
	}}
	gotStart, gotEnd = itemized.Period()
	assert.Equal(t, start.Unix(), gotStart.Unix())
	assert.Equal(t, end.Unix(), gotEnd.Unix())

	// nothing populated stays zero instead of becoming the epoch
	empty := &SubscriptionEvent{}
	gotStart, gotEnd = empty.Period()
	assert.True(t, gotStart.IsZero())
	assert.True(t, gotEnd.IsZero())
}

func TestSubscriptionEventDecodesItemizedPayload(t *testing.T) {
	raw := []byte(`{
		"id": "sub_test",
		"customer": "cus_test",
		"status": "active",
		"metadata": {"user_id": "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111"},
		"items": {"data": [
			{"current_period_start": 1700000000, "current_period_end": 1702592000, "price": {"id": "price_premium"}}
		]}
	}`)

	var ev SubscriptionEvent
	require.NoError(t, json.Unmarshal(raw, &ev))

	assert.Equal(t, "sub_test", ev.ID)
	assert.Equal(t, "price_premium", ev.FirstPriceID())
	gotStart, gotEnd := ev.Period()
	assert.Equal(t, int64(1700000000), gotStart.Unix())
	assert.Equal(t, int64(1702592000), gotEnd.Unix())
}

func TestInvoiceEventPeriodSpansLines(t *testing.T) {
	raw := []byte(`{
		"id": "in_test",
		"customer": "cus_test",
		"subscription": "sub_test",
		"subscription_details": {"metadata": {"user_id": "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111"}},
		"lines": {"data": [
			{"period": {"start": 1700500000, "end": 1701000000}},
			{"period": {"start": 1700000000, "end": 1702592000}}
		]}
	}`)

	var inv InvoiceEvent
	require.NoError(t, json.Unmarshal(raw, &inv))

	// earliest line start, latest line end
	gotStart, gotEnd := inv.Period()
	assert.Equal(t, int64(1700000000), gotStart.Unix())
	assert.Equal(t, int64(1702592000), gotEnd.Unix())

	assert.Equal(t, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111", inv.SubscriptionDetails.Metadata["user_id"])

	var none InvoiceEvent
	gotStart, gotEnd = none.Period()
	assert.True(t, gotStart.IsZero())
	assert.True(t, gotEnd.IsZero())
}
