package billing

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_secret"

func newTestWebhook(t *testing.T) (*Webhook, *fixture) {
	t.Helper()

	f := newFixture(t)
	h, err := NewWebhook(WebhookOptions{
		Secret:     testWebhookSecret,
		Reconciler: f.reconciler,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return h, f
}

func eventJSON(eventType string, created time.Time, object string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test",
		"object": "event",
		"type": %q,
		"created": %d,
		"data": {"object": %s}
	}`, eventType, created.Unix(), object))
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	r := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(signed.Payload))
	r.Header.Set("Stripe-Signature", signed.Header)
	return r
}

func subscriptionObjectJSON(status string, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf(`{
		"id": "sub_test",
		"customer": "cus_test",
		"status": %q,
		"cancel_at_period_end": false,
		"metadata": {"user_id": %q},
		"items": {"data": [{
			"current_period_start": %d,
			"current_period_end": %d,
			"price": {"id": "price_premium"}
		}]}
	}`, status, testUserID, periodStart.Unix(), periodEnd.Unix())
}

func TestWebhookAcceptsSignedSubscriptionEvent(t *testing.T) {
	h, f := newTestWebhook(t)

	created := time.Now().Truncate(time.Second)
	payload := eventJSON("customer.subscription.updated", created,
		subscriptionObjectJSON("active", created, created.Add(30*24*time.Hour)))

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, signedRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":true`)

	ent := f.entitlement(t)
	assert.True(t, ent.IsPremium)

	// the billing period is read from the item, not the subscription root
	stored, err := f.manager.GetSubscription(context.Background(), "sub_test")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, created.Unix(), stored.PeriodStart.Unix())
}

func TestWebhookRejectsTamperedPayload(t *testing.T) {
	h, f := newTestWebhook(t)

	created := time.Now().Truncate(time.Second)
	payload := eventJSON("customer.subscription.updated", created,
		subscriptionObjectJSON("active", created, created.Add(30*24*time.Hour)))

	// sign the real payload, then flip a byte in the delivered body
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	tampered := bytes.Replace(payload, []byte(`"active"`), []byte(`"canceled"`), 1)
	r := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(tampered))
	r.Header.Set("Stripe-Signature", signed.Header)

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	// verification failure must leave no trace in local state
	stored, err := f.manager.GetSubscription(context.Background(), "sub_test")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Empty(t, f.published.messages)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h, _ := newTestWebhook(t)

	created := time.Now().Truncate(time.Second)
	payload := eventJSON("customer.subscription.updated", created,
		subscriptionObjectJSON("active", created, created.Add(30*24*time.Hour)))

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(payload)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAcknowledgesUnhandledEventTypes(t *testing.T) {
	h, f := newTestWebhook(t)

	payload := eventJSON("customer.created", time.Now(), `{"id": "cus_test"}`)

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, signedRequest(t, payload))

	// acknowledged so the provider will not retry, but nothing is written
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.published.messages)
}

func TestWebhookRejectsUnresolvableIdentity(t *testing.T) {
	h, f := newTestWebhook(t)

	created := time.Now().Truncate(time.Second)
	object := fmt.Sprintf(`{
		"id": "sub_test",
		"customer": "cus_unmapped",
		"status": "active",
		"items": {"data": [{
			"current_period_start": %d,
			"current_period_end": %d,
			"price": {"id": "price_premium"}
		}]}
	}`, created.Unix(), created.Add(30*24*time.Hour).Unix())
	payload := eventJSON("customer.subscription.updated", created, object)

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, signedRequest(t, payload))

	// rejected visibly so redelivery retries once the mapping exists
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stored, err := f.manager.GetSubscription(context.Background(), "sub_test")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestWebhookRejectsMalformedObject(t *testing.T) {
	h, _ := newTestWebhook(t)

	payload := eventJSON("customer.subscription.updated", time.Now(), `"not an object"`)

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, signedRequest(t, payload))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookCheckoutCompletedEndToEnd(t *testing.T) {
	h, f := newTestWebhook(t)

	created := time.Now().Truncate(time.Second)
	object := fmt.Sprintf(`{
		"id": "cs_test",
		"mode": "subscription",
		"customer": "cus_test",
		"client_reference_id": %q,
		"expires_at": %d
	}`, testUserID, created.Add(24*time.Hour).Unix())
	payload := eventJSON("checkout.session.completed", created, object)

	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, signedRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	ent := f.entitlement(t)
	assert.True(t, ent.IsPremium)
	require.Len(t, f.published.messages, 1)
	assert.Equal(t, "checkout.session.completed", f.published.messages[0].Reason)
}
