package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	resp "github.com/reelclub/reelclub/response"

	"github.com/go-chi/chi"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const webhookBodyLimit = 1 << 20 // Stripe payloads are small; cap the body read

// WebhookOptions contains the configuration for the Webhook router
type WebhookOptions struct {
	Secret     string
	Reconciler *Reconciler
	Logger     *zap.Logger
}

// Webhook verifies inbound Stripe events and routes them to the Reconciler.
// Verification runs over the exact bytes received, before any parsing.
type Webhook struct {
	WebhookOptions
}

// NewWebhook validates the options and returns the webhook router
func NewWebhook(option WebhookOptions) (*Webhook, error) {
	if len(option.Secret) == 0 {
		return nil, fmt.Errorf("empty Secret is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Webhook{
		WebhookOptions: option,
	}, nil
}

func (h *Webhook) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read request body"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		r.Header.Get("Stripe-Signature"),
		h.Secret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		h.Logger.Warn("Rejected webhook with invalid signature",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Signature verification failed"))
		return
	}

	logger := h.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", string(event.Type)),
	)

	when := time.Unix(event.Created, 0)
	if err := h.dispatch(ctx, when, &event); err != nil {
		switch {
		case errors.Is(err, ErrIdentityUnresolved):
			// reject visibly so redelivery retries once the mapping lands
			logger.Warn("Event rejected: identity unresolved")
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("No user identity on event"))
		case errors.Is(err, ErrMalformedPayload):
			logger.Error("Event rejected: malformed payload",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Malformed event payload"))
		default:
			// transient; a 500 makes Stripe redeliver the whole event
			logger.Error("Event processing failed",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected())
		}
		return
	}

	resp.WriteResponse(w, r, struct {
		Received bool `json:"received"`
	}{
		Received: true,
	})
}

// dispatch is the static routing table from event type to handler. Types we
// do not care about are acknowledged as no-ops so the provider will not
// retry them.
func (h *Webhook) dispatch(ctx context.Context, when time.Time, event *stripe.Event) error {
	switch string(event.Type) {
	case "checkout.session.completed":
		var sess CheckoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return extErrors.Wrap(ErrMalformedPayload, err.Error())
		}
		return h.Reconciler.HandleCheckoutCompleted(ctx, when, &sess)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return extErrors.Wrap(ErrMalformedPayload, err.Error())
		}
		return h.Reconciler.HandleSubscriptionChanged(ctx, when, &sub)

	case "customer.subscription.deleted":
		var sub SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return extErrors.Wrap(ErrMalformedPayload, err.Error())
		}
		return h.Reconciler.HandleSubscriptionDeleted(ctx, when, &sub)

	case "invoice.paid":
		var inv InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return extErrors.Wrap(ErrMalformedPayload, err.Error())
		}
		return h.Reconciler.HandleInvoicePaid(ctx, when, &inv)

	case "invoice.payment_failed":
		var inv InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return extErrors.Wrap(ErrMalformedPayload, err.Error())
		}
		return h.Reconciler.HandleInvoicePaymentFailed(ctx, when, &inv)

	default:
		h.Logger.Debug("Acknowledging unhandled webhook event type",
			zap.String("EventType", string(event.Type)),
		)
		return nil
	}
}

// Router will return the webhook routes
func (h *Webhook) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", h.handleEvent)

	return r
}
