package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// TaskOptions contains the configuration for the reconciliation sweep
type TaskOptions struct {
	StripeClient *client.API
	Manager      *Manager
	Reconciler   *Reconciler
	Logger       *zap.Logger
	Interval     time.Duration
}

// Task is the periodic drift sweep. Webhook delivery is at-least-once but not
// forever: once the provider exhausts its retries for an event we never
// acknowledged, local state drifts silently. The sweep re-lists every mapped
// customer's subscriptions from Stripe and replays them through the same
// guarded reconciliation path the webhook uses, so it can only move state
// forward, never behind a webhook that already landed.
type Task struct {
	TaskOptions
}

// NewTask validates the options and returns a Task
func NewTask(option TaskOptions) (*Task, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval <= 0 {
		option.Interval = time.Hour * 6
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// Run sweeps once immediately, then on every tick until the context is done
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	if err := t.Sweep(ctx); err != nil {
		t.Logger.Error("Reconciliation sweep failed",
			zap.Error(err),
		)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.Logger.Error("Reconciliation sweep failed",
					zap.Error(err),
				)
			}
		}
	}
}

// Sweep walks every mapped customer once. Per-subscription failures are
// logged and skipped so one bad record cannot stall the rest of the sweep.
func (t *Task) Sweep(ctx context.Context) error {
	mappings, err := t.Manager.ListMappings(ctx)
	if err != nil {
		return err
	}

	swept := 0
	for _, mapping := range mappings {
		logger := t.Logger.With(
			zap.String("UserID", mapping.UserID),
			zap.String("CustomerID", mapping.CustomerID),
		)

		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(mapping.CustomerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx

		iter := t.StripeClient.Subscriptions.List(params)
		for iter.Next() {
			remote := iter.Subscription()
			ev := subscriptionEventFromAPI(remote)
			// the sweep observes current provider state, so "now" is the
			// event time; anything a newer webhook already wrote wins
			if err := t.Reconciler.HandleSubscriptionChanged(ctx, time.Now(), ev); err != nil {
				logger.Error("Unable to reconcile subscription during sweep",
					zap.String("SubscriptionID", ev.ID),
					zap.Error(err),
				)
				continue
			}
			swept++
		}
		if err := iter.Err(); err != nil {
			logger.Error("Unable to list subscriptions from Stripe",
				zap.Error(err),
			)
		}
	}

	t.Logger.Info("Reconciliation sweep finished",
		zap.Int("Mappings", len(mappings)),
		zap.Int("Reconciled", swept),
	)
	return nil
}

// subscriptionEventFromAPI converts the SDK shape into the event payload
// shape so the sweep and the webhook share one reconciliation path.
func subscriptionEventFromAPI(sub *stripe.Subscription) *SubscriptionEvent {
	ev := &SubscriptionEvent{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		StartDate:          sub.StartDate,
		BillingCycleAnchor: sub.BillingCycleAnchor,
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		ev.Customer = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			itemEvent := SubscriptionItemEvent{
				CurrentPeriodStart: item.CurrentPeriodStart,
				CurrentPeriodEnd:   item.CurrentPeriodEnd,
			}
			if item.Price != nil {
				itemEvent.Price.ID = item.Price.ID
			}
			ev.Items.Data = append(ev.Items.Data, itemEvent)
		}
	}
	return ev
}
