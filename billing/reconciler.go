package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/reelclub/reelclub/notifier"
	"github.com/reelclub/reelclub/profile"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

// ReconcilerOptions contains the dependencies of the entitlement Reconciler
type ReconcilerOptions struct {
	Manager        *Manager
	ProfileManager *profile.Manager
	Resolver       *Resolver
	Notifier       notifier.Publisher
	Logger         *zap.Logger
}

// Reconciler folds verified billing events into durable subscription and
// entitlement state. Handlers are individually idempotent: re-delivery of the
// same event, or late delivery of a superseded one, converges to the same
// final state instead of accumulating.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler validates the options and returns a Reconciler
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.ProfileManager == nil {
		return nil, fmt.Errorf("nil ProfileManager is invalid")
	}
	if option.Resolver == nil {
		return nil, fmt.Errorf("nil Resolver is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// HandleCheckoutCompleted is the fast path that unblocks the user right after
// checkout. It grants premium from the session alone; the authoritative
// subscription record follows with the customer.subscription.* event.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, when time.Time, sess *CheckoutSessionEvent) error {
	userID, err := r.Resolver.Resolve(ctx, ResolveInput{
		ClientReferenceID: sess.ClientReferenceID,
		Metadata:          sess.Metadata,
		CustomerID:        sess.Customer,
	})
	if err != nil {
		return err
	}

	logger := r.Logger.With(
		zap.String("UserID", userID),
		zap.String("CheckoutSessionID", sess.ID),
	)

	// guarantee the write path exists before granting
	if _, err := r.ProfileManager.EnsureProfile(ctx, userID); err != nil {
		return err
	}

	now := time.Now()
	ent := profile.Entitlement{
		IsPremium:         true,
		Plan:              profile.PlanPaid,
		PremiumStartedAt:  &now,
		CancelAtPeriodEnd: false,
	}
	if sess.ExpiresAt > 0 {
		// expiry hint only; corrected by the subscription event that follows
		expiry := time.Unix(sess.ExpiresAt, 0)
		ent.PremiumExpiresAt = &expiry
	}

	if err := r.ProfileManager.ReplaceEntitlement(ctx, userID, ent); err != nil {
		return err
	}
	logger.Info("Granted premium from completed checkout")
	r.publish(userID, ent, "checkout.session.completed")
	return nil
}

// HandleSubscriptionChanged upserts the authoritative subscription record and
// recomputes the entitlement entirely from this event's fields. Nothing is
// merged with the stored profile state, so an older in-flight event can never
// re-assert stale values after a newer one moved the state forward.
func (r *Reconciler) HandleSubscriptionChanged(ctx context.Context, when time.Time, sub *SubscriptionEvent) error {
	userID, err := r.Resolver.Resolve(ctx, ResolveInput{
		Metadata:   sub.Metadata,
		CustomerID: sub.Customer,
	})
	if err != nil {
		return err
	}

	logger := r.Logger.With(
		zap.String("UserID", userID),
		zap.String("SubscriptionID", sub.ID),
		zap.String("Status", sub.Status),
	)

	periodStart, periodEnd := sub.Period()
	record := &Subscription{
		ID:                sub.ID,
		UserID:            userID,
		CustomerID:        sub.Customer,
		PriceID:           sub.FirstPriceID(),
		Status:            sub.Status,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		LastEventAt:       when,
	}
	if sub.CanceledAt > 0 {
		canceledAt := time.Unix(sub.CanceledAt, 0)
		record.CanceledAt = &canceledAt
	}

	applied, err := r.Manager.UpsertSubscription(ctx, record)
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("Skipping superseded subscription event")
		return nil
	}

	ent := subscriptionEntitlement(sub.Status, periodStart, periodEnd, sub.CancelAtPeriodEnd)
	if err := r.ProfileManager.ReplaceEntitlement(ctx, userID, ent); err != nil {
		return err
	}
	logger.Info("Reconciled subscription",
		zap.Bool("IsPremium", ent.IsPremium),
	)
	r.publish(userID, ent, "customer.subscription.updated")
	return nil
}

// HandleSubscriptionDeleted marks the record canceled (it is never deleted)
// and drops the entitlement.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, when time.Time, sub *SubscriptionEvent) error {
	userID, err := r.Resolver.Resolve(ctx, ResolveInput{
		Metadata:   sub.Metadata,
		CustomerID: sub.Customer,
	})
	if err != nil {
		return err
	}

	logger := r.Logger.With(
		zap.String("UserID", userID),
		zap.String("SubscriptionID", sub.ID),
	)

	periodStart, periodEnd := sub.Period()
	now := time.Now()
	record := &Subscription{
		ID:                sub.ID,
		UserID:            userID,
		CustomerID:        sub.Customer,
		PriceID:           sub.FirstPriceID(),
		Status:            string(stripe.SubscriptionStatusCanceled),
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		CancelAtPeriodEnd: false,
		CanceledAt:        &now,
		LastEventAt:       when,
	}

	applied, err := r.Manager.UpsertSubscription(ctx, record)
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("Skipping superseded subscription deletion")
		return nil
	}

	ent := profile.FreeEntitlement()
	if err := r.ProfileManager.ReplaceEntitlement(ctx, userID, ent); err != nil {
		return err
	}
	logger.Info("Revoked premium after subscription deletion")
	r.publish(userID, ent, "customer.subscription.deleted")
	return nil
}

// HandleInvoicePaid re-establishes premium from a successful charge, which is
// how a user recovers after a payment-failed downgrade once a retry charge
// succeeds.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, when time.Time, inv *InvoiceEvent) error {
	userID, err := r.Resolver.Resolve(ctx, ResolveInput{
		Metadata:        inv.Metadata,
		RelatedMetadata: inv.SubscriptionDetails.Metadata,
		CustomerID:      inv.Customer,
	})
	if err != nil {
		return err
	}

	logger := r.Logger.With(
		zap.String("UserID", userID),
		zap.String("InvoiceID", inv.ID),
	)

	if inv.Subscription != "" {
		applied, found, err := r.Manager.MarkSubscriptionEvent(ctx, inv.Subscription, string(stripe.SubscriptionStatusActive), nil, when)
		if err != nil {
			return err
		}
		if found && !applied {
			logger.Info("Skipping superseded invoice")
			return nil
		}
	}

	periodStart, periodEnd := inv.Period()
	ent := profile.Entitlement{
		IsPremium:         true,
		Plan:              profile.PlanPaid,
		CancelAtPeriodEnd: false,
	}
	if !periodStart.IsZero() {
		start := periodStart
		ent.PremiumStartedAt = &start
	}
	if !periodEnd.IsZero() {
		expiry := periodEnd
		ent.PremiumExpiresAt = &expiry
	}

	if err := r.ProfileManager.ReplaceEntitlement(ctx, userID, ent); err != nil {
		return err
	}
	logger.Info("Renewed premium from paid invoice")
	r.publish(userID, ent, "invoice.paid")
	return nil
}

// HandleInvoicePaymentFailed downgrades immediately. Failing closed here means
// a failed renewal charge can never leave a user mistakenly entitled; the
// next successful charge restores them through HandleInvoicePaid.
func (r *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, when time.Time, inv *InvoiceEvent) error {
	userID, err := r.Resolver.Resolve(ctx, ResolveInput{
		Metadata:        inv.Metadata,
		RelatedMetadata: inv.SubscriptionDetails.Metadata,
		CustomerID:      inv.Customer,
	})
	if err != nil {
		return err
	}

	logger := r.Logger.With(
		zap.String("UserID", userID),
		zap.String("InvoiceID", inv.ID),
	)

	if inv.Subscription != "" {
		applied, found, err := r.Manager.MarkSubscriptionEvent(ctx, inv.Subscription, string(stripe.SubscriptionStatusPastDue), nil, when)
		if err != nil {
			return err
		}
		if found && !applied {
			logger.Info("Skipping superseded invoice")
			return nil
		}
	}

	ent := profile.FreeEntitlement()
	if err := r.ProfileManager.ReplaceEntitlement(ctx, userID, ent); err != nil {
		return err
	}
	logger.Warn("Revoked premium after failed invoice payment")
	r.publish(userID, ent, "invoice.payment_failed")
	return nil
}

// subscriptionEntitlement computes the full entitlement tuple from a single
// event's fields. It is a deterministic, total function of its inputs so that
// concurrent writers converge regardless of interleaving.
func subscriptionEntitlement(status string, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) profile.Entitlement {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		ent := profile.Entitlement{
			IsPremium:         true,
			Plan:              profile.PlanPaid,
			CancelAtPeriodEnd: cancelAtPeriodEnd,
		}
		if !periodStart.IsZero() {
			start := periodStart
			ent.PremiumStartedAt = &start
		}
		if !periodEnd.IsZero() {
			expiry := periodEnd
			ent.PremiumExpiresAt = &expiry
		}
		return ent
	default:
		// past_due, canceled, unpaid, incomplete, incomplete_expired
		return profile.FreeEntitlement()
	}
}

// publish is best-effort: the durable state is already written, so a broker
// outage must not fail the event and trigger a redelivery storm.
func (r *Reconciler) publish(userID string, ent profile.Entitlement, reason string) {
	msg := &notifier.EntitlementChanged{
		UserID:            userID,
		IsPremium:         ent.IsPremium,
		Plan:              ent.Plan,
		PremiumExpiresAt:  ent.PremiumExpiresAt,
		CancelAtPeriodEnd: ent.CancelAtPeriodEnd,
		Reason:            reason,
		OccurredAt:        time.Now(),
	}
	if err := r.Notifier.PublishEntitlementChanged(msg); err != nil {
		r.Logger.Error("Unable to publish entitlement change",
			zap.String("UserID", userID),
			zap.Error(err),
		)
	}
}
