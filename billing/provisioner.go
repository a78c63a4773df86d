package billing

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// ProvisionerOptions contains the configuration for the customer Provisioner
type ProvisionerOptions struct {
	StripeClient *client.API
	Manager      *Manager
	Logger       *zap.Logger
}

// Provisioner guarantees a user has exactly one usable Stripe customer before
// any hosted session is created.
type Provisioner struct {
	ProvisionerOptions
}

// NewProvisioner validates the options and returns a Provisioner
func NewProvisioner(option ProvisionerOptions) (*Provisioner, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Provisioner{
		ProvisionerOptions: option,
	}, nil
}

// EnsureCustomer returns the id of a live Stripe customer mapped to the user,
// creating one if the user has none and replacing it if Stripe reports the
// mapped customer deleted. The remote create and the local mapping write are
// not atomic: if the mapping write fails after the remote create, the next
// retry creates another remote customer and the earlier one is orphaned.
// That duplication is benign; the mapping write itself is write-if-absent
// keyed by user id, so the mapping never splits.
func (p *Provisioner) EnsureCustomer(ctx context.Context, userID, email string) (string, error) {
	if len(userID) == 0 {
		return "", fmt.Errorf("empty userID is invalid")
	}

	existing, err := p.Manager.CustomerIDForUser(ctx, userID)
	if err != nil {
		return "", err
	}

	if existing != "" {
		live, err := p.customerIsLive(ctx, existing)
		if err != nil {
			return "", err
		}
		if live {
			return existing, nil
		}

		p.Logger.Warn("Mapped Stripe customer is gone, provisioning a replacement",
			zap.String("UserID", userID),
			zap.String("CustomerID", existing),
		)
		replacement, err := p.newStripeCustomer(ctx, userID, email)
		if err != nil {
			return "", err
		}
		if err := p.Manager.OverwriteMapping(ctx, userID, replacement); err != nil {
			return "", err
		}
		return replacement, nil
	}

	created, err := p.newStripeCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}
	winner, err := p.Manager.PutMappingIfAbsent(ctx, userID, created)
	if err != nil {
		return "", err
	}
	if winner != created {
		p.Logger.Warn("Lost provisioning race, keeping the mapped customer",
			zap.String("UserID", userID),
			zap.String("OrphanedCustomerID", created),
			zap.String("CustomerID", winner),
		)
	}
	return winner, nil
}

// customerIsLive checks whether Stripe still knows this customer as
// not-deleted. A missing customer reads as dead; any other provider error is
// transient and surfaced to the caller.
func (p *Provisioner) customerIsLive(ctx context.Context, customerID string) (bool, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	cust, err := p.StripeClient.Customers.Get(customerID, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return false, nil
		}
		return false, extErrors.Wrap(err, "Cannot verify customer on Stripe")
	}
	return cust != nil && !cust.Deleted, nil
}

func (p *Provisioner) newStripeCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				MetadataUserIDKey: userID,
			},
		},
	}
	if len(email) > 0 {
		params.Email = stripe.String(email)
	}

	cust, err := p.StripeClient.Customers.New(params)
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot create a new customer on Stripe")
	}
	return cust.ID, nil
}
