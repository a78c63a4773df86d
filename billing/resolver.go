package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// MappingStore is one place a Stripe customer id → user id mapping may live.
// Stores are consulted in a fixed preference order, never merged, so the
// precedence stays auditable.
type MappingStore interface {
	Name() string
	// UserIDByCustomerID returns the mapped user id, or "" when the store has
	// no row for this customer. Errors are storage failures, not misses.
	UserIDByCustomerID(ctx context.Context, customerID string) (string, error)
}

// ResolveInput carries every identity hint an event can offer, in decreasing
// order of trust. Fields we set ourselves at session creation outrank anything
// echoed back by the provider, which outranks a reverse mapping lookup.
type ResolveInput struct {
	// ClientReferenceID is the reference id attached at session creation.
	ClientReferenceID string
	// Metadata is the triggering object's own metadata.
	Metadata map[string]string
	// RelatedMetadata is metadata of a related object, e.g. the subscription's
	// metadata when resolving from an invoice.
	RelatedMetadata map[string]string
	// CustomerID enables the reverse lookup against the mapping stores.
	CustomerID string
}

// Resolver maps an external customer reference to an internal user identity
// through a layered fallback chain.
type Resolver struct {
	stores []MappingStore
	logger *zap.Logger
}

// NewResolver returns a Resolver consulting the given stores in order.
func NewResolver(logger *zap.Logger, stores ...MappingStore) (*Resolver, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("at least one MappingStore is required")
	}
	return &Resolver{
		stores: stores,
		logger: logger,
	}, nil
}

// Resolve returns the internal user id for the event, or ErrIdentityUnresolved
// when no strategy matches. A storage failure during the reverse lookup is
// returned as-is: it is transient, not an unresolved identity.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (string, error) {
	if userID := validUserID(in.ClientReferenceID); userID != "" {
		return userID, nil
	}
	if userID := validUserID(in.Metadata[MetadataUserIDKey]); userID != "" {
		return userID, nil
	}
	if userID := validUserID(in.RelatedMetadata[MetadataUserIDKey]); userID != "" {
		return userID, nil
	}
	if in.CustomerID != "" {
		for _, store := range r.stores {
			userID, err := store.UserIDByCustomerID(ctx, in.CustomerID)
			if err != nil {
				return "", extErrors.Wrapf(err, "Cannot look up customer in %s", store.Name())
			}
			if userID != "" {
				r.logger.Debug("Resolved identity via mapping store",
					zap.String("Store", store.Name()),
					zap.String("CustomerID", in.CustomerID),
					zap.String("UserID", userID),
				)
				return userID, nil
			}
		}
	}
	return "", ErrIdentityUnresolved
}

// validUserID accepts only well-formed UUIDs; metadata is provider-echoed
// client input and must not be trusted blindly.
func validUserID(s string) string {
	if s == "" {
		return ""
	}
	if _, err := uuid.Parse(s); err != nil {
		return ""
	}
	return s
}
