package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions contains the configuration for the billing Manager
type ManagerOptions struct {
	StripeClient *client.API
	DB           *gorm.DB
	Logger       *zap.Logger

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string
}

// Manager owns the billing tables and the session calls to Stripe
type Manager struct {
	ManagerOptions
}

// NewManager validates the options and migrates the billing tables. The
// legacy table is migrated too: it predates this code but the tests and fresh
// environments still need it to exist.
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.CheckoutSuccessURL) == 0 || len(option.CheckoutCancelURL) == 0 {
		return nil, fmt.Errorf("empty checkout URLs are invalid")
	}
	if len(option.PortalReturnURL) == 0 {
		return nil, fmt.Errorf("empty PortalReturnURL is invalid")
	}
	if err := option.DB.AutoMigrate(&CustomerMapping{}, &LegacyStripeCustomer{}, &Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize billing.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

//				Customer mapping

// CustomerIDForUser returns the user's mapped Stripe customer id, consulting
// the current table first and falling back to the legacy table. Returns ""
// when the user has never been mapped.
func (m *Manager) CustomerIDForUser(ctx context.Context, userID string) (string, error) {
	var mapping CustomerMapping
	result := m.DB.WithContext(ctx).First(&mapping, "user_id = ?", userID)
	if result.Error == nil {
		return mapping.CustomerID, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", extErrors.Wrap(result.Error, "Cannot look up customer mapping")
	}

	var legacy LegacyStripeCustomer
	result = m.DB.WithContext(ctx).First(&legacy, "user_id = ?", userID)
	if result.Error == nil {
		return legacy.CustomerID, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", extErrors.Wrap(result.Error, "Cannot look up legacy customer mapping")
	}
	return "", nil
}

// PutMappingIfAbsent writes the mapping only if the user has none yet, and
// returns whichever customer id is mapped afterwards. A lost race leaves an
// orphaned customer at Stripe, which is benign; a split mapping would not be.
func (m *Manager) PutMappingIfAbsent(ctx context.Context, userID, customerID string) (string, error) {
	mapping := CustomerMapping{
		UserID:     userID,
		CustomerID: customerID,
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&mapping)
	if result.Error != nil {
		return "", extErrors.Wrap(result.Error, "Cannot persist customer mapping")
	}
	if result.RowsAffected > 0 {
		return customerID, nil
	}

	var existing CustomerMapping
	lookup := m.DB.WithContext(ctx).First(&existing, "user_id = ?", userID)
	if lookup.Error != nil {
		return "", extErrors.Wrap(lookup.Error, "Cannot read back customer mapping")
	}
	return existing.CustomerID, nil
}

// OverwriteMapping replaces the user's mapping unconditionally. Used when the
// provider reports the mapped customer deleted; the dead id must not be kept.
func (m *Manager) OverwriteMapping(ctx context.Context, userID, customerID string) error {
	mapping := CustomerMapping{
		UserID:     userID,
		CustomerID: customerID,
		UpdatedAt:  time.Now(),
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"customer_id", "updated_at"}),
		}).
		Create(&mapping)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot overwrite customer mapping")
	}
	return nil
}

// ListMappings returns every current mapping; used by the drift sweep.
func (m *Manager) ListMappings(ctx context.Context) ([]CustomerMapping, error) {
	mappings := make([]CustomerMapping, 0, 16)
	result := m.DB.WithContext(ctx).Find(&mappings)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list customer mappings")
	}
	return mappings, nil
}

// MappingStores returns the reverse-lookup strategies in preference order:
// the current table is authoritative, the legacy table is accepted.
func (m *Manager) MappingStores() []MappingStore {
	return []MappingStore{
		&currentMappingStore{m: m},
		&legacyMappingStore{m: m},
	}
}

type currentMappingStore struct {
	m *Manager
}

func (s *currentMappingStore) Name() string { return "billing_customer_mappings" }

func (s *currentMappingStore) UserIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	var mapping CustomerMapping
	result := s.m.DB.WithContext(ctx).First(&mapping, "customer_id = ?", customerID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return mapping.UserID, nil
}

type legacyMappingStore struct {
	m *Manager
}

func (s *legacyMappingStore) Name() string { return "stripe_customers" }

func (s *legacyMappingStore) UserIDByCustomerID(ctx context.Context, customerID string) (string, error) {
	var legacy LegacyStripeCustomer
	result := s.m.DB.WithContext(ctx).First(&legacy, "stripe_id = ?", customerID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return legacy.UserID, nil
}

//				Subscription record

// UpsertSubscription writes the record keyed by the Stripe subscription id.
// The update only applies when the stored row is not newer than the incoming
// event, so replays overwrite with identical data and late redeliveries of
// superseded events are no-ops. Returns whether the write was applied.
func (m *Manager) UpsertSubscription(ctx context.Context, sub *Subscription) (bool, error) {
	sub.UpdatedAt = time.Now()
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "customer_id", "price_id", "status",
				"period_start", "period_end", "cancel_at_period_end",
				"canceled_at", "last_event_at", "updated_at",
			}),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Lte{
						Column: clause.Column{Table: Subscription{}.TableName(), Name: "last_event_at"},
						Value:  sub.LastEventAt,
					},
				},
			},
		}).
		Create(sub)
	if result.Error != nil {
		m.Logger.Error("Unable to upsert subscription record",
			zap.String("SubscriptionID", sub.ID),
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}
	return result.RowsAffected > 0, nil
}

// MarkSubscriptionEvent updates status and last_event_at for an existing
// record, guarded the same way as UpsertSubscription. Used by invoice events,
// which reference a subscription without carrying its full shape.
// Returns (applied, found).
func (m *Manager) MarkSubscriptionEvent(ctx context.Context, subscriptionID, status string, canceledAt *time.Time, at time.Time) (bool, bool, error) {
	columns := map[string]interface{}{
		"status":        status,
		"last_event_at": at,
		"updated_at":    time.Now(),
	}
	if canceledAt != nil {
		columns["canceled_at"] = canceledAt
	}
	result := m.DB.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", subscriptionID).
		Where("last_event_at <= ?", at).
		Updates(columns)
	if result.Error != nil {
		return false, false, extErrors.Wrap(result.Error, "Cannot mark subscription event")
	}
	if result.RowsAffected > 0 {
		return true, true, nil
	}

	var existing Subscription
	lookup := m.DB.WithContext(ctx).First(&existing, "id = ?", subscriptionID)
	if errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
		return false, false, nil
	}
	if lookup.Error != nil {
		return false, false, extErrors.Wrap(lookup.Error, "Cannot look up subscription")
	}
	return false, true, nil
}

// GetSubscription returns the record by Stripe subscription id, nil when absent.
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "id = ?", subscriptionID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription")
	}
	return &sub, nil
}

// LatestSubscriptionForUser returns the user's most recently updated
// subscription record, nil when the user has none.
func (m *Manager) LatestSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Order("updated_at desc").
		First(&sub, "user_id = ?", userID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get latest subscription")
	}
	return &sub, nil
}

//				Hosted sessions

// CheckoutOption specifies the resolved identities for a checkout session
type CheckoutOption struct {
	UserID     string
	CustomerID string
	PriceID    string
}

// CreateCheckoutSession creates a Stripe-hosted subscribe flow. The user id
// travels both as the session's client_reference_id and as metadata on the
// subscription Stripe will create, because different event types later expose
// different objects to resolve identity from.
func (m *Manager) CreateCheckoutSession(ctx context.Context, opt CheckoutOption) (string, error) {
	if len(opt.UserID) == 0 {
		return "", fmt.Errorf("CheckoutOption.UserID is required")
	}
	if len(opt.CustomerID) == 0 {
		return "", fmt.Errorf("CheckoutOption.CustomerID is required")
	}
	if len(opt.PriceID) == 0 {
		return "", fmt.Errorf("CheckoutOption.PriceID is required")
	}

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(opt.CustomerID),
		ClientReferenceID: stripe.String(opt.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(opt.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				MetadataUserIDKey: opt.UserID,
			},
		},
		SuccessURL: stripe.String(m.CheckoutSuccessURL),
		CancelURL:  stripe.String(m.CheckoutCancelURL),
	}

	sess, err := m.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create checkout session on Stripe")
	}
	return sess.URL, nil
}

// PortalOption specifies the target of a billing portal session
type PortalOption struct {
	CustomerID     string
	SubscriptionID string
}

// CreatePortalSession creates a Stripe-hosted management flow. When a
// subscription id is given, the portal deep-links into its cancellation flow
// instead of the generic management screen.
func (m *Manager) CreatePortalSession(ctx context.Context, opt PortalOption) (string, error) {
	if len(opt.CustomerID) == 0 {
		return "", fmt.Errorf("PortalOption.CustomerID is required")
	}

	params := &stripe.BillingPortalSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:  stripe.String(opt.CustomerID),
		ReturnURL: stripe.String(m.PortalReturnURL),
	}
	if len(opt.SubscriptionID) > 0 {
		params.FlowData = &stripe.BillingPortalSessionFlowDataParams{
			Type: stripe.String(string(stripe.BillingPortalSessionFlowTypeSubscriptionCancel)),
			SubscriptionCancel: &stripe.BillingPortalSessionFlowDataSubscriptionCancelParams{
				Subscription: stripe.String(opt.SubscriptionID),
			},
		}
	}

	sess, err := m.StripeClient.BillingPortalSessions.New(params)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create portal session on Stripe")
	}
	return sess.URL, nil
}
