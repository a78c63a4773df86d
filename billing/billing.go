package billing

import "time"

// MetadataUserIDKey is the metadata field carrying the internal user id on
// objects we create at Stripe. Events echo it back so identity can be resolved
// without a mapping lookup.
const MetadataUserIDKey = "user_id"

// CustomerMapping is the authoritative user → Stripe customer mapping.
// At most one live Stripe customer per user at any time.
type CustomerMapping struct {
	UserID     string    `json:"userId" gorm:"primaryKey"`
	CustomerID string    `json:"customerId" gorm:"uniqueIndex"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName overrides the gorm default
func (CustomerMapping) TableName() string {
	return "billing_customer_mappings"
}

// LegacyStripeCustomer mirrors the pre-migration mapping table. Rows were
// written by the old signup flow and are never written by this codebase, but
// customers created back then still emit events, so resolution must accept
// hits here as valid.
type LegacyStripeCustomer struct {
	CustomerID string `json:"customerId" gorm:"primaryKey;column:stripe_id"`
	UserID     string `json:"userId" gorm:"index"`
	Email      string `json:"email"`
}

// TableName overrides the gorm default
func (LegacyStripeCustomer) TableName() string {
	return "stripe_customers"
}

// Subscription is our durable record of the provider's view of a recurring
// plan. Rows are keyed by the Stripe subscription id, which makes replayed
// events naturally idempotent, and carry the timestamp of the newest event
// applied so a late redelivery of a superseded event cannot move state
// backwards.
type Subscription struct {
	ID                string     `json:"id" gorm:"primaryKey"` // Stripe subscription id
	UserID            string     `json:"userId" gorm:"index"`
	CustomerID        string     `json:"customerId" gorm:"index"`
	PriceID           string     `json:"priceId"`
	Status            string     `json:"status"` // trialing, active, past_due, canceled, incomplete, incomplete_expired, unpaid
	PeriodStart       time.Time  `json:"periodStart"`
	PeriodEnd         time.Time  `json:"periodEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	CanceledAt        *time.Time `json:"canceledAt"`
	LastEventAt       time.Time  `json:"lastEventAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// TableName overrides the gorm default
func (Subscription) TableName() string {
	return "billing_subscriptions"
}
