package profile

import "time"

// Plan tags stored on the entitlement. The rest of the application only ever
// branches on these two values.
const (
	PlanPaid string = "paid"
	PlanFree        = "free"
)

// Profile is the per-user row consumed by the rest of the application.
// The premium columns are a denormalized view of the latest known
// subscription state and are only ever written as a whole.
type Profile struct {
	UserID      string `json:"userId" gorm:"primaryKey"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`

	IsPremium         bool       `json:"isPremium"`
	Plan              string     `json:"plan"`
	PremiumStartedAt  *time.Time `json:"premiumStartedAt"`
	PremiumExpiresAt  *time.Time `json:"premiumExpiresAt"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entitlement is the full premium tuple. It is computed from a single billing
// event and replaces the stored tuple atomically; fields are never patched
// individually.
type Entitlement struct {
	IsPremium         bool       `json:"isPremium"`
	Plan              string     `json:"plan"`
	PremiumStartedAt  *time.Time `json:"premiumStartedAt"`
	PremiumExpiresAt  *time.Time `json:"premiumExpiresAt"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
}

// FreeEntitlement is the fail-closed tuple: no premium, no expiry carried over.
func FreeEntitlement() Entitlement {
	return Entitlement{
		IsPremium:         false,
		Plan:              PlanFree,
		PremiumStartedAt:  nil,
		PremiumExpiresAt:  nil,
		CancelAtPeriodEnd: false,
	}
}
