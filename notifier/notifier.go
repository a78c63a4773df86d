package notifier

import "time"

// EntitlementChanged is published after every successful entitlement
// replacement so the rest of the application reacts without polling the
// profile table. The message mirrors the public read contract plus the event
// type that caused the change.
type EntitlementChanged struct {
	UserID            string     `json:"userId"`
	IsPremium         bool       `json:"isPremium"`
	Plan              string     `json:"plan"`
	PremiumExpiresAt  *time.Time `json:"premiumExpiresAt"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	Reason            string     `json:"reason"`
	OccurredAt        time.Time  `json:"occurredAt"`
}

// Publisher defines the interface for broadcasting entitlement changes via
// a message broker. Publishing is best-effort: the durable state has already
// been written when a Publisher is invoked.
type Publisher interface {
	Close()
	PublishEntitlementChanged(e *EntitlementChanged) error
}

// Discard is a Publisher that drops every message. Used in tests and in
// tools that reconcile without broadcasting.
type Discard struct{}

func (Discard) Close() {}

func (Discard) PublishEntitlementChanged(e *EntitlementChanged) error { return nil }
