package profile

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Profiles
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for profiles
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Profile{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize profile.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// EnsureProfile guarantees a profile row exists for the user and returns it.
// Concurrent callers racing on the insert both end up with the same row.
func (m *Manager) EnsureProfile(ctx context.Context, userID string) (*Profile, error) {
	prof := Profile{
		UserID: userID,
		Plan:   PlanFree,
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&prof)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot ensure profile")
	}
	return m.GetByUserID(ctx, userID)
}

// GetByUserID will try to return the profile in the database by user id
func (m *Manager) GetByUserID(ctx context.Context, userID string) (*Profile, error) {
	var prof Profile

	result := m.db.WithContext(ctx).First(&prof, "user_id = ?", userID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get profile by user id")
	}

	return &prof, nil
}

// ReplaceEntitlement overwrites the whole premium tuple in a single UPDATE.
// The tuple is never merged with the stored value: callers compute it from
// the incoming event alone, so concurrent writers converge to whichever
// write lands last instead of interleaving into a mixed state.
func (m *Manager) ReplaceEntitlement(ctx context.Context, userID string, ent Entitlement) error {
	columns := map[string]interface{}{
		"is_premium":           ent.IsPremium,
		"plan":                 ent.Plan,
		"premium_started_at":   ent.PremiumStartedAt,
		"premium_expires_at":   ent.PremiumExpiresAt,
		"cancel_at_period_end": ent.CancelAtPeriodEnd,
		"updated_at":           time.Now(),
	}

	result := m.db.WithContext(ctx).
		Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(columns)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot replace entitlement")
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// No profile row yet (e.g. a webhook raced the first login). Create it
	// carrying the tuple, then fall back to the UPDATE if someone beat us.
	now := time.Now()
	prof := Profile{
		UserID:            userID,
		IsPremium:         ent.IsPremium,
		Plan:              ent.Plan,
		PremiumStartedAt:  ent.PremiumStartedAt,
		PremiumExpiresAt:  ent.PremiumExpiresAt,
		CancelAtPeriodEnd: ent.CancelAtPeriodEnd,
		UpdatedAt:         now,
	}
	createRes := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&prof)
	if createRes.Error != nil {
		return extErrors.Wrap(createRes.Error, "Cannot replace entitlement")
	}
	if createRes.RowsAffected > 0 {
		return nil
	}

	retryRes := m.db.WithContext(ctx).
		Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(columns)
	if retryRes.Error != nil {
		return extErrors.Wrap(retryRes.Error, "Cannot replace entitlement")
	}
	return nil
}

// GetEntitlement returns the public read contract for a user. A missing
// profile reads as the free tier.
func (m *Manager) GetEntitlement(ctx context.Context, userID string) (Entitlement, error) {
	prof, err := m.GetByUserID(ctx, userID)
	if err != nil {
		return FreeEntitlement(), err
	}
	if prof == nil {
		return FreeEntitlement(), nil
	}
	return Entitlement{
		IsPremium:         prof.IsPremium,
		Plan:              prof.Plan,
		PremiumStartedAt:  prof.PremiumStartedAt,
		PremiumExpiresAt:  prof.PremiumExpiresAt,
		CancelAtPeriodEnd: prof.CancelAtPeriodEnd,
	}, nil
}
