package entitlement

import (
	"context"
	"errors"

	"github.com/inkwellhq/inkwell/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Level is the access tier derived from subscription status
type Level string

// Defining access levels
const (
	LevelFree    Level = "Free"
	LevelPremium Level = "Premium"
)

// Manager answers entitlement queries for content-serving code. Pure reads
// against the latest committed subscription state, no caching layer.
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for entitlement queries
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, errors.New("nil Logger is invalid")
	}
	if db == nil {
		return nil, errors.New("nil DB is invalid")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// HasEntitlement reports whether the subscriber holds an Active subscription
// for the given plan. PastDue does not entitle: the grace period is the
// provider's dunning window, not ours.
func (m *Manager) HasEntitlement(ctx context.Context, subscriberID, planID string) (bool, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&subscription.Subscription{}).
		Where("subscriber_id = ?", subscriberID).
		Where("plan_id = ?", planID).
		Where("status = ?", subscription.StatusActive).
		Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot check entitlement")
	}
	return count > 0, nil
}

// AccessLevel returns Premium iff any subscription for the subscriber is Active
func (m *Manager) AccessLevel(ctx context.Context, subscriberID string) (Level, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&subscription.Subscription{}).
		Where("subscriber_id = ?", subscriberID).
		Where("status = ?", subscription.StatusActive).
		Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return LevelFree, extErrors.Wrap(result.Error, "Cannot determine access level")
	}
	if count > 0 {
		return LevelPremium, nil
	}
	return LevelFree, nil
}
