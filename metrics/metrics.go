package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/inkwellhq/inkwell/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Aggregator computes revenue and churn rollups over subscription history.
// Read-only: subscriptions are never physically deleted, so the history is
// always available here.
type Aggregator struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAggregator returns a new Aggregator over the subscription store
func NewAggregator(logger *zap.Logger, db *gorm.DB) (*Aggregator, error) {
	if logger == nil {
		return nil, errors.New("nil Logger is invalid")
	}
	if db == nil {
		return nil, errors.New("nil DB is invalid")
	}
	return &Aggregator{
		db:     db,
		logger: logger,
	}, nil
}

// ChurnRate returns the percentage of subscriptions active at the start of
// the window that canceled within it. Zero when nothing was active then.
func (a *Aggregator) ChurnRate(ctx context.Context, windowDays int) (float64, error) {
	windowStart := time.Now().AddDate(0, 0, -windowDays)

	// the cohort: activated before the window opened and not yet canceled at
	// that point. Rows still awaiting checkout then carry no activated_at
	// and stay out, even when they activate later inside the window.
	var activeAtStart int64
	result := a.db.WithContext(ctx).Model(&subscription.Subscription{}).
		Where("activated_at IS NOT NULL").
		Where("activated_at <= ?", windowStart).
		Where("canceled_at IS NULL OR canceled_at > ?", windowStart).
		Count(&activeAtStart)
	if result.Error != nil {
		a.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot count active subscriptions at window start")
	}
	if activeAtStart == 0 {
		return 0, nil
	}

	// only cohort members count as churned, so the rate never exceeds 100%
	var canceledInWindow int64
	result = a.db.WithContext(ctx).Model(&subscription.Subscription{}).
		Where("status = ?", subscription.StatusCanceled).
		Where("activated_at IS NOT NULL").
		Where("activated_at <= ?", windowStart).
		Where("canceled_at > ?", windowStart).
		Count(&canceledInWindow)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count canceled subscriptions in window")
	}

	return float64(canceledInWindow) / float64(activeAtStart) * 100, nil
}

// MonthlyRecurringRevenue sums the plan price of all currently Active
// subscriptions on the creator's plans, in minor currency units
func (a *Aggregator) MonthlyRecurringRevenue(ctx context.Context, creatorID string) (int64, error) {
	var total int64
	result := a.db.WithContext(ctx).Model(&subscription.Subscription{}).
		Select("COALESCE(SUM(plans.price), 0)").
		Joins("JOIN plans ON plans.id = subscriptions.plan_id").
		Where("plans.creator_id = ?", creatorID).
		Where("subscriptions.status = ?", subscription.StatusActive).
		Scan(&total)
	if result.Error != nil {
		a.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot compute monthly recurring revenue")
	}
	return total, nil
}

// AverageRevenuePerUser is MRR divided by the count of distinct subscribers
// holding an Active subscription on the creator's plans, zero when none
func (a *Aggregator) AverageRevenuePerUser(ctx context.Context, creatorID string) (int64, error) {
	mrr, err := a.MonthlyRecurringRevenue(ctx, creatorID)
	if err != nil {
		return 0, err
	}

	var subscribers int64
	result := a.db.WithContext(ctx).Model(&subscription.Subscription{}).
		Select("COUNT(DISTINCT subscriptions.subscriber_id)").
		Joins("JOIN plans ON plans.id = subscriptions.plan_id").
		Where("plans.creator_id = ?", creatorID).
		Where("subscriptions.status = ?", subscription.StatusActive).
		Scan(&subscribers)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count active subscribers")
	}
	if subscribers == 0 {
		return 0, nil
	}
	return mrr / subscribers, nil
}
