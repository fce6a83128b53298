package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/inkwellhq/inkwell/billing"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Plans and Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for the subscription store
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, errors.New("nil Logger is invalid")
	}
	if db == nil {
		return nil, errors.New("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Plan{}, &Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	// gorm tags cannot express a partial index, and a plain unique index
	// would also cover Canceled rows
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_live_subscriber_plan ON subscriptions (subscriber_id, plan_id) WHERE status IN ('Active', 'PastDue')").Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create live subscription index")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "unique failed")
}

// ------------------------------ Plan catalogue ------------------------------

// CreatePlan persists a new Plan for a creator
func (m *Manager) CreatePlan(ctx context.Context, plan *Plan) error {
	if plan.Price <= 0 {
		return billing.NewError(billing.KindValidation, "Plan price must be greater than zero")
	}
	if len(plan.Currency) != 3 {
		return billing.NewError(billing.KindValidation, "Plan currency must be an ISO 4217 code")
	}
	result := m.db.WithContext(ctx).Create(plan)
	if result.Error != nil {
		m.logger.Error("Unable to create new plan in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create plan")
	}
	return nil
}

// GetPlanByID will try to return the Plan in the database by id
func (m *Manager) GetPlanByID(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	result := m.db.WithContext(ctx).First(&plan, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}
	return &plan, nil
}

// ListPlansByCreator returns the creator's plans, newest first
func (m *Manager) ListPlansByCreator(ctx context.Context, creatorID string) ([]Plan, error) {
	plans := make([]Plan, 0, 1)
	result := m.db.WithContext(ctx).
		Where("creator_id = ?", creatorID).
		Order("created_at desc").
		Find(&plans)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return plans, nil
}

// SetPlanExternalPriceID records the provider-side price reference.
// A Plan cannot be subscribed to until this is set.
func (m *Manager) SetPlanExternalPriceID(ctx context.Context, planID, externalPriceID string) error {
	result := m.db.WithContext(ctx).Model(&Plan{}).
		Where("id = ?", planID).
		Update("external_price_id", externalPriceID)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot record external price id")
	}
	if result.RowsAffected == 0 {
		return billing.NewError(billing.KindNotFound, "Plan does not exist")
	}
	return nil
}

// DeactivatePlan soft-disables a Plan so no new subscription may reference it
func (m *Manager) DeactivatePlan(ctx context.Context, planID string) error {
	result := m.db.WithContext(ctx).Model(&Plan{}).
		Where("id = ?", planID).
		Update("is_active", false)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot deactivate plan")
	}
	if result.RowsAffected == 0 {
		return billing.NewError(billing.KindNotFound, "Plan does not exist")
	}
	return nil
}

// DeletePlan hard-deletes a Plan. Only permitted with zero referencing
// subscriptions; otherwise the caller should DeactivatePlan instead.
func (m *Manager) DeletePlan(ctx context.Context, planID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Model(&Subscription{}).Where("plan_id = ?", planID).Count(&refs).Error; err != nil {
			return extErrors.Wrap(err, "Cannot count referencing subscriptions")
		}
		if refs > 0 {
			return billing.NewError(billing.KindConflict, "Plan is referenced by subscriptions and can only be deactivated")
		}
		result := tx.Delete(&Plan{}, "id = ?", planID)
		if result.Error != nil {
			return extErrors.Wrap(result.Error, "Cannot delete plan")
		}
		if result.RowsAffected == 0 {
			return billing.NewError(billing.KindNotFound, "Plan does not exist")
		}
		return nil
	})
}

// ------------------------------ Subscriptions -------------------------------

// Create persists a new Subscription. The partial unique index on live
// statuses backs up the duplicate check under concurrent creates.
func (m *Manager) Create(ctx context.Context, sub *Subscription) error {
	live, err := m.CountLive(ctx, sub.SubscriberID, sub.PlanID)
	if err != nil {
		return err
	}
	if live > 0 {
		return billing.NewError(billing.KindConflict, "An active subscription for this plan already exists")
	}
	result := m.db.WithContext(ctx).Create(sub)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return billing.WrapError(billing.KindConflict, result.Error, "An active subscription for this plan already exists")
		}
		m.logger.Error("Unable to create new subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create subscription")
	}
	return nil
}

// GetByID will try to return the Subscription in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).First(&sub, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}
	return &sub, nil
}

// GetByExternalID will try to return the Subscription by the provider-side id
func (m *Manager) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).First(&sub, "external_subscription_id = ?", externalID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by external id")
	}
	return &sub, nil
}

// ListBySubscriber returns the subscriber's subscriptions, newest first
func (m *Manager) ListBySubscriber(ctx context.Context, subscriberID string) ([]Subscription, error) {
	subs := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at desc").
		Find(&subs)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return subs, nil
}

// CountLive returns the number of active/past-due subscriptions for the pair
func (m *Manager) CountLive(ctx context.Context, subscriberID, planID string) (int64, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("subscriber_id = ?", subscriberID).
		Where("plan_id = ?", planID).
		Where("status IN ?", []Status{StatusActive, StatusPastDue}).
		Count(&count)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count live subscriptions")
	}
	return count, nil
}

// SetExternalID records the provider-side subscription id once checkout
// completes. A no-op when the id was already recorded.
func (m *Manager) SetExternalID(ctx context.Context, id, externalID string) error {
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", id).
		Where("external_subscription_id IS NULL").
		Update("external_subscription_id", externalID)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return billing.WrapError(billing.KindConflict, result.Error, "External subscription id is already bound")
		}
		return extErrors.Wrap(result.Error, "Cannot record external subscription id")
	}
	return nil
}

// ApplyOptions describes one guarded transition on a Subscription
type ApplyOptions struct {
	SubscriptionID    string
	SourceStatus      Status
	TargetStatus      Status
	OccurredAt        time.Time
	PeriodStart       time.Time // zero value leaves the column untouched
	PeriodEnd         time.Time
	CanceledAt        *time.Time
	CancelAtPeriodEnd *bool
}

// Apply performs the transition as a single conditional UPDATE. The guards on
// source status and last_event_at make the write race-free: of two concurrent
// writers for the same subscription, exactly one can match. Zero rows affected
// means a stale or already-applied event, not an error.
func (m *Manager) Apply(ctx context.Context, opt ApplyOptions) (bool, error) {
	updates := map[string]interface{}{
		"status":        opt.TargetStatus,
		"last_event_at": opt.OccurredAt,
	}
	if opt.TargetStatus == StatusActive {
		// the first activation anchors metrics cohorts, later recoveries
		// must not move it
		updates["activated_at"] = gorm.Expr("COALESCE(activated_at, ?)", opt.OccurredAt)
	}
	if !opt.PeriodStart.IsZero() {
		updates["current_period_start"] = opt.PeriodStart
	}
	if !opt.PeriodEnd.IsZero() {
		updates["current_period_end"] = opt.PeriodEnd
	}
	if opt.CanceledAt != nil {
		updates["canceled_at"] = *opt.CanceledAt
	}
	if opt.CancelAtPeriodEnd != nil {
		updates["cancel_at_period_end"] = *opt.CancelAtPeriodEnd
	}

	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", opt.SubscriptionID).
		Where("status = ?", opt.SourceStatus).
		Where("last_event_at < ?", opt.OccurredAt).
		Updates(updates)
	if result.Error != nil {
		m.logger.Error("Unable to apply subscription transition",
			zap.String("SubscriptionID", opt.SubscriptionID),
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot apply subscription transition")
	}
	return result.RowsAffected > 0, nil
}

// SetCancelAtPeriodEnd toggles the pending-cancellation flag while the
// subscription remains Active, with the same ordering guard as Apply
func (m *Manager) SetCancelAtPeriodEnd(ctx context.Context, id string, flag bool, occurredAt time.Time) (bool, error) {
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", id).
		Where("status = ?", StatusActive).
		Where("last_event_at < ?", occurredAt).
		Updates(map[string]interface{}{
			"cancel_at_period_end": flag,
			"last_event_at":        occurredAt,
		})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot toggle cancel at period end")
	}
	return result.RowsAffected > 0, nil
}
