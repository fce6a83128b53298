package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/inkwellhq/inkwell/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event is one row per externally-delivered provider notification. Rows are
// append-only: only the outcome field is ever mutated, and a successful
// outcome never changes once recorded.
type Event struct {
	ExternalEventID        string               `json:"externalEventId" gorm:"primaryKey"`
	EventType              string               `json:"eventType"`
	SubscriptionExternalID string               `json:"subscriptionExternalId" gorm:"index"`
	OccurredAt             time.Time            `json:"occurredAt"` // provider-asserted
	ReceivedAt             time.Time            `json:"receivedAt"`
	ProcessingOutcome      subscription.Outcome `json:"processingOutcome"`
}

// Ledger is the append-only record of inbound billing provider events,
// used for idempotency and audit
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLedger returns a new Ledger for webhook events
func NewLedger(logger *zap.Logger, db *gorm.DB) (*Ledger, error) {
	if logger == nil {
		return nil, errors.New("nil Logger is invalid")
	}
	if db == nil {
		return nil, errors.New("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize webhook.Ledger")
	}
	return &Ledger{
		db:     db,
		logger: logger,
	}, nil
}

// RecordIfNew inserts the event row if the external id has never been seen.
// The primary key makes the insert atomic under concurrent delivery of the
// same event: exactly one caller observes isNew, everyone else must not
// re-apply side effects.
func (l *Ledger) RecordIfNew(ctx context.Context, ev *Event) (bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ev)
	if result.Error != nil {
		l.logger.Error("Unable to record webhook event",
			zap.String("ExternalEventID", ev.ExternalEventID),
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot record webhook event")
	}
	return result.RowsAffected > 0, nil
}

// Finalize records the terminal outcome for audit. A successful outcome is
// immutable; Failed (and an empty outcome left by a crash before Finalize)
// may be superseded when the provider redelivers and the retry lands, so a
// failed delivery is never permanently absorbed.
func (l *Ledger) Finalize(ctx context.Context, externalEventID string, outcome subscription.Outcome) error {
	result := l.db.WithContext(ctx).Model(&Event{}).
		Where("external_event_id = ?", externalEventID).
		Where("processing_outcome IN ?", []subscription.Outcome{"", subscription.OutcomeFailed}).
		Update("processing_outcome", outcome)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot finalize webhook event")
	}
	return nil
}

// Get returns the ledger row by the provider event id
func (l *Ledger) Get(ctx context.Context, externalEventID string) (*Event, error) {
	var ev Event
	result := l.db.WithContext(ctx).First(&ev, "external_event_id = ?", externalEventID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get webhook event")
	}
	return &ev, nil
}
