package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/inkwellhq/inkwell/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(zap.NewNop(), testDB(t))
	require.NoError(t, err)
	return l
}

func TestRecordIfNewIdempotent(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	occurred := time.Now().Add(-time.Minute).Truncate(time.Second)

	isNew, err := l.RecordIfNew(ctx, &Event{
		ExternalEventID:        "evt_1",
		EventType:              "PaymentSucceeded",
		SubscriptionExternalID: "sub_ext_1",
		OccurredAt:             occurred,
	})
	require.NoError(t, err)
	assert.True(t, isNew)

	// redelivery of the same provider event id is absorbed
	for i := 0; i < 3; i++ {
		isNew, err = l.RecordIfNew(ctx, &Event{
			ExternalEventID:        "evt_1",
			EventType:              "PaymentSucceeded",
			SubscriptionExternalID: "sub_ext_1",
			OccurredAt:             occurred,
		})
		require.NoError(t, err)
		assert.False(t, isNew)
	}

	var count int64
	require.NoError(t, l.db.Model(&Event{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestFinalizeSuccessIsImmutable(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, &Event{
		ExternalEventID: "evt_1",
		EventType:       "PaymentFailed",
		OccurredAt:      time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, l.Finalize(ctx, "evt_1", subscription.OutcomeApplied))

	// a successful outcome never changes once recorded
	require.NoError(t, l.Finalize(ctx, "evt_1", subscription.OutcomeFailed))

	ev, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, subscription.OutcomeApplied, ev.ProcessingOutcome)
}

func TestFinalizeFailureMaySucceedLater(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, &Event{
		ExternalEventID: "evt_1",
		EventType:       "PaymentFailed",
		OccurredAt:      time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, l.Finalize(ctx, "evt_1", subscription.OutcomeFailed))

	// a retried delivery that lands supersedes the failure
	require.NoError(t, l.Finalize(ctx, "evt_1", subscription.OutcomeApplied))

	ev, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, subscription.OutcomeApplied, ev.ProcessingOutcome)
}

func TestGetMissingEvent(t *testing.T) {
	l := testLedger(t)

	ev, err := l.Get(context.Background(), "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, ev)
}
