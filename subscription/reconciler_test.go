package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/inkwellhq/inkwell/account"
	"github.com/inkwellhq/inkwell/billing"

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

// fakeGateway records calls instead of talking to a provider
type fakeGateway struct {
	checkoutURL   string
	checkoutErr   error
	checkouts     []billing.CheckoutOptions
	cancelErr     error
	cancels       []string
	cancelsAtEnd  []bool
	reactivateErr error
	reactivated   []string
	customerSeq   int
	portalURL     string
	priceSeq      int
	event         *billing.Event
	verifyErr     error
}

var _ billing.Gateway = &fakeGateway{}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, opt billing.CheckoutOptions) (string, error) {
	if f.checkoutErr != nil {
		return "", f.checkoutErr
	}
	f.checkouts = append(f.checkouts, opt)
	return f.checkoutURL, nil
}

func (f *fakeGateway) CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, externalSubscriptionID)
	f.cancelsAtEnd = append(f.cancelsAtEnd, atPeriodEnd)
	return nil
}

func (f *fakeGateway) ReactivateSubscription(ctx context.Context, externalSubscriptionID string) error {
	if f.reactivateErr != nil {
		return f.reactivateErr
	}
	f.reactivated = append(f.reactivated, externalSubscriptionID)
	return nil
}

func (f *fakeGateway) OpenBillingPortal(ctx context.Context, customerRef, returnURL string) (string, error) {
	return f.portalURL, nil
}

func (f *fakeGateway) ResolveOrCreateCustomer(ctx context.Context, email, name string) (string, error) {
	f.customerSeq++
	return fmt.Sprintf("cus_%d", f.customerSeq), nil
}

func (f *fakeGateway) RegisterPlanPrice(ctx context.Context, pricing billing.PlanPricing) (string, error) {
	f.priceSeq++
	return fmt.Sprintf("price_%d", f.priceSeq), nil
}

func (f *fakeGateway) VerifyWebhook(payload []byte, signature string) (*billing.Event, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.event, nil
}

type reconcilerHarness struct {
	db       *gorm.DB
	gateway  *fakeGateway
	accounts *account.Manager
	manager  *Manager
	rec      *Reconciler
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()
	logger := zap.NewNop()
	db := testDB(t)
	gw := &fakeGateway{
		checkoutURL: "https://checkout.example.com/c/session_1",
		portalURL:   "https://billing.example.com/p/portal_1",
	}
	accounts, err := account.NewManager(logger, db, gw)
	require.NoError(t, err)
	manager, err := NewManager(logger, db)
	require.NoError(t, err)
	rec, err := NewReconciler(ReconcilerOptions{
		Subscriptions: manager,
		Accounts:      accounts,
		Gateway:       gw,
		Logger:        logger,
	})
	require.NoError(t, err)
	return &reconcilerHarness{
		db:       db,
		gateway:  gw,
		accounts: accounts,
		manager:  manager,
		rec:      rec,
	}
}

func (h *reconcilerHarness) seedAccount(t *testing.T) *account.Account {
	t.Helper()
	acct, err := h.accounts.NewAccount(context.Background(), fmt.Sprintf("subscriber%d@example.com", time.Now().UnixNano()), "Test Subscriber")
	require.NoError(t, err)
	return acct
}

func (h *reconcilerHarness) seedPlan(t *testing.T, creatorID string) *Plan {
	t.Helper()
	plan := &Plan{
		ID:              fmt.Sprintf("plan_%d", time.Now().UnixNano()),
		CreatorID:       creatorID,
		Name:            "Supporter",
		Price:           500,
		Currency:        "usd",
		Interval:        "month",
		IsActive:        true,
		ExternalPriceID: "price_test",
	}
	require.NoError(t, h.manager.CreatePlan(context.Background(), plan))
	return plan
}

// seedActive walks a new subscription through checkout completion so it has
// a bound external id and an Active status
func (h *reconcilerHarness) seedActive(t *testing.T, subscriberID, planID, externalID string, at time.Time) *Subscription {
	t.Helper()
	ctx := context.Background()
	_, sub, err := h.rec.Subscribe(ctx, SubscribeOptions{
		SubscriberID: subscriberID,
		PlanID:       planID,
		SuccessURL:   "https://inkwell.example.com/done",
		CancelURL:    "https://inkwell.example.com/canceled",
	})
	require.NoError(t, err)

	outcome, err := h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_seed_" + sub.ID,
		Type:                   billing.EventCheckoutCompleted,
		ExternalSubscriptionID: externalID,
		LocalSubscriptionID:    sub.ID,
		OccurredAt:             at,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	sub, err = h.manager.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, sub.Status)
	return sub
}

func TestSubscribeOpensCheckout(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")

	url, sub, err := h.rec.Subscribe(ctx, SubscribeOptions{
		SubscriberID: acct.ID,
		PlanID:       plan.ID,
		SuccessURL:   "https://inkwell.example.com/done",
		CancelURL:    "https://inkwell.example.com/canceled",
	})
	require.NoError(t, err)
	assert.Equal(t, h.gateway.checkoutURL, url)
	assert.Equal(t, StatusIncomplete, sub.Status)
	assert.Nil(t, sub.ExternalSubscriptionID)

	// checkout carries the local id so completion can be matched back
	require.Len(t, h.gateway.checkouts, 1)
	assert.Equal(t, sub.ID, h.gateway.checkouts[0].LocalSubscriptionID)
	assert.Equal(t, plan.ExternalPriceID, h.gateway.checkouts[0].ExternalPriceID)

	// the customer reference was resolved lazily and persisted
	updated, err := h.accounts.GetByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.ExternalCustomerRef)
}

func TestSubscribeRejectsUnpurchasablePlans(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)

	noPrice := &Plan{
		ID:        "plan-no-price",
		CreatorID: "creator-1",
		Name:      "Draft",
		Price:     500,
		Currency:  "usd",
		Interval:  "month",
		IsActive:  true,
	}
	require.NoError(t, h.manager.CreatePlan(ctx, noPrice))

	_, _, err := h.rec.Subscribe(ctx, SubscribeOptions{SubscriberID: acct.ID, PlanID: noPrice.ID})
	assert.Equal(t, billing.KindValidation, billing.KindOf(err))

	retired := h.seedPlan(t, "creator-1")
	require.NoError(t, h.manager.DeactivatePlan(ctx, retired.ID))
	_, _, err = h.rec.Subscribe(ctx, SubscribeOptions{SubscriberID: acct.ID, PlanID: retired.ID})
	assert.Equal(t, billing.KindValidation, billing.KindOf(err))

	_, _, err = h.rec.Subscribe(ctx, SubscribeOptions{SubscriberID: acct.ID, PlanID: "no-such-plan"})
	assert.Equal(t, billing.KindNotFound, billing.KindOf(err))
}

func TestSubscribeRejectsSecondLiveSubscription(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")
	h.seedActive(t, acct.ID, plan.ID, "sub_ext_live", time.Now().Add(-time.Hour).Truncate(time.Second))

	_, _, err := h.rec.Subscribe(ctx, SubscribeOptions{SubscriberID: acct.ID, PlanID: plan.ID})
	assert.Equal(t, billing.KindConflict, billing.KindOf(err))
}

func TestApplyLifecycle(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	t1 := base
	t2 := base.Add(time.Minute)
	t3 := base.Add(2 * time.Minute)
	t4 := base.Add(3 * time.Minute)

	sub := h.seedActive(t, acct.ID, plan.ID, "sub_ext_1", t1)
	require.NotNil(t, sub.ExternalSubscriptionID)
	assert.Equal(t, "sub_ext_1", *sub.ExternalSubscriptionID)
	require.NotNil(t, sub.ActivatedAt)
	assert.True(t, sub.ActivatedAt.Equal(t1))

	// renewal failure moves the subscription into dunning
	outcome, err := h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_2",
		Type:                   billing.EventPaymentFailed,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             t2,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	sub, _ = h.manager.GetByID(ctx, sub.ID)
	assert.Equal(t, StatusPastDue, sub.Status)

	// recovery
	outcome, err = h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_3",
		Type:                   billing.EventPaymentSucceeded,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             t3,
		PeriodStart:            t3,
		PeriodEnd:              t3.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	sub, _ = h.manager.GetByID(ctx, sub.ID)
	assert.Equal(t, StatusActive, sub.Status)
	// the recovery does not move the original activation
	require.NotNil(t, sub.ActivatedAt)
	assert.True(t, sub.ActivatedAt.Equal(t1))

	// a delayed delivery from before the recovery must not regress state
	outcome, err = h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_late",
		Type:                   billing.EventPaymentFailed,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             t2.Add(30 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredStale, outcome)
	sub, _ = h.manager.GetByID(ctx, sub.ID)
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.LastEventAt.Equal(t3))

	// provider-side deletion is terminal
	outcome, err = h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_4",
		Type:                   billing.EventSubscriptionDeleted,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             t4,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	sub, _ = h.manager.GetByID(ctx, sub.ID)
	assert.Equal(t, StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	// redelivery of the same event ties on the timestamp
	outcome, err = h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_4",
		Type:                   billing.EventSubscriptionDeleted,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             t4,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredDuplicate, outcome)

	// nothing transitions out of Canceled
	outcome, err = h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_5",
		Type:                   billing.EventPaymentSucceeded,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             t4.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredStale, outcome)
	sub, _ = h.manager.GetByID(ctx, sub.ID)
	assert.Equal(t, StatusCanceled, sub.Status)
}

func TestApplyUnknownSubscription(t *testing.T) {
	h := newReconcilerHarness(t)

	outcome, err := h.rec.Apply(context.Background(), &billing.Event{
		ExternalEventID:        "evt_orphan",
		Type:                   billing.EventPaymentSucceeded,
		ExternalSubscriptionID: "sub_ext_unknown",
		OccurredAt:             time.Now(),
	})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, billing.KindNotFound, billing.KindOf(err))
}

func TestCancelAtPeriodEndAndReactivate(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")
	sub := h.seedActive(t, acct.ID, plan.ID, "sub_ext_1", time.Now().Add(-time.Hour).Truncate(time.Second))

	updated, err := h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	assert.True(t, updated.CancelAtPeriodEnd)
	require.Len(t, h.gateway.cancels, 1)
	assert.True(t, h.gateway.cancelsAtEnd[0])

	// the flag can be undone while the provider subscription still exists
	updated, err = h.rec.Reactivate(ctx, ReactivateOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	assert.False(t, updated.CancelAtPeriodEnd)
	assert.Equal(t, []string{"sub_ext_1"}, h.gateway.reactivated)

	// nothing pending, nothing to undo
	_, err = h.rec.Reactivate(ctx, ReactivateOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	assert.Equal(t, billing.KindConflict, billing.KindOf(err))
}

func TestCancelWithProviderClockAhead(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")

	// the provider asserted a timestamp ahead of our clock on the last event
	ahead := time.Now().Add(30 * time.Second).Truncate(time.Second)
	extID := "sub_ext_ahead"
	sub := &Subscription{
		ID:                     "sub-ahead",
		SubscriberID:           acct.ID,
		PlanID:                 plan.ID,
		Status:                 StatusActive,
		ExternalSubscriptionID: &extID,
		LastEventAt:            ahead,
	}
	require.NoError(t, h.manager.Create(ctx, sub))

	updated, err := h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	require.NoError(t, err)
	assert.True(t, updated.CancelAtPeriodEnd)

	updated, err = h.rec.Reactivate(ctx, ReactivateOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	require.NoError(t, err)
	assert.False(t, updated.CancelAtPeriodEnd)

	updated, err = h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
		Immediate:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)
}

func TestCancelImmediate(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")
	sub := h.seedActive(t, acct.ID, plan.ID, "sub_ext_1", time.Now().Add(-time.Hour).Truncate(time.Second))

	updated, err := h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
		Immediate:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)
	require.NotNil(t, updated.CanceledAt)
	require.Len(t, h.gateway.cancels, 1)
	assert.False(t, h.gateway.cancelsAtEnd[0])
}

func TestCancelAuthorization(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")
	sub := h.seedActive(t, acct.ID, plan.ID, "sub_ext_1", time.Now().Add(-time.Hour).Truncate(time.Second))

	_, err := h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    "someone-else",
	})
	assert.Equal(t, billing.KindUnauthorized, billing.KindOf(err))

	// admins may cancel on behalf of the subscriber
	updated, err := h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    "someone-else",
		RequesterAdmin: true,
		Immediate:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)
}

func TestCancelPastDueRequiresImmediate(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	sub := h.seedActive(t, acct.ID, plan.ID, "sub_ext_1", base)

	_, err := h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_fail",
		Type:                   billing.EventPaymentFailed,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             base.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	assert.Equal(t, billing.KindConflict, billing.KindOf(err))

	updated, err := h.rec.Cancel(ctx, CancelOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
		Immediate:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)
}

func TestReactivateAfterProviderDeletion(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()
	acct := h.seedAccount(t)
	plan := h.seedPlan(t, "creator-1")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	sub := h.seedActive(t, acct.ID, plan.ID, "sub_ext_1", base)

	_, err := h.rec.Apply(ctx, &billing.Event{
		ExternalEventID:        "evt_deleted",
		Type:                   billing.EventSubscriptionDeleted,
		ExternalSubscriptionID: "sub_ext_1",
		OccurredAt:             base.Add(time.Minute),
	})
	require.NoError(t, err)

	// the provider object is gone, only a fresh checkout can resubscribe
	_, err = h.rec.Reactivate(ctx, ReactivateOptions{
		SubscriptionID: sub.ID,
		RequesterID:    acct.ID,
	})
	assert.Equal(t, billing.KindConflict, billing.KindOf(err))
	assert.Empty(t, h.gateway.reactivated)
}

func TestResolveTransitionTable(t *testing.T) {
	cases := []struct {
		trigger billing.EventType
		source  Status
		target  Status
		ok      bool
	}{
		{billing.EventCheckoutCompleted, StatusIncomplete, StatusActive, true},
		{billing.EventCheckoutCompleted, StatusActive, "", false},
		{billing.EventPaymentSucceeded, StatusPastDue, StatusActive, true},
		{billing.EventPaymentFailed, StatusActive, StatusPastDue, true},
		{billing.EventPaymentFailed, StatusPastDue, "", false},
		{billing.EventSubscriptionDeleted, StatusActive, StatusCanceled, true},
		{billing.EventSubscriptionDeleted, StatusPastDue, StatusCanceled, true},
		{billing.EventSubscriptionDeleted, StatusCanceled, "", false},
		{billing.EventPaymentSucceeded, StatusCanceled, "", false},
	}
	for _, c := range cases {
		target, ok := resolveTransition(c.trigger, c.source)
		assert.Equal(t, c.ok, ok, "%s from %s", c.trigger, c.source)
		if c.ok {
			assert.Equal(t, c.target, target)
		}
	}
}
