package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/inkwellhq/inkwell/account"
	"github.com/inkwellhq/inkwell/billing"
	"github.com/inkwellhq/inkwell/broker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transitions defines the allowed edges of the subscription state machine,
// keyed by trigger and source status. Any (trigger, source) pair not listed
// here is rejected.
var transitions = map[billing.EventType]map[Status]Status{
	billing.EventCheckoutCompleted: {
		StatusIncomplete: StatusActive,
	},
	billing.EventPaymentSucceeded: {
		StatusIncomplete: StatusActive,
		StatusPastDue:    StatusActive, // recovery
	},
	billing.EventPaymentFailed: {
		StatusActive: StatusPastDue,
	},
	billing.EventSubscriptionUpdated: {
		StatusActive: StatusActive, // period roll / cancel flag sync
	},
	billing.EventSubscriptionDeleted: {
		StatusActive:  StatusCanceled,
		StatusPastDue: StatusCanceled, // dunning exhausted
	},
}

// nextEventTime returns a timestamp strictly after the subscription's last
// applied event, so a user-initiated write passes the ordering guard even
// when the provider's clock runs ahead of ours
func nextEventTime(sub *Subscription) time.Time {
	now := time.Now()
	if now.After(sub.LastEventAt) {
		return now
	}
	return sub.LastEventAt.Add(time.Second)
}

func resolveTransition(trigger billing.EventType, source Status) (Status, bool) {
	bySource, ok := transitions[trigger]
	if !ok {
		return "", false
	}
	target, ok := bySource[source]
	return target, ok
}

// ReconcilerOptions provides initialization parameters for Reconciler
type ReconcilerOptions struct {
	Subscriptions *Manager
	Accounts      *account.Manager
	Gateway       billing.Gateway
	Producer      broker.Producer // optional, nil disables notifications
	Logger        *zap.Logger
}

// Reconciler turns provider events and direct user actions into validated
// state transitions on the subscription store. It holds no state of its own;
// all coordination happens through the store's conditional writes.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler returns a Reconciler for subscription state
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Accounts == nil {
		return nil, fmt.Errorf("nil Accounts is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// Apply validates one provider event against the subscription's recorded
// state and applies the transition through a single conditional write.
// Stale and duplicate deliveries resolve to an ignored outcome, never an
// error: the webhook acknowledgement contract requires success for both.
func (r *Reconciler) Apply(ctx context.Context, ev *billing.Event) (Outcome, error) {
	logger := r.Logger.With(
		zap.String("ExternalEventID", ev.ExternalEventID),
		zap.String("EventType", string(ev.Type)),
	)

	sub, err := r.lookup(ctx, ev)
	if err != nil {
		return OutcomeFailed, err
	}
	if sub == nil {
		return OutcomeFailed, billing.NewError(billing.KindNotFound, "No subscription matches the event")
	}

	// ordering guard: ties count as duplicate delivery, anything earlier is
	// out-of-order and must not overwrite newer state
	if !ev.OccurredAt.After(sub.LastEventAt) {
		if ev.OccurredAt.Equal(sub.LastEventAt) {
			return OutcomeIgnoredDuplicate, nil
		}
		return OutcomeIgnoredStale, nil
	}

	target, ok := resolveTransition(ev.Type, sub.Status)
	if !ok {
		logger.Info("Rejecting transition from mismatched source status",
			zap.String("SubscriptionID", sub.ID),
			zap.String("Status", string(sub.Status)),
		)
		return OutcomeIgnoredStale, nil
	}

	opt := ApplyOptions{
		SubscriptionID: sub.ID,
		SourceStatus:   sub.Status,
		TargetStatus:   target,
		OccurredAt:     ev.OccurredAt,
		PeriodStart:    ev.PeriodStart,
		PeriodEnd:      ev.PeriodEnd,
	}
	switch ev.Type {
	case billing.EventSubscriptionDeleted:
		canceledAt := ev.OccurredAt
		opt.CanceledAt = &canceledAt
	case billing.EventSubscriptionUpdated:
		flag := ev.CancelAtPeriodEnd
		opt.CancelAtPeriodEnd = &flag
	}

	applied, err := r.Subscriptions.Apply(ctx, opt)
	if err != nil {
		return OutcomeFailed, err
	}
	if !applied {
		// a concurrent writer won the race, or the event is stale after all
		return OutcomeIgnoredStale, nil
	}

	if target != sub.Status {
		r.notify(ctx, sub, target, ev.OccurredAt)
	}
	return OutcomeApplied, nil
}

// lookup finds the local subscription for an event. Checkout completion is
// the one case where the provider id is not bound yet: the event carries the
// local id through checkout metadata, and the binding happens here.
func (r *Reconciler) lookup(ctx context.Context, ev *billing.Event) (*Subscription, error) {
	if len(ev.ExternalSubscriptionID) > 0 {
		sub, err := r.Subscriptions.GetByExternalID(ctx, ev.ExternalSubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}
	if len(ev.LocalSubscriptionID) == 0 {
		return nil, nil
	}
	sub, err := r.Subscriptions.GetByID(ctx, ev.LocalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	if sub.ExternalSubscriptionID == nil && len(ev.ExternalSubscriptionID) > 0 {
		if err := r.Subscriptions.SetExternalID(ctx, sub.ID, ev.ExternalSubscriptionID); err != nil {
			return nil, err
		}
		extID := ev.ExternalSubscriptionID
		sub.ExternalSubscriptionID = &extID
	}
	return sub, nil
}

// notify publishes the committed transition for external collaborators.
// Best effort: a lost notification is an inconvenience, not a correctness
// problem, so failures are logged and swallowed.
func (r *Reconciler) notify(ctx context.Context, sub *Subscription, target Status, occurredAt time.Time) {
	if r.Producer == nil {
		return
	}
	n := &broker.Notification{
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		PlanID:         sub.PlanID,
		Status:         string(target),
		OccurredAt:     occurredAt,
	}
	if acct, err := r.Accounts.GetByID(ctx, sub.SubscriberID); err == nil && acct != nil {
		n.SubscriberEmail = acct.Email
	}
	if plan, err := r.Subscriptions.GetPlanByID(ctx, sub.PlanID); err == nil && plan != nil {
		n.PlanName = plan.Name
	}
	if err := r.Producer.SendSubscriptionNotification(n); err != nil {
		r.Logger.Error("Unable to publish subscription notification",
			zap.String("SubscriptionID", sub.ID),
			zap.Error(err),
		)
	}
}

// SubscribeOptions describes a user-initiated checkout
type SubscribeOptions struct {
	SubscriberID string
	PlanID       string
	TrialDays    int64
	CouponCode   string
	SuccessURL   string
	CancelURL    string
}

// Subscribe creates a local subscription in Incomplete and opens a checkout
// session with the provider. The subscription only becomes Active through
// the provider's checkout completion event.
func (r *Reconciler) Subscribe(ctx context.Context, opt SubscribeOptions) (string, *Subscription, error) {
	acct, err := r.Accounts.GetByID(ctx, opt.SubscriberID)
	if err != nil {
		return "", nil, err
	}
	if acct == nil {
		return "", nil, billing.NewError(billing.KindNotFound, "Subscriber does not exist")
	}

	plan, err := r.Subscriptions.GetPlanByID(ctx, opt.PlanID)
	if err != nil {
		return "", nil, err
	}
	if plan == nil {
		return "", nil, billing.NewError(billing.KindNotFound, "Plan does not exist")
	}
	if !plan.IsActive {
		return "", nil, billing.NewError(billing.KindValidation, "Plan is no longer offered")
	}
	if len(plan.ExternalPriceID) == 0 {
		return "", nil, billing.NewError(billing.KindValidation, "Plan is not yet purchasable")
	}

	live, err := r.Subscriptions.CountLive(ctx, opt.SubscriberID, opt.PlanID)
	if err != nil {
		return "", nil, err
	}
	if live > 0 {
		return "", nil, billing.NewError(billing.KindConflict, "An active subscription for this plan already exists")
	}

	customerRef, err := r.Accounts.EnsureCustomerRef(ctx, acct)
	if err != nil {
		return "", nil, err
	}

	sub := &Subscription{
		ID:           uuid.New().String(),
		SubscriberID: opt.SubscriberID,
		PlanID:       opt.PlanID,
		Status:       StatusIncomplete,
	}
	if err := r.Subscriptions.Create(ctx, sub); err != nil {
		return "", nil, err
	}

	checkoutURL, err := r.Gateway.CreateCheckoutSession(ctx, billing.CheckoutOptions{
		CustomerRef:         customerRef,
		ExternalPriceID:     plan.ExternalPriceID,
		LocalSubscriptionID: sub.ID,
		TrialDays:           opt.TrialDays,
		CouponCode:          opt.CouponCode,
		SuccessURL:          opt.SuccessURL,
		CancelURL:           opt.CancelURL,
	})
	if err != nil {
		// the Incomplete row is harmless, a later checkout reuses a new row
		return "", nil, err
	}
	return checkoutURL, sub, nil
}

// CancelOptions describes a user-initiated cancellation
type CancelOptions struct {
	SubscriptionID string
	RequesterID    string
	RequesterAdmin bool
	Immediate      bool
}

// Cancel flags the subscription for cancellation at period end, or cancels
// it immediately. The gateway call must succeed before any local write.
func (r *Reconciler) Cancel(ctx context.Context, opt CancelOptions) (*Subscription, error) {
	sub, err := r.authorize(ctx, opt.SubscriptionID, opt.RequesterID, opt.RequesterAdmin)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Live() {
		return nil, billing.NewError(billing.KindConflict, "Subscription is not active")
	}
	if sub.ExternalSubscriptionID == nil {
		return nil, billing.NewError(billing.KindConflict, "Subscription has not completed checkout")
	}
	if !opt.Immediate && sub.Status != StatusActive {
		return nil, billing.NewError(billing.KindConflict, "A past due subscription can only be canceled immediately")
	}

	occurredAt := nextEventTime(sub)
	if opt.Immediate {
		if err := r.Gateway.CancelSubscription(ctx, *sub.ExternalSubscriptionID, false); err != nil {
			return nil, err
		}
		canceledAt := occurredAt
		applied, err := r.Subscriptions.Apply(ctx, ApplyOptions{
			SubscriptionID: sub.ID,
			SourceStatus:   sub.Status,
			TargetStatus:   StatusCanceled,
			OccurredAt:     occurredAt,
			CanceledAt:     &canceledAt,
		})
		if err != nil {
			return nil, err
		}
		if applied {
			r.notify(ctx, sub, StatusCanceled, occurredAt)
		} else {
			// a concurrent writer moved the subscription first; only fine
			// when it reached Canceled through the other path
			current, err := r.Subscriptions.GetByID(ctx, sub.ID)
			if err != nil {
				return nil, err
			}
			if current == nil || current.Status != StatusCanceled {
				return nil, billing.NewError(billing.KindConflict, "Subscription changed concurrently, retry the request")
			}
			return current, nil
		}
	} else {
		if err := r.Gateway.CancelSubscription(ctx, *sub.ExternalSubscriptionID, true); err != nil {
			return nil, err
		}
		applied, err := r.Subscriptions.SetCancelAtPeriodEnd(ctx, sub.ID, true, occurredAt)
		if err != nil {
			return nil, err
		}
		if !applied {
			// the provider accepted the cancellation but the local flag did
			// not land; surface it instead of reporting a clean state
			return nil, billing.NewError(billing.KindConflict, "Subscription changed concurrently, retry the request")
		}
	}
	return r.Subscriptions.GetByID(ctx, sub.ID)
}

// ReactivateOptions describes a user-initiated reactivation
type ReactivateOptions struct {
	SubscriptionID string
	RequesterID    string
	RequesterAdmin bool
}

// Reactivate clears a pending cancel-at-period-end flag. Only valid while
// the provider-side subscription still exists: once a deletion event has been
// applied the provider object is gone, and reactivation fails with Conflict.
func (r *Reconciler) Reactivate(ctx context.Context, opt ReactivateOptions) (*Subscription, error) {
	sub, err := r.authorize(ctx, opt.SubscriptionID, opt.RequesterID, opt.RequesterAdmin)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, billing.NewError(billing.KindConflict, "Subscription is already canceled on the provider and cannot be reactivated")
	}
	if sub.Status != StatusActive || !sub.CancelAtPeriodEnd {
		return nil, billing.NewError(billing.KindConflict, "Subscription has no pending cancellation to undo")
	}
	if sub.ExternalSubscriptionID == nil {
		return nil, billing.NewError(billing.KindConflict, "Subscription has not completed checkout")
	}

	if err := r.Gateway.ReactivateSubscription(ctx, *sub.ExternalSubscriptionID); err != nil {
		return nil, err
	}
	applied, err := r.Subscriptions.SetCancelAtPeriodEnd(ctx, sub.ID, false, nextEventTime(sub))
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, billing.NewError(billing.KindConflict, "Subscription changed concurrently, retry the request")
	}
	return r.Subscriptions.GetByID(ctx, sub.ID)
}

func (r *Reconciler) authorize(ctx context.Context, subscriptionID, requesterID string, admin bool) (*Subscription, error) {
	sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billing.NewError(billing.KindNotFound, "Subscription does not exist")
	}
	if sub.SubscriberID != requesterID && !admin {
		return nil, billing.NewError(billing.KindUnauthorized, "Requester does not own the subscription")
	}
	return sub, nil
}
