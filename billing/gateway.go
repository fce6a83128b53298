package billing

import (
	"context"
	"time"
)

// EventType identifies a provider notification in provider-agnostic terms
type EventType string

// Defining the event types the reconciler understands
const (
	EventCheckoutCompleted   EventType = "CheckoutCompleted"
	EventPaymentSucceeded    EventType = "PaymentSucceeded"
	EventPaymentFailed       EventType = "PaymentFailed"
	EventSubscriptionUpdated EventType = "SubscriptionUpdated"
	EventSubscriptionDeleted EventType = "SubscriptionDeleted"
)

// Event is a provider notification translated out of the provider's wire
// format. OccurredAt is the provider-asserted timestamp used for ordering.
type Event struct {
	ExternalEventID        string    `json:"externalEventId"`
	Type                   EventType `json:"type"`
	ExternalSubscriptionID string    `json:"externalSubscriptionId"`
	LocalSubscriptionID    string    `json:"localSubscriptionId,omitempty"` // via checkout session metadata, set on checkout completion only
	OccurredAt             time.Time `json:"occurredAt"`
	PeriodStart            time.Time `json:"periodStart"`
	PeriodEnd              time.Time `json:"periodEnd"`
	CancelAtPeriodEnd      bool      `json:"cancelAtPeriodEnd"`
}

// CheckoutOptions describes a new checkout session for one plan price
type CheckoutOptions struct {
	CustomerRef         string
	ExternalPriceID     string
	LocalSubscriptionID string
	TrialDays           int64
	CouponCode          string
	SuccessURL          string
	CancelURL           string
}

// PlanPricing carries the plan attributes needed to register a recurring
// price with the provider
type PlanPricing struct {
	Name        string
	Description string
	Currency    string
	Price       int64 // minor currency units
	Interval    string
}

// Gateway is the capability interface to the external payment provider.
// Implementations never assume success without a positive acknowledgement,
// and perform at most one retry on connection-level failures.
type Gateway interface {
	// CreateCheckoutSession returns the hosted checkout URL
	CreateCheckoutSession(ctx context.Context, opt CheckoutOptions) (string, error)
	// CancelSubscription cancels immediately, or flags cancellation at period end
	CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error
	// ReactivateSubscription clears a pending cancel-at-period-end flag
	ReactivateSubscription(ctx context.Context, externalSubscriptionID string) error
	// OpenBillingPortal returns a self-service portal URL
	OpenBillingPortal(ctx context.Context, customerRef, returnURL string) (string, error)
	// ResolveOrCreateCustomer returns the provider-side customer reference
	ResolveOrCreateCustomer(ctx context.Context, email, name string) (string, error)
	// RegisterPlanPrice creates the provider-side price and returns its reference
	RegisterPlanPrice(ctx context.Context, pricing PlanPricing) (string, error)
	// VerifyWebhook checks the signature over the raw body and translates
	// the envelope into an Event. KindInvalidSignature on a bad signature.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}
