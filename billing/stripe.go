package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// StripeOptions provides initialization parameters for the Stripe-backed Gateway
type StripeOptions struct {
	Key           string
	WebhookSecret string
	Logger        *zap.Logger
}

// StripeGateway implements Gateway on top of the Stripe API
type StripeGateway struct {
	StripeOptions
	client *client.API
}

var _ Gateway = &StripeGateway{}

// NewStripeGateway returns a Gateway backed by Stripe
func NewStripeGateway(option StripeOptions) (*StripeGateway, error) {
	if len(option.Key) == 0 {
		return nil, fmt.Errorf("empty Key is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	sc := &client.API{}
	sc.Init(option.Key, nil)
	return &StripeGateway{
		StripeOptions: option,
		client:        sc,
	}, nil
}

// transient reports whether the failure is connection-level or a provider 5xx.
// Application errors (4xx) must never be retried.
func transient(err error) bool {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return sErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func mapStripeError(op string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch {
		case sErr.HTTPStatusCode == http.StatusNotFound:
			return WrapError(KindNotFound, err, op)
		case sErr.HTTPStatusCode == http.StatusUnauthorized || sErr.HTTPStatusCode == http.StatusForbidden:
			return WrapError(KindUnauthorized, err, op)
		case sErr.HTTPStatusCode == http.StatusConflict:
			return WrapError(KindConflict, err, op)
		case sErr.HTTPStatusCode >= http.StatusInternalServerError:
			return WrapError(KindGateway, err, op)
		default:
			return WrapError(KindValidation, err, op)
		}
	}
	return WrapError(KindGateway, err, op)
}

// withRetry performs fn with a single bounded retry on transient failures
func (g *StripeGateway) withRetry(op string, fn func() error) error {
	err := fn()
	if err != nil && transient(err) {
		g.Logger.Warn("Retrying Stripe call after transient failure",
			zap.String("Op", op),
			zap.Error(err),
		)
		err = fn()
	}
	if err != nil {
		return mapStripeError(op, err)
	}
	return nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, opt CheckoutOptions) (string, error) {
	metadata := map[string]string{
		"subscription_id": opt.LocalSubscriptionID,
	}
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: metadata,
		},
		Customer: stripe.String(opt.CustomerRef),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(opt.ExternalPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		SuccessURL: stripe.String(opt.SuccessURL),
		CancelURL:  stripe.String(opt.CancelURL),
	}
	if opt.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(opt.TrialDays)
	}
	if len(opt.CouponCode) > 0 {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{
				Coupon: stripe.String(opt.CouponCode),
			},
		}
	}

	var sessionURL string
	err := g.withRetry("CreateCheckoutSession", func() error {
		session, err := g.client.CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		sessionURL = session.URL
		return nil
	})
	return sessionURL, err
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, externalSubscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		return g.withRetry("CancelSubscription", func() error {
			sub, err := g.client.Subscriptions.Update(externalSubscriptionID, &stripe.SubscriptionParams{
				Params: stripe.Params{
					Context: ctx,
				},
				CancelAtPeriodEnd: stripe.Bool(true),
			})
			if err != nil {
				return err
			}
			if !sub.CancelAtPeriodEnd {
				return fmt.Errorf("Stripe did not mark subscription as cancel at end of period")
			}
			return nil
		})
	}
	return g.withRetry("CancelSubscription", func() error {
		_, err := g.client.Subscriptions.Cancel(externalSubscriptionID, &stripe.SubscriptionCancelParams{
			Params: stripe.Params{
				Context: ctx,
			},
		})
		return err
	})
}

func (g *StripeGateway) ReactivateSubscription(ctx context.Context, externalSubscriptionID string) error {
	return g.withRetry("ReactivateSubscription", func() error {
		sub, err := g.client.Subscriptions.Update(externalSubscriptionID, &stripe.SubscriptionParams{
			Params: stripe.Params{
				Context: ctx,
			},
			CancelAtPeriodEnd: stripe.Bool(false),
		})
		if err != nil {
			return err
		}
		if sub.CancelAtPeriodEnd {
			return fmt.Errorf("Stripe did not clear the cancel at period end flag")
		}
		return nil
	})
}

func (g *StripeGateway) OpenBillingPortal(ctx context.Context, customerRef, returnURL string) (string, error) {
	var portalURL string
	err := g.withRetry("OpenBillingPortal", func() error {
		session, err := g.client.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Customer:  stripe.String(customerRef),
			ReturnURL: stripe.String(returnURL),
		})
		if err != nil {
			return err
		}
		portalURL = session.URL
		return nil
	})
	return portalURL, err
}

func (g *StripeGateway) ResolveOrCreateCustomer(ctx context.Context, email, name string) (string, error) {
	var customerRef string
	err := g.withRetry("ResolveOrCreateCustomer", func() error {
		listParams := &stripe.CustomerListParams{
			ListParams: stripe.ListParams{
				Context: ctx,
			},
			Email: stripe.String(email),
		}
		iter := g.client.Customers.List(listParams)
		for iter.Next() {
			customerRef = iter.Customer().ID
			return nil
		}
		if iter.Err() != nil {
			return iter.Err()
		}
		c, err := g.client.Customers.New(&stripe.CustomerParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Email: stripe.String(email),
			Name:  stripe.String(name),
		})
		if err != nil {
			return err
		}
		customerRef = c.ID
		return nil
	})
	return customerRef, err
}

func (g *StripeGateway) RegisterPlanPrice(ctx context.Context, pricing PlanPricing) (string, error) {
	var priceID string
	err := g.withRetry("RegisterPlanPrice", func() error {
		product, err := g.client.Products.New(&stripe.ProductParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Active:      stripe.Bool(true),
			Name:        stripe.String(pricing.Name),
			Description: stripe.String(pricing.Description),
		})
		if err != nil {
			return err
		}
		price, err := g.client.Prices.New(&stripe.PriceParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Active:        stripe.Bool(true),
			Nickname:      stripe.String(pricing.Name),
			BillingScheme: stripe.String("per_unit"),
			Currency:      stripe.String(pricing.Currency),
			UnitAmount:    stripe.Int64(pricing.Price),
			Product:       stripe.String(product.ID),
			Recurring: &stripe.PriceRecurringParams{
				Interval:      stripe.String(pricing.Interval),
				IntervalCount: stripe.Int64(1),
				UsageType:     stripe.String("licensed"),
			},
		})
		if err != nil {
			return err
		}
		priceID = price.ID
		return nil
	})
	return priceID, err
}

// VerifyWebhook checks the payload signature and translates the Stripe event
// envelope into a provider-agnostic Event. Event types outside the handled set
// return (nil, nil) so the caller can acknowledge without processing.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, g.WebhookSecret)
	if err != nil {
		return nil, WrapError(KindInvalidSignature, err, "VerifyWebhook")
	}

	ev := &Event{
		ExternalEventID: stripeEvent.ID,
		OccurredAt:      time.Unix(stripeEvent.Created, 0),
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return nil, WrapError(KindValidation, err, "VerifyWebhook")
		}
		ev.Type = EventCheckoutCompleted
		if session.Subscription != nil {
			ev.ExternalSubscriptionID = session.Subscription.ID
		}
		ev.LocalSubscriptionID = session.Metadata["subscription_id"]
	case "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &invoice); err != nil {
			return nil, WrapError(KindValidation, err, "VerifyWebhook")
		}
		if stripeEvent.Type == "invoice.payment_succeeded" {
			ev.Type = EventPaymentSucceeded
		} else {
			ev.Type = EventPaymentFailed
		}
		if invoice.Subscription != nil {
			ev.ExternalSubscriptionID = invoice.Subscription.ID
		}
		ev.PeriodStart = time.Unix(invoice.PeriodStart, 0)
		ev.PeriodEnd = time.Unix(invoice.PeriodEnd, 0)
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, WrapError(KindValidation, err, "VerifyWebhook")
		}
		if stripeEvent.Type == "customer.subscription.deleted" {
			ev.Type = EventSubscriptionDeleted
		} else {
			ev.Type = EventSubscriptionUpdated
		}
		ev.ExternalSubscriptionID = sub.ID
		ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		ev.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0)
		ev.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
	default:
		// not a subscription lifecycle event, acknowledge and move on
		return nil, nil
	}

	return ev, nil
}
