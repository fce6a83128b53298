package webhook

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/inkwellhq/inkwell/billing"
	"github.com/inkwellhq/inkwell/subscription"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// the provider signs the raw body; anything larger than this is not a
// legitimate event envelope
const maxBodyBytes = int64(65536)

// SignatureHeader carries the provider's signature over the raw body
const SignatureHeader = "Stripe-Signature"

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Gateway    billing.Gateway
	Ledger     *Ledger
	Reconciler *subscription.Reconciler
	Logger     *zap.Logger
}

// Service is the inbound billing webhook router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the webhook router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// handleWebhook absorbs one provider delivery. The acknowledgement contract:
// 200 for applied AND correctly-ignored outcomes (so the provider stops
// retrying stale or duplicate events), 400 only for bad signatures, non-2xx
// only for genuine processing failures (so the provider retries those).
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	ev, err := s.Gateway.VerifyWebhook(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		// no ledger write on a bad signature
		s.Logger.Warn("Rejecting webhook delivery",
			zap.Error(err),
		)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	if ev == nil {
		// not a subscription lifecycle event
		w.WriteHeader(http.StatusOK)
		return
	}

	logger := s.Logger.With(
		zap.String("ExternalEventID", ev.ExternalEventID),
		zap.String("EventType", string(ev.Type)),
	)

	isNew, err := s.Ledger.RecordIfNew(ctx, &Event{
		ExternalEventID:        ev.ExternalEventID,
		EventType:              string(ev.Type),
		SubscriptionExternalID: ev.ExternalSubscriptionID,
		OccurredAt:             ev.OccurredAt,
	})
	if err != nil {
		http.Error(w, "cannot record event", http.StatusInternalServerError)
		return
	}
	if !isNew {
		prior, err := s.Ledger.Get(ctx, ev.ExternalEventID)
		if err != nil {
			http.Error(w, "cannot record event", http.StatusInternalServerError)
			return
		}
		if prior != nil && prior.ProcessingOutcome != "" && prior.ProcessingOutcome != subscription.OutcomeFailed {
			// already processed, the first delivery owns the side effects
			w.WriteHeader(http.StatusOK)
			return
		}
		// the earlier attempt failed or never finalized; this redelivery
		// retries the transition. The store's conditional write keeps a
		// concurrent in-flight attempt safe.
	}

	outcome, err := s.Reconciler.Apply(ctx, ev)
	if err != nil {
		logger.Error("Webhook processing failed",
			zap.Error(err),
		)
		s.finalize(ctx, ev.ExternalEventID, subscription.OutcomeFailed)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	s.finalize(ctx, ev.ExternalEventID, outcome)
	w.WriteHeader(http.StatusOK)
}

// finalize is best effort, see Ledger.Finalize
func (s *Service) finalize(ctx context.Context, externalEventID string, outcome subscription.Outcome) {
	if err := s.Ledger.Finalize(ctx, externalEventID, outcome); err != nil {
		s.Logger.Warn("Unable to finalize ledger outcome",
			zap.String("ExternalEventID", externalEventID),
			zap.Error(err),
		)
	}
}

// Router will return the routes under the billing webhook
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhook", s.handleWebhook)

	return r
}
