package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/inkwellhq/inkwell/account"
	"github.com/inkwellhq/inkwell/auth"
	"github.com/inkwellhq/inkwell/billing"
	resp "github.com/inkwellhq/inkwell/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth       *auth.Auth
	Accounts   *account.Manager
	Manager    *Manager
	Reconciler *Reconciler
	Gateway    billing.Gateway
	Logger     *zap.Logger

	// CheckoutReturnURL is where the provider sends the subscriber back
	// after a checkout or portal session
	CheckoutReturnURL string
}

// Service is the subscription and plan API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Accounts == nil {
		return nil, fmt.Errorf("nil Accounts is invalid")
	}
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.CheckoutReturnURL) == 0 {
		return nil, fmt.Errorf("empty CheckoutReturnURL is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// SubscribeRequest is the model of a checkout request
type SubscribeRequest struct {
	PlanID     string `json:"planId" validate:"required"`
	TrialDays  int64  `json:"trialDays" validate:"gte=0,lte=90"`
	CouponCode string `json:"couponCode"`
}

func (s *Service) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(
		zap.String("SubscriberID", claims.ID),
		zap.String("PlanID", req.PlanID),
	)

	checkoutURL, sub, err := s.Reconciler.Subscribe(ctx, SubscribeOptions{
		SubscriberID: claims.ID,
		PlanID:       req.PlanID,
		TrialDays:    req.TrialDays,
		CouponCode:   req.CouponCode,
		SuccessURL:   s.CheckoutReturnURL + "?checkout=success",
		CancelURL:    s.CheckoutReturnURL + "?checkout=canceled",
	})
	if err != nil {
		if billing.KindOf(err) == billing.KindUnknown {
			logger.Error("Unable to start checkout",
				zap.Error(err),
			)
		}
		resp.WriteDomainError(w, r, err)
		return
	}

	resp.WriteResponse(w, r, struct {
		CheckoutURL  string        `json:"checkoutUrl"`
		Subscription *Subscription `json:"subscription"`
	}{
		CheckoutURL:  checkoutURL,
		Subscription: sub,
	})
}

func (s *Service) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	subs, err := s.Manager.ListBySubscriber(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, subs)
}

// CancelRequest is the model of a cancellation request
type CancelRequest struct {
	Immediate bool `json:"immediate"`
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	subscriptionID := chi.URLParam(r, "id")

	var req CancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.WriteError(w, r, resp.ErrInvalidJson())
			return
		}
	}

	sub, err := s.Reconciler.Cancel(ctx, CancelOptions{
		SubscriptionID: subscriptionID,
		RequesterID:    claims.ID,
		RequesterAdmin: claims.Admin,
		Immediate:      req.Immediate,
	})
	if err != nil {
		if billing.KindOf(err) == billing.KindUnknown {
			s.Logger.Error("Unable to cancel subscription",
				zap.String("SubscriptionID", subscriptionID),
				zap.Error(err),
			)
		}
		resp.WriteDomainError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	subscriptionID := chi.URLParam(r, "id")

	sub, err := s.Reconciler.Reactivate(ctx, ReactivateOptions{
		SubscriptionID: subscriptionID,
		RequesterID:    claims.ID,
		RequesterAdmin: claims.Admin,
	})
	if err != nil {
		if billing.KindOf(err) == billing.KindUnknown {
			s.Logger.Error("Unable to reactivate subscription",
				zap.String("SubscriptionID", subscriptionID),
				zap.Error(err),
			)
		}
		resp.WriteDomainError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) openPortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	acct, err := s.Accounts.GetByID(ctx, claims.ID)
	if err != nil || acct == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	customerRef, err := s.Accounts.EnsureCustomerRef(ctx, acct)
	if err != nil {
		resp.WriteDomainError(w, r, err)
		return
	}
	portalURL, err := s.Gateway.OpenBillingPortal(ctx, customerRef, s.CheckoutReturnURL)
	if err != nil {
		resp.WriteDomainError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, struct {
		PortalURL string `json:"portalUrl"`
	}{
		PortalURL: portalURL,
	})
}

// PlanRequest is the model of a plan creation request
type PlanRequest struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Price       int64    `json:"price" validate:"required,gt=0"`
	Currency    string   `json:"currency" validate:"required,len=3"`
	Interval    string   `json:"interval" validate:"required,oneof=month year"`
	Features    []string `json:"features"`
}

func (s *Service) createPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("CreatorID", claims.ID))

	plan := &Plan{
		ID:          uuid.New().String(),
		CreatorID:   claims.ID,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Currency:    req.Currency,
		Interval:    req.Interval,
		Features:    req.Features,
		IsActive:    true,
	}
	if err := s.Manager.CreatePlan(ctx, plan); err != nil {
		resp.WriteDomainError(w, r, err)
		return
	}

	// the Plan is not purchasable until the provider side price exists
	externalPriceID, err := s.Gateway.RegisterPlanPrice(ctx, billing.PlanPricing{
		Name:        plan.Name,
		Description: plan.Description,
		Currency:    plan.Currency,
		Price:       plan.Price,
		Interval:    plan.Interval,
	})
	if err != nil {
		logger.Error("Unable to register plan price with the provider",
			zap.String("PlanID", plan.ID),
			zap.Error(err),
		)
		resp.WriteDomainError(w, r, err)
		return
	}
	if err := s.Manager.SetPlanExternalPriceID(ctx, plan.ID, externalPriceID); err != nil {
		resp.WriteDomainError(w, r, err)
		return
	}
	plan.ExternalPriceID = externalPriceID

	resp.WriteResponse(w, r, plan)
}

func (s *Service) listPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	plans, err := s.Manager.ListPlansByCreator(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, plans)
}

func (s *Service) deactivatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	planID := chi.URLParam(r, "id")

	plan, err := s.Manager.GetPlanByID(ctx, planID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if plan == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	if plan.CreatorID != claims.ID && !claims.Admin {
		resp.WriteError(w, r, resp.ErrForbidden())
		return
	}

	if err := s.Manager.DeactivatePlan(ctx, planID); err != nil {
		resp.WriteDomainError(w, r, err)
		return
	}
	plan.IsActive = false
	resp.WriteResponse(w, r, plan)
}

func (s *Service) deletePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	planID := chi.URLParam(r, "id")

	plan, err := s.Manager.GetPlanByID(ctx, planID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if plan == nil {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	if plan.CreatorID != claims.ID && !claims.Admin {
		resp.WriteError(w, r, resp.ErrForbidden())
		return
	}

	if err := s.Manager.DeletePlan(ctx, planID); err != nil {
		resp.WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Router will return the routes under subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())

	r.Post("/", s.subscribe)
	r.Get("/", s.listMine)
	r.Post("/portal", s.openPortal)
	r.Post("/{id}/cancel", s.cancel)
	r.Post("/{id}/reactivate", s.reactivate)

	return r
}

// PlanRouter will return the routes under the plan catalogue API
func (s *Service) PlanRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())

	r.Post("/", s.createPlan)
	r.Get("/", s.listPlans)
	r.Post("/{id}/deactivate", s.deactivatePlan)
	r.Delete("/{id}", s.deletePlan)

	return r
}
