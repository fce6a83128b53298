package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/inkwellhq/inkwell/auth"
	resp "github.com/inkwellhq/inkwell/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth       *auth.Auth
	Aggregator *Aggregator
	Logger     *zap.Logger
}

// Service is the creator metrics API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the metrics API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Aggregator == nil {
		return nil, fmt.Errorf("nil Aggregator is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) getRevenue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	mrr, err := s.Aggregator.MonthlyRecurringRevenue(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	arpu, err := s.Aggregator.AverageRevenuePerUser(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		MonthlyRecurringRevenue int64 `json:"monthlyRecurringRevenue"`
		AverageRevenuePerUser   int64 `json:"averageRevenuePerUser"`
	}{
		MonthlyRecurringRevenue: mrr,
		AverageRevenuePerUser:   arpu,
	})
}

func (s *Service) getChurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	windowDays := 30
	if raw := r.URL.Query().Get("windowDays"); len(raw) > 0 {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 365 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("windowDays must be between 1 and 365"))
			return
		}
		windowDays = parsed
	}

	churn, err := s.Aggregator.ChurnRate(ctx, windowDays)
	if err != nil {
		s.Logger.Error("Unable to compute churn rate",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		WindowDays int     `json:"windowDays"`
		ChurnRate  float64 `json:"churnRate"`
	}{
		WindowDays: windowDays,
		ChurnRate:  churn,
	})
}

// Router will return the routes under the metrics API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())

	r.Get("/revenue", s.getRevenue)
	r.Get("/churn", s.getChurn)

	return r
}
