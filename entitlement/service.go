package entitlement

import (
	"fmt"
	"net/http"

	"github.com/inkwellhq/inkwell/auth"
	resp "github.com/inkwellhq/inkwell/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth    *auth.Auth
	Manager *Manager
	Logger  *zap.Logger
}

// Service is the access control API router, queried by content-serving code
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the access control API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) getAccessLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	level, err := s.Manager.AccessLevel(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		Level Level `json:"level"`
	}{
		Level: level,
	})
}

func (s *Service) checkEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	planID := chi.URLParam(r, "planId")

	entitled, err := s.Manager.HasEntitlement(ctx, claims.ID, planID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		PlanID   string `json:"planId"`
		Entitled bool   `json:"entitled"`
	}{
		PlanID:   planID,
		Entitled: entitled,
	})
}

// Router will return the routes under the access control API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())

	r.Get("/", s.getAccessLevel)
	r.Get("/{planId}", s.checkEntitlement)

	return r
}
