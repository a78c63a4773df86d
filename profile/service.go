package profile

import (
	"fmt"
	"net/http"

	"github.com/reelclub/reelclub/auth"
	resp "github.com/reelclub/reelclub/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	ProfileManager *Manager
	Logger         *zap.Logger
}

// Service is the profile API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the profile API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.ProfileManager == nil {
		return nil, fmt.Errorf("nil ProfileManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) getMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	prof, err := s.ProfileManager.EnsureProfile(ctx, claims.UserID)
	if err != nil {
		s.Logger.Error("Unable to load profile",
			zap.String("UserID", claims.UserID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot load your profile"))
		return
	}

	resp.WriteResponse(w, r, prof)
}

// Router will return the routes under profile API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/me", s.getMe)

	return r
}
