package user

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/reelclub/reelclub/auth"
	"github.com/reelclub/reelclub/profile"
	resp "github.com/reelclub/reelclub/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth           *auth.Auth
	UserManager    *Manager
	ProfileManager *profile.Manager
	Logger         *zap.Logger
}

// Service is the user API router
type Service struct {
	ServiceOptions
}

// LoginRequest is the model of user request for a login pin
type LoginRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// NewService will create an instance of the user API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
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

func (s *Service) requestLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	logger := s.Logger.With(zap.String("Email", req.Email))

	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A valid email address is required"))
		return
	}

	if err := s.Auth.Request(r.Context(), req.Email, req.Email); err != nil {
		logger.Error("Unable to send login PIN",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to send login email"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := chi.URLParam(r, "uid")
	token := chi.URLParam(r, "token")

	logger := s.Logger.With(zap.String("Email", email))

	valid, err := s.Auth.Verify(ctx, email, token)
	if err != nil {
		logger.Error("Unable to verify login PIN",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrVerifyToken())
		return
	}

	if !valid {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	// "upsert" a user
	u, err := s.UserManager.GetByEmail(ctx, email)
	if err != nil {
		logger.Error("Unable to look up User",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	if u == nil {
		u, err = s.UserManager.NewUser(ctx, email)
		if err != nil {
			logger.Error("Unable to create User",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
	}

	// make sure a profile row exists before the client asks for it
	if _, err := s.ProfileManager.EnsureProfile(ctx, u.ID); err != nil {
		logger.Error("Unable to ensure Profile",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	jwtToken, err := s.Auth.CreateTokenFromClaims(auth.Claims{
		UserID: u.ID,
		Email:  u.Email,
	})
	if err != nil {
		logger.Error("Unable to generate token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		Token string `json:"token"`
	}{
		Token: jwtToken,
	})
}

// Router will return the routes under user API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.requestLogin)
	r.Get("/{uid}/{token}", s.handleLogin)

	return r
}
