package billing

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/reelclub/reelclub/auth"
	resp "github.com/reelclub/reelclub/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Provisioner *Provisioner
	Manager     *Manager
	Logger      *zap.Logger
}

// Service is the billing API router: it issues the Stripe-hosted checkout and
// portal sessions for the authenticated caller.
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Provisioner == nil {
		return nil, fmt.Errorf("nil Provisioner is invalid")
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

// CheckoutRequest is the model of a checkout session request
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

func (s *Service) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := ctx.Value(auth.Context).(*auth.Claims)
	if !ok {
		resp.WriteError(w, r, resp.ErrNoBearer())
		return
	}

	logger := s.Logger.With(zap.String("UserID", claims.UserID))

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("priceId is required"))
		return
	}

	customerID, err := s.Provisioner.EnsureCustomer(ctx, claims.UserID, claims.Email)
	if err != nil {
		logger.Error("Unable to provision customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to prepare billing account"))
		return
	}

	url, err := s.Manager.CreateCheckoutSession(ctx, CheckoutOption{
		UserID:     claims.UserID,
		CustomerID: customerID,
		PriceID:    req.PriceID,
	})
	if err != nil {
		logger.Error("Unable to create checkout session",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to start checkout"))
		return
	}

	resp.WriteResponse(w, r, sessionResponse{URL: url})
}

func (s *Service) createPortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := ctx.Value(auth.Context).(*auth.Claims)
	if !ok {
		resp.WriteError(w, r, resp.ErrNoBearer())
		return
	}

	logger := s.Logger.With(zap.String("UserID", claims.UserID))

	customerID, err := s.Provisioner.EnsureCustomer(ctx, claims.UserID, claims.Email)
	if err != nil {
		logger.Error("Unable to provision customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to prepare billing account"))
		return
	}

	// target the newest subscription so the hosted flow defaults to
	// cancellation instead of the generic management screen
	var subscriptionID string
	latest, err := s.Manager.LatestSubscriptionForUser(ctx, claims.UserID)
	if err != nil {
		logger.Error("Unable to look up latest subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if latest != nil {
		subscriptionID = latest.ID
	}

	url, err := s.Manager.CreatePortalSession(ctx, PortalOption{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		logger.Error("Unable to create portal session",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to open billing portal"))
		return
	}

	resp.WriteResponse(w, r, sessionResponse{URL: url})
}

// Router will return the routes under billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/checkout", s.createCheckout)
	r.Post("/portal", s.createPortal)

	return r
}
