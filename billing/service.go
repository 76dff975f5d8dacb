package billing

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/postwise/postwise/auth"
	resp "github.com/postwise/postwise/response"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	StripeClient *client.API
	Reconciler   *Reconciler
	Store        Store
	Prices       PriceTable
	Logger       *zap.Logger

	// Frontend URLs the processor redirects back to
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string
}

// Service is the authenticated billing API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.Prices.Validate(); err != nil {
		return nil, err
	}
	if len(option.CheckoutSuccessURL) == 0 || len(option.CheckoutCancelURL) == 0 || len(option.PortalReturnURL) == 0 {
		return nil, fmt.Errorf("empty redirect URLs are invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.Store.GetByAccountID(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to query subscription",
			zap.Error(err),
			zap.String("AccountID", claims.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to query subscription"))
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No subscription found"))
		return
	}

	resp.WriteResponse(w, r, sub)
}

// ReconcileResponse is returned by the post-activation reconcile endpoint
type ReconcileResponse struct {
	Success   bool   `json:"success"`
	Activated int64  `json:"activated"`
	Message   string `json:"message"`
}

func (s *Service) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	promoted, err := s.Reconciler.Reconcile(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to reconcile subscriptions",
			zap.Error(err),
			zap.String("AccountID", claims.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to reconcile subscriptions"))
		return
	}

	message := "No pending subscriptions"
	if promoted > 0 {
		message = "Subscription activated"
	}

	resp.WriteResponse(w, r, ReconcileResponse{
		Success:   true,
		Activated: promoted,
		Message:   message,
	})
}

// CheckoutRequest selects which canonical price to purchase
type CheckoutRequest struct {
	Interval Interval `json:"interval"`
}

// CheckoutResponse carries the hosted checkout URL for the frontend
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// createCheckout starts a hosted checkout session. ClientReferenceID pins
// the purchaser's account id so webhook-time identity resolution never has
// to guess for signed-in buyers.
func (s *Service) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	var price Price
	var mode string
	switch req.Interval {
	case IntervalMonthly:
		price = s.Prices.Monthly
		mode = string(stripe.CheckoutSessionModeSubscription)
	case IntervalYearly:
		price = s.Prices.Yearly
		mode = string(stripe.CheckoutSessionModePayment)
	default:
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Interval must be monthly or yearly"))
		return
	}

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"price_id":   price.ID,
				"account_id": claims.ID,
			},
		},
		Mode:              stripe.String(mode),
		ClientReferenceID: stripe.String(claims.ID),
		CustomerEmail:     stripe.String(claims.Email),
		SuccessURL:        stripe.String(s.CheckoutSuccessURL),
		CancelURL:         stripe.String(s.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(1),
			},
		},
	}

	sess, err := s.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		logger.Error("Unable to create checkout session in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to start checkout"))
		return
	}

	resp.WriteResponse(w, r, CheckoutResponse{
		SessionID: sess.ID,
		URL:       sess.URL,
	})
}

// PortalResponse carries the hosted billing portal URL
type PortalResponse struct {
	URL string `json:"url"`
}

func (s *Service) createPortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	sub, err := s.Store.GetByAccountID(ctx, claims.ID)
	if err != nil {
		logger.Error("Unable to query subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to query subscription"))
		return
	}
	if sub == nil || len(sub.StripeCustomerID) == 0 {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No billing profile found"))
		return
	}

	params := &stripe.BillingPortalSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(s.PortalReturnURL),
	}

	sess, err := s.StripeClient.BillingPortalSessions.New(params)
	if err != nil {
		logger.Error("Unable to create billing portal session in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to open billing portal"))
		return
	}

	resp.WriteResponse(w, r, PortalResponse{
		URL: sess.URL,
	})
}

// Router will return the routes under billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.getSubscription)
	r.Post("/reconcile", s.reconcile)
	r.Post("/checkout", s.createCheckout)
	r.Post("/portal", s.createPortal)

	return r
}
