package billing

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	resp "github.com/postwise/postwise/response"

	"github.com/go-chi/chi"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

const webhookBodyLimit = 1 << 16 // 64KiB, Stripe events are small

// WebhookOptions contains the configuration for the webhook endpoint
type WebhookOptions struct {
	Reconciler *Reconciler
	Logger     *zap.Logger

	// SigningSecret is the shared secret for Stripe-Signature verification.
	// Tolerance bounds how old a signed event may be (replay defense);
	// zero means webhook.DefaultTolerance.
	SigningSecret string
	Tolerance     time.Duration
}

// Webhook is the inbound endpoint for signed processor events. Signature
// verification is the authentication mechanism for this endpoint.
type Webhook struct {
	WebhookOptions
}

// NewWebhook validates the options and returns the webhook endpoint
func NewWebhook(option WebhookOptions) (*Webhook, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.SigningSecret) == 0 {
		return nil, fmt.Errorf("empty SigningSecret is invalid")
	}
	if option.Tolerance == 0 {
		option.Tolerance = webhook.DefaultTolerance
	}
	return &Webhook{
		WebhookOptions: option,
	}, nil
}

// Ack is the acknowledgement the processor receives. Stripe only inspects
// the status code; the body exists for local debugging.
type Ack struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func writeAck(w http.ResponseWriter, ack Ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ack)
}

func (s *Webhook) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read request body"))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if len(sigHeader) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing signature"))
		return
	}

	event, err := webhook.ConstructEventWithTolerance(payload, sigHeader, s.SigningSecret, s.Tolerance)
	if err != nil {
		s.Logger.Warn("Rejected webhook with invalid signature",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid signature"))
		return
	}

	logger := s.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", string(event.Type)),
	)

	// The ledger runs before any business logic. A conflict short-circuits
	// the whole request with success so the processor stops retrying; any
	// other ledger error is logged and processing proceeds, because
	// idempotency tracking must not block revenue-critical state changes.
	duplicate, err := s.Reconciler.Store.RecordEvent(ctx, event.ID, string(event.Type))
	if err != nil {
		logger.Error("Idempotency ledger unavailable, processing anyway",
			zap.Error(err),
		)
	}
	if duplicate {
		logger.Info("Duplicate event delivery acknowledged")
		writeAck(w, Ack{Received: true, Duplicate: true})
		return
	}

	if err := s.dispatch(r, &event); err != nil {
		logger.Error("Webhook processing failed",
			zap.Error(err),
		)
		// 500 signals the processor to redeliver; the ledger has already
		// recorded this event id, so redelivery acknowledges as duplicate
		// once the transient failure clears
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to process event"))
		return
	}

	writeAck(w, Ack{Received: true})
}

// dispatch routes the verified event to its type-specific handler. Unknown
// types are acknowledged without action so the endpoint never fails on an
// event type it does not yet understand.
func (s *Webhook) dispatch(r *http.Request, event *stripe.Event) error {
	ctx := r.Context()

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var sess CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return extErrors.Wrap(err, "Cannot decode checkout session")
		}
		sess.EventID = event.ID
		return s.Reconciler.HandleCheckoutCompleted(ctx, &sess)
	case EventSubscriptionUpdated:
		var ev SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &ev); err != nil {
			return extErrors.Wrap(err, "Cannot decode subscription")
		}
		ev.EventID = event.ID
		return s.Reconciler.HandleSubscriptionUpdated(ctx, &ev)
	case EventSubscriptionDeleted:
		var ev SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &ev); err != nil {
			return extErrors.Wrap(err, "Cannot decode subscription")
		}
		ev.EventID = event.ID
		return s.Reconciler.HandleSubscriptionDeleted(ctx, &ev)
	case EventInvoicePaid:
		var ev InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &ev); err != nil {
			return extErrors.Wrap(err, "Cannot decode invoice")
		}
		ev.EventID = event.ID
		return s.Reconciler.HandleInvoicePaid(ctx, &ev)
	case EventInvoicePaymentFailed:
		var ev InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &ev); err != nil {
			return extErrors.Wrap(err, "Cannot decode invoice")
		}
		ev.EventID = event.ID
		return s.Reconciler.HandleInvoicePaymentFailed(ctx, &ev)
	default:
		s.Logger.Info("Acknowledged unhandled event type",
			zap.String("EventID", event.ID),
			zap.String("EventType", string(event.Type)),
		)
		return nil
	}
}

// Router will return the routes under the webhook endpoint
func (s *Webhook) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.handleWebhook)

	return r
}
