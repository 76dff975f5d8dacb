package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/postwise/postwise/spec"
	"github.com/postwise/postwise/spec/broker"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Period bounds written at checkout time. These are this system's own
// approximation; the first customer.subscription.updated event overwrites
// them with the processor's authoritative bounds.
const (
	monthlyPeriod = 30 * 24 * time.Hour
	yearlyPeriod  = 365 * 24 * time.Hour
)

// ReconcilerOptions contains the configuration for the Reconciler
type ReconcilerOptions struct {
	Store     Store
	Accounts  AccountDirectory
	Customers CustomerRetriever
	Producer  broker.Producer
	Prices    PriceTable
	Logger    *zap.Logger
}

// Reconciler applies billing events to the internal subscription state.
// Each handler is invoked once per accepted event; redelivery after a
// handler error is expected and safe because the idempotency ledger gates
// the whole pipeline.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler validates the options and returns a Reconciler
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Accounts == nil {
		return nil, fmt.Errorf("nil Accounts is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.Prices.Validate(); err != nil {
		return nil, extErrors.Wrap(err, "Invalid price table")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// HandleCheckoutCompleted creates (or overwrites) the purchaser's
// subscription. The stored amount is always the canonical price for the
// resolved interval; discrepancies go to the anomaly trail instead.
func (rec *Reconciler) HandleCheckoutCompleted(ctx context.Context, sess *CheckoutSession) error {
	logger := rec.Logger.With(
		zap.String("EventID", sess.EventID),
		zap.String("SessionID", sess.ID),
	)

	accountID, err := rec.resolveAccount(ctx, sess)
	if err != nil {
		if err == ErrIdentityUnresolved {
			// acknowledged but dropped: the processor will not redeliver,
			// operators reconcile manually from this log line
			logger.Error("Checkout completed without a resolvable account",
				zap.String("StripeCustomerID", sess.Customer),
			)
			return nil
		}
		return extErrors.Wrap(err, "Cannot resolve account for checkout")
	}

	logger = logger.With(zap.String("AccountID", accountID))

	res := rec.Prices.Resolve(sess.PriceID(), sess.AmountTotal, sess.Mode)
	rec.recordResolutionAnomalies(ctx, logger, sess, res)

	existing, err := rec.Store.GetByAccountID(ctx, accountID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot query existing subscription")
	}

	now := time.Now()
	periodEnd := now.Add(monthlyPeriod)
	if res.Interval == IntervalYearly {
		periodEnd = now.Add(yearlyPeriod)
	}

	sub := &Subscription{
		ID:                    uuid.New().String(),
		AccountID:             accountID,
		StripeCustomerID:      sess.Customer,
		StripeSubscriptionID:  sess.Subscription,
		StripePaymentIntentID: sess.PaymentIntent,
		StripePriceID:         sess.PriceID(),
		Status:                StatusActive,
		IsActive:              true,
		Amount:                res.Amount,
		Currency:              sess.Currency,
		Interval:              res.Interval,
		CurrentPeriodStart:    now,
		CurrentPeriodEnd:      periodEnd,
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}

	if err := rec.Store.Upsert(ctx, sub); err != nil {
		return extErrors.Wrap(err, "Cannot persist subscription from checkout")
	}

	logger.Info("Subscription activated from checkout",
		zap.String("Interval", string(res.Interval)),
		zap.Int64("Amount", res.Amount),
	)

	go func() {
		n := &spec.WelcomeEmail{
			AccountID: accountID,
			Email:     sess.Email(),
			Interval:  string(res.Interval),
			PeriodEnd: periodEnd,
		}
		if err := rec.Producer.SendWelcomeEmail(n); err != nil {
			logger.Error("Unable to queue welcome email",
				zap.Error(err),
			)
			// fail through: entitlement state is already consistent
		}
	}()

	return nil
}

// HandleSubscriptionUpdated overwrites status and period bounds with the
// processor-reported values. An update for a subscription this system never
// recorded is non-fatal drift, not an error.
func (rec *Reconciler) HandleSubscriptionUpdated(ctx context.Context, ev *SubscriptionEvent) error {
	logger := rec.Logger.With(
		zap.String("EventID", ev.EventID),
		zap.String("StripeSubscriptionID", ev.ID),
	)

	sub, err := rec.Store.GetByStripeSubscriptionID(ctx, ev.ID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot query subscription for update")
	}
	if sub == nil {
		logger.Warn("Subscription update refers to an unknown subscription")
		return nil
	}

	sub.Status = Status(ev.Status)
	sub.IsActive = ev.Status == string(StatusActive)
	if ev.CurrentPeriodStart > 0 {
		sub.CurrentPeriodStart = time.Unix(ev.CurrentPeriodStart, 0)
	}
	if ev.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(ev.CurrentPeriodEnd, 0)
	}

	if err := rec.Store.Save(ctx, sub); err != nil {
		return extErrors.Wrap(err, "Cannot persist subscription update")
	}

	logger.Info("Subscription synchronized from processor",
		zap.String("Status", ev.Status),
	)
	return nil
}

// HandleSubscriptionDeleted marks the subscription canceled. Cancellation is
// a status transition, never a row removal.
func (rec *Reconciler) HandleSubscriptionDeleted(ctx context.Context, ev *SubscriptionEvent) error {
	logger := rec.Logger.With(
		zap.String("EventID", ev.EventID),
		zap.String("StripeSubscriptionID", ev.ID),
	)

	sub, err := rec.Store.GetByStripeSubscriptionID(ctx, ev.ID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot query subscription for deletion")
	}
	if sub == nil {
		logger.Warn("Subscription deletion refers to an unknown subscription")
		return nil
	}

	sub.Status = StatusCanceled
	sub.IsActive = false

	if err := rec.Store.Save(ctx, sub); err != nil {
		return extErrors.Wrap(err, "Cannot persist subscription cancellation")
	}

	logger.Info("Subscription canceled")
	return nil
}

// HandleInvoicePaid is the renewal-confirmation path: it re-asserts active,
// idempotent with checkout completion and subscription updates.
func (rec *Reconciler) HandleInvoicePaid(ctx context.Context, ev *InvoiceEvent) error {
	logger := rec.Logger.With(
		zap.String("EventID", ev.EventID),
		zap.String("InvoiceID", ev.ID),
	)

	if len(ev.Subscription) == 0 {
		// one-off invoices carry no subscription to renew
		logger.Info("Invoice paid without an associated subscription")
		return nil
	}

	sub, err := rec.Store.GetByStripeSubscriptionID(ctx, ev.Subscription)
	if err != nil {
		return extErrors.Wrap(err, "Cannot query subscription for paid invoice")
	}
	if sub == nil {
		logger.Warn("Paid invoice refers to an unknown subscription",
			zap.String("StripeSubscriptionID", ev.Subscription),
		)
		return nil
	}

	sub.Status = StatusActive
	sub.IsActive = true

	if err := rec.Store.Save(ctx, sub); err != nil {
		return extErrors.Wrap(err, "Cannot persist renewal")
	}

	logger.Info("Subscription renewed",
		zap.String("AccountID", sub.AccountID),
	)
	return nil
}

// HandleInvoicePaymentFailed only logs. A single failed payment does not
// revoke access; only an explicit subsequent deletion/status event does.
func (rec *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, ev *InvoiceEvent) error {
	rec.Logger.Warn("Invoice payment failed",
		zap.String("EventID", ev.EventID),
		zap.String("InvoiceID", ev.ID),
		zap.String("StripeCustomerID", ev.Customer),
		zap.String("StripeSubscriptionID", ev.Subscription),
		zap.Int64("AmountDue", ev.AmountDue),
	)
	return nil
}

// Reconcile is the pull-based complement for subscription activations that
// raced ahead of account creation, invoked by the client after login
func (rec *Reconciler) Reconcile(ctx context.Context, accountID string) (int64, error) {
	promoted, err := rec.Store.PromotePaid(ctx, accountID)
	if err != nil {
		return 0, extErrors.Wrap(err, "Cannot reconcile subscriptions")
	}
	if promoted > 0 {
		rec.Logger.Info("Promoted pending subscriptions",
			zap.String("AccountID", accountID),
			zap.Int64("Promoted", promoted),
		)
	}
	return promoted, nil
}

// recordResolutionAnomalies routes price-integrity findings to the operator
// audit trail. Failures here never block the state update.
func (rec *Reconciler) recordResolutionAnomalies(ctx context.Context, logger *zap.Logger, sess *CheckoutSession, res Resolution) {
	if res.UnknownPrice {
		anomaly := &WebhookAnomaly{
			ID:            uuid.New().String(),
			EventID:       sess.EventID,
			Type:          AnomalyUnknownPriceID,
			ExpectedValue: fmt.Sprintf("%s|%s", rec.Prices.Monthly.ID, rec.Prices.Yearly.ID),
			ReceivedValue: sess.PriceID(),
			Details: Details{
				"mode":              sess.Mode,
				"inferred_interval": string(res.Interval),
			},
		}
		if err := rec.Store.RecordAnomaly(ctx, anomaly); err != nil {
			logger.Error("Unable to record unknown price anomaly",
				zap.Error(err),
			)
		}
	}
	if res.AmountMismatch {
		anomaly := &WebhookAnomaly{
			ID:            uuid.New().String(),
			EventID:       sess.EventID,
			Type:          AnomalyPriceMismatch,
			ExpectedValue: fmt.Sprintf("%d", res.Amount),
			ReceivedValue: fmt.Sprintf("%d", sess.AmountTotal),
			Details: Details{
				"difference_cents": res.DifferenceCents,
				"currency":         sess.Currency,
				"price_id":         sess.PriceID(),
			},
		}
		if err := rec.Store.RecordAnomaly(ctx, anomaly); err != nil {
			logger.Error("Unable to record price mismatch anomaly",
				zap.Error(err),
			)
		}
	}
}
