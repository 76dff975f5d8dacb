package task

import (
	"context"
	"fmt"
	"time"

	"github.com/postwise/postwise/billing"

	"go.uber.org/zap"
)

const (
	defaultScanInterval = 6 * time.Hour
	overdueWindow       = 48 * time.Hour
)

// BillingOptions contains the configuration for the billing drift scan
type BillingOptions struct {
	Store        billing.Store
	Logger       *zap.Logger
	ScanInterval time.Duration
}

// BillingTask periodically scans subscription rows and logs warnings for
// drift between entitlement and status, and for past-due rows the webhook
// stream has stopped touching. Log-only: mutation stays with the webhook
// and reconcile paths.
type BillingTask struct {
	BillingOptions
}

// NewBillingTask validates the options and returns a BillingTask
func NewBillingTask(option BillingOptions) (*BillingTask, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.ScanInterval == 0 {
		option.ScanInterval = defaultScanInterval
	}
	return &BillingTask{
		BillingOptions: option,
	}, nil
}

// Run starts the scan loop. It blocks until ctx is cancelled.
func (t *BillingTask) Run(ctx context.Context) {
	t.Logger.Info("Billing drift scan started")

	ticker := time.NewTicker(t.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Logger.Info("Billing drift scan stopped")
			return
		case <-ticker.C:
			t.scan(ctx)
		}
	}
}

func (t *BillingTask) scan(ctx context.Context) {
	drifted, err := t.Store.ListStatusDrift(ctx)
	if err != nil {
		t.Logger.Error("Unable to scan for status drift",
			zap.Error(err),
		)
	}
	for _, sub := range drifted {
		t.Logger.Warn("DRIFT: entitlement contradicts status",
			zap.String("AccountID", sub.AccountID),
			zap.String("Status", string(sub.Status)),
			zap.Bool("IsActive", sub.IsActive),
		)
	}

	overdue, err := t.Store.ListOverdue(ctx, time.Now().Add(-overdueWindow))
	if err != nil {
		t.Logger.Error("Unable to scan for stale past-due rows",
			zap.Error(err),
		)
	}
	for _, sub := range overdue {
		t.Logger.Warn("Past-due subscription untouched beyond window; verify webhook delivery is healthy",
			zap.String("AccountID", sub.AccountID),
			zap.String("StripeSubscriptionID", sub.StripeSubscriptionID),
			zap.Time("UpdatedAt", sub.UpdatedAt),
		)
	}
}
