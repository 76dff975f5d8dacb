package billing

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store provides the persistence operations used by the Reconciler and the
// billing Service. The gorm-backed Manager is the production implementation;
// tests run against an in-memory fake.
type Store interface {
	// RecordEvent inserts the event id into the idempotency ledger.
	// duplicate is true when a row for eventID already exists.
	RecordEvent(ctx context.Context, eventID, eventType string) (duplicate bool, err error)

	GetByAccountID(ctx context.Context, accountID string) (*Subscription, error)
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// Upsert creates the subscription row, or overwrites the existing row
	// for the same AccountID when a concurrent create won the race.
	Upsert(ctx context.Context, sub *Subscription) error
	Save(ctx context.Context, sub *Subscription) error

	RecordAnomaly(ctx context.Context, anomaly *WebhookAnomaly) error

	// PromotePaid flips the account's rows in the transitional "paid"
	// state to active, returning how many rows were promoted.
	PromotePaid(ctx context.Context, accountID string) (int64, error)

	// Drift-scan queries, used by the background task only
	ListStatusDrift(ctx context.Context) ([]Subscription, error)
	ListOverdue(ctx context.Context, before time.Time) ([]Subscription, error)
}

// Manager handles the database operations relating to Subscriptions and the
// webhook bookkeeping tables
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*Manager)(nil)

// NewManager returns a new Manager for billing state
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Subscription{}, &ProcessedWebhook{}, &WebhookAnomaly{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize billing.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// RecordEvent performs an insert-if-absent against the unique event id.
// A conflict is the defined "duplicate" signal, not an error.
func (m *Manager) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	record := &ProcessedWebhook{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot record processed event")
	}
	return result.RowsAffected == 0, nil
}

// GetByAccountID will try to return the subscription owned by the account
func (m *Manager) GetByAccountID(ctx context.Context, accountID string) (*Subscription, error) {
	var sub Subscription

	result := m.db.WithContext(ctx).First(&sub, "account_id = ?", accountID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by account id")
	}

	return &sub, nil
}

// GetByStripeSubscriptionID will try to return the subscription by the
// processor's subscription id
func (m *Manager) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription

	result := m.db.WithContext(ctx).First(&sub, "stripe_subscription_id = ?", subscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by stripe subscription id")
	}

	return &sub, nil
}

// Upsert mirrors the ledger's conflict handling: a create that loses the
// race against a concurrent create for the same account becomes an update
// of the surviving row.
func (m *Manager) Upsert(ctx context.Context, sub *Subscription) error {
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stripe_customer_id",
			"stripe_subscription_id",
			"stripe_payment_intent_id",
			"stripe_price_id",
			"status",
			"is_active",
			"amount",
			"currency",
			"interval",
			"current_period_start",
			"current_period_end",
			"updated_at",
		}),
	}).Create(sub)
	if result.Error != nil {
		m.logger.Error("Unable to upsert subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}
	return nil
}

// Save overwrites an existing subscription row in place
func (m *Manager) Save(ctx context.Context, sub *Subscription) error {
	result := m.db.WithContext(ctx).Save(sub)
	if result.Error != nil {
		m.logger.Error("Unable to save subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot save subscription")
	}
	return nil
}

// RecordAnomaly appends to the operator audit trail
func (m *Manager) RecordAnomaly(ctx context.Context, anomaly *WebhookAnomaly) error {
	result := m.db.WithContext(ctx).Create(anomaly)
	if result.Error != nil {
		m.logger.Error("Unable to record webhook anomaly",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot record webhook anomaly")
	}
	return nil
}

// PromotePaid promotes the account's transitional rows to active. Status and
// is_active move together in the same write to keep entitlement consistent.
func (m *Manager) PromotePaid(ctx context.Context, accountID string) (int64, error) {
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("account_id = ?", accountID).
		Where("is_active = ?", false).
		Where("status = ?", StatusPaid).
		Updates(map[string]interface{}{
			"status":    StatusActive,
			"is_active": true,
		})
	if result.Error != nil {
		m.logger.Error("Unable to promote paid subscriptions",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot promote paid subscriptions")
	}
	return result.RowsAffected, nil
}

// ListStatusDrift returns rows whose entitlement flag contradicts their status
func (m *Manager) ListStatusDrift(ctx context.Context) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Where("(is_active = ? AND status <> ?) OR (is_active = ? AND status = ?)", true, StatusActive, false, StatusActive).
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// ListOverdue returns past-due rows that have not been touched since before
func (m *Manager) ListOverdue(ctx context.Context, before time.Time) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Where("status = ?", StatusPastDue).
		Where("updated_at < ?", before).
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
