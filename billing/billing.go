package billing

import "time"

// Subscription represents the billing state of exactly one Account.
// At most one row exists per AccountID; the uniqueIndex turns the
// query-then-write race on creation into a detectable conflict.
type Subscription struct {
	ID                    string    `json:"id" gorm:"primaryKey"`
	AccountID             string    `json:"accountId" gorm:"uniqueIndex"`
	StripeCustomerID      string    `json:"stripeCustomerId" gorm:"index"`
	StripeSubscriptionID  string    `json:"stripeSubscriptionId" gorm:"index"`
	StripePaymentIntentID string    `json:"stripePaymentIntentId"`
	StripePriceID         string    `json:"stripePriceId"`
	Status                Status    `json:"status"`
	IsActive              bool      `json:"isActive"` // single source of truth for entitlement
	Amount                int64     `json:"amount"`   // minor currency units, always the canonical price
	Currency              string    `json:"currency"`
	Interval              Interval  `json:"interval"`
	CurrentPeriodStart    time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd      time.Time `json:"currentPeriodEnd"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Entitled reports whether the subscription currently grants access
func (s *Subscription) Entitled() bool {
	return s != nil && s.IsActive
}

// ProcessedWebhook records every accepted external event exactly once.
// Existence of a row for a given EventID is the sole idempotency signal;
// rows are never updated or deleted.
type ProcessedWebhook struct {
	EventID     string    `json:"eventId" gorm:"primaryKey"`
	EventType   string    `json:"eventType"`
	ProcessedAt time.Time `json:"processedAt"`
}

// WebhookAnomaly is an append-only diagnostic record of a non-blocking
// inconsistency between expected and received billing data. It is written
// for operators and never read back by the reconciliation logic.
type WebhookAnomaly struct {
	ID            string      `json:"id" gorm:"primaryKey"`
	EventID       string      `json:"eventId" gorm:"index"`
	Type          AnomalyType `json:"type"`
	ExpectedValue string      `json:"expectedValue"`
	ReceivedValue string      `json:"receivedValue"`
	Details       Details     `json:"details"`
	CreatedAt     time.Time   `json:"createdAt"`
}
