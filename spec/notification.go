package spec

import "time"

// WelcomeEmail is the message sent to the worker after a checkout completes.
// Delivery is best-effort: the reconciler queues it after the state write and
// never waits on the outcome.
type WelcomeEmail struct {
	AccountID string    `json:"accountId"`
	Email     string    `json:"email"`
	Interval  string    `json:"interval"`
	PeriodEnd time.Time `json:"periodEnd"`
}
