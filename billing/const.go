package billing

// Status is the custom type to define the current state of a subscription
type Status string

// Defining different Statuses for a Subscription. StatusPaid is a
// transitional state for checkouts that could not yet be associated with a
// signed-in account; the reconcile endpoint promotes those rows.
const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
	StatusTrial    Status = "trial"
	StatusPaid     Status = "paid"
)

// Interval is the custom type for the billing frequency of a subscription
type Interval string

// Defining billing intervals
const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// AnomalyType identifies the kind of a recorded WebhookAnomaly
type AnomalyType string

// Defining anomaly kinds
const (
	AnomalyUnknownPriceID AnomalyType = "unknown_price_id"
	AnomalyPriceMismatch  AnomalyType = "price_mismatch"
)

// Stripe event types the dispatcher understands. Anything else is
// acknowledged and ignored.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)
