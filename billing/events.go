package billing

// Lean projections of the Stripe event payloads the reconciler consumes.
// Decoding into local structs keeps the dispatcher independent of the SDK's
// full object graph; EventID is populated from the event envelope.

// CheckoutSession is the payload of checkout.session.completed. PriceID
// arrives via metadata because completed sessions do not carry line items.
type CheckoutSession struct {
	EventID string `json:"-"`

	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   CustomerDetails   `json:"customer_details"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// CustomerDetails carries the purchaser's email as reported by the processor
type CustomerDetails struct {
	Email string `json:"email"`
}

// Email returns the best available purchaser email from the session
func (s *CheckoutSession) Email() string {
	if len(s.CustomerEmail) > 0 {
		return s.CustomerEmail
	}
	return s.CustomerDetails.Email
}

// PriceID returns the price reference recorded at checkout initiation
func (s *CheckoutSession) PriceID() string {
	return s.Metadata["price_id"]
}

// SubscriptionEvent is the payload of customer.subscription.updated/deleted
type SubscriptionEvent struct {
	EventID string `json:"-"`

	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

// InvoiceEvent is the payload of invoice.paid/invoice.payment_failed
type InvoiceEvent struct {
	EventID string `json:"-"`

	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
}
