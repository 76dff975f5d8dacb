package billing

import "fmt"

// Price is one of the two canonical prices offered for purchase
type Price struct {
	ID     string // Corresponds to Stripe's Price ID
	Amount int64  // Canonical amount in minor currency units
}

// PriceTable is the known-good configuration of the two canonical prices.
// It is built once in main from the environment and injected immutable, so
// the integrity check never reads ambient configuration at call sites.
type PriceTable struct {
	Monthly Price
	Yearly  Price
}

// Validate ensures the table is fully populated before it is injected
func (t PriceTable) Validate() error {
	if len(t.Monthly.ID) == 0 || len(t.Yearly.ID) == 0 {
		return fmt.Errorf("PriceTable requires both Monthly and Yearly price IDs")
	}
	if t.Monthly.Amount <= 0 || t.Yearly.Amount <= 0 {
		return fmt.Errorf("PriceTable requires positive canonical amounts")
	}
	return nil
}

// Resolution is the outcome of checking a charged price against the table.
// Amount is always the canonical amount for the resolved interval, never the
// amount actually received; discrepancies are surfaced as flags for the
// caller to route into the anomaly trail.
type Resolution struct {
	Interval Interval
	Amount   int64

	UnknownPrice    bool
	AmountMismatch  bool
	DifferenceCents int64 // received - expected, set when AmountMismatch
}

// Resolve maps a processor price identifier to a subscription interval and
// validates the charged amount. An unrecognized priceID falls back to
// inferring the interval from the checkout mode ("subscription" recurs
// monthly, a one-time "payment" buys a year); that fallback is best-effort,
// not a validated mapping.
func (t PriceTable) Resolve(priceID string, amountCharged int64, mode string) Resolution {
	var res Resolution

	switch priceID {
	case t.Monthly.ID:
		res.Interval = IntervalMonthly
		res.Amount = t.Monthly.Amount
	case t.Yearly.ID:
		res.Interval = IntervalYearly
		res.Amount = t.Yearly.Amount
	default:
		res.UnknownPrice = true
		if mode == "subscription" {
			res.Interval = IntervalMonthly
			res.Amount = t.Monthly.Amount
		} else {
			res.Interval = IntervalYearly
			res.Amount = t.Yearly.Amount
		}
	}

	if amountCharged != res.Amount {
		res.AmountMismatch = true
		res.DifferenceCents = amountCharged - res.Amount
	}

	return res
}
