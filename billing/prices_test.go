package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriceTableValidate(t *testing.T) {
	testCases := []struct {
		Name    string
		Table   PriceTable
		Invalid bool
	}{
		{
			Name:  "full table",
			Table: testPrices,
		},
		{
			Name:    "empty table",
			Invalid: true,
		},
		{
			Name: "missing yearly id",
			Table: PriceTable{
				Monthly: Price{ID: "price_monthly", Amount: 2900},
				Yearly:  Price{Amount: 29900},
			},
			Invalid: true,
		},
		{
			Name: "zero amount",
			Table: PriceTable{
				Monthly: Price{ID: "price_monthly"},
				Yearly:  Price{ID: "price_yearly", Amount: 29900},
			},
			Invalid: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			err := testCase.Table.Validate()
			if testCase.Invalid {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPriceTableResolve(t *testing.T) {
	testCases := []struct {
		Name          string
		PriceID       string
		AmountCharged int64
		Mode          string
		Expected      Resolution
	}{
		{
			Name:          "monthly exact",
			PriceID:       "price_monthly",
			AmountCharged: 2900,
			Mode:          "subscription",
			Expected: Resolution{
				Interval: IntervalMonthly,
				Amount:   2900,
			},
		},
		{
			Name:          "yearly exact",
			PriceID:       "price_yearly",
			AmountCharged: 29900,
			Mode:          "payment",
			Expected: Resolution{
				Interval: IntervalYearly,
				Amount:   29900,
			},
		},
		{
			Name:          "yearly id charged the monthly amount",
			PriceID:       "price_yearly",
			AmountCharged: 2900,
			Mode:          "payment",
			Expected: Resolution{
				Interval:        IntervalYearly,
				Amount:          29900,
				AmountMismatch:  true,
				DifferenceCents: -27000,
			},
		},
		{
			Name:          "overcharged monthly",
			PriceID:       "price_monthly",
			AmountCharged: 3000,
			Mode:          "subscription",
			Expected: Resolution{
				Interval:        IntervalMonthly,
				Amount:          2900,
				AmountMismatch:  true,
				DifferenceCents: 100,
			},
		},
		{
			Name:          "unknown price in subscription mode",
			PriceID:       "price_rogue",
			AmountCharged: 2900,
			Mode:          "subscription",
			Expected: Resolution{
				Interval:     IntervalMonthly,
				Amount:       2900,
				UnknownPrice: true,
			},
		},
		{
			Name:          "unknown price in payment mode",
			PriceID:       "price_rogue",
			AmountCharged: 29900,
			Mode:          "payment",
			Expected: Resolution{
				Interval:     IntervalYearly,
				Amount:       29900,
				UnknownPrice: true,
			},
		},
		{
			Name:          "unknown price with mismatched amount",
			PriceID:       "",
			AmountCharged: 1000,
			Mode:          "payment",
			Expected: Resolution{
				Interval:        IntervalYearly,
				Amount:          29900,
				UnknownPrice:    true,
				AmountMismatch:  true,
				DifferenceCents: -28900,
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			res := testPrices.Resolve(testCase.PriceID, testCase.AmountCharged, testCase.Mode)
			assert.Equal(t, testCase.Expected, res)
		})
	}
}
