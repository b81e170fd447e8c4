// Package pricing holds the monetary arithmetic shared by sales, quotes and
// credit notes. All functions are pure.
package pricing

import (
	"github.com/shopspring/decimal"
)

const moneyPlaces = 2

var (
	ten  = decimal.NewFromInt(10)
	half = decimal.RequireFromString("0.5")
)

type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
}

type Totals struct {
	Subtotal decimal.Decimal
	TaxRate  decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Money normalizes an amount to two decimal places, half away from zero.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

func LineSubtotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return Money(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

// Compute returns subtotal, tax and total for the given lines. Tax is only
// applied when taxIncluded is set; the rate is recorded as zero otherwise.
func Compute(lines []Line, taxIncluded bool, rate decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(LineSubtotal(line.Quantity, line.UnitPrice))
	}

	totals := Totals{Subtotal: subtotal, TaxRate: decimal.Zero, Tax: decimal.Zero}
	if taxIncluded && rate.IsPositive() {
		totals.TaxRate = rate
		totals.Tax = Money(subtotal.Mul(rate))
	}
	totals.Total = totals.Subtotal.Add(totals.Tax)
	return totals
}

// RoundChange rounds cash change to the nearest 0.10, halves going up.
// The difference from the exact change is not recorded anywhere.
func RoundChange(raw decimal.Decimal) decimal.Decimal {
	return raw.Mul(ten).Add(half).Floor().Div(ten).Round(moneyPlaces)
}

// Sum adds the amounts in order.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total
}
