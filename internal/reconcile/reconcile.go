// Package reconcile computes the expected drawer amount and the closing
// variance of a cash session.
package reconcile

import (
	"github.com/shopspring/decimal"

	"cajaflow/backend/internal/domain"
)

type Input struct {
	Opening            decimal.Decimal
	RecordedSalesTotal decimal.Decimal
	TotalIn            decimal.Decimal
	TotalOut           decimal.Decimal
}

type Result struct {
	Expected decimal.Decimal
	Counted  decimal.Decimal
	Variance decimal.Decimal
}

// Expected is opening + recorded sales + cash in - cash out.
func Expected(in Input) decimal.Decimal {
	return in.Opening.Add(in.RecordedSalesTotal).Add(in.TotalIn).Sub(in.TotalOut)
}

// Close compares the counted amount against the expected amount. A positive
// variance means the drawer holds more than expected.
func Close(in Input, counted decimal.Decimal) Result {
	expected := Expected(in)
	return Result{
		Expected: expected,
		Counted:  counted,
		Variance: counted.Sub(expected),
	}
}

func MovementTotals(movements []domain.CashMovement) (totalIn decimal.Decimal, totalOut decimal.Decimal) {
	totalIn, totalOut = decimal.Zero, decimal.Zero
	for _, m := range movements {
		switch m.Direction {
		case domain.MovementIn:
			totalIn = totalIn.Add(m.Amount)
		case domain.MovementOut:
			totalOut = totalOut.Add(m.Amount)
		}
	}
	return totalIn, totalOut
}

// ForSession builds the calculator input from a session and its movements.
func ForSession(session domain.CashSession, movements []domain.CashMovement) Input {
	totalIn, totalOut := MovementTotals(movements)
	return Input{
		Opening:            session.OpeningAmount,
		RecordedSalesTotal: session.RecordedSalesTotal,
		TotalIn:            totalIn,
		TotalOut:           totalOut,
	}
}

func Summarize(session domain.CashSession, movements []domain.CashMovement) domain.SessionSummary {
	in := ForSession(session, movements)
	summary := domain.SessionSummary{
		SessionID:          session.ID,
		RegisterID:         session.RegisterID,
		Status:             session.Status,
		Opening:            in.Opening,
		RecordedSalesTotal: in.RecordedSalesTotal,
		TotalIn:            in.TotalIn,
		TotalOut:           in.TotalOut,
		Expected:           Expected(in),
		Counted:            session.ClosingAmount,
		Variance:           session.Variance,
		Movements:          movements,
	}
	if summary.Movements == nil {
		summary.Movements = []domain.CashMovement{}
	}
	return summary
}
