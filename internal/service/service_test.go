package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"cajaflow/backend/internal/config"
	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/lock"
	"cajaflow/backend/internal/store"
	"cajaflow/backend/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(memory.NewSeeded(), lock.NewLocalLocker(5*time.Second), config.DefaultSales(), zaptest.NewLogger(t))
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "ana", Role: "cashier"})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func noTax() *bool {
	off := false
	return &off
}

func openSession(t *testing.T, svc *Service, registerID string, opening string) domain.CashSession {
	t.Helper()
	resp, err := svc.OpenSession(cashierCtx(), domain.SessionOpenRequest{RegisterID: registerID, OpeningAmount: dec(opening)})
	require.NoError(t, err)
	return resp.Session
}

func receiptRequest(sessionID string, items ...domain.SaleItemInput) domain.SaleCreateRequest {
	return domain.SaleCreateRequest{
		SessionID:    sessionID,
		WarehouseID:  "WH-1",
		DocumentType: domain.DocumentReceipt,
		Items:        items,
		TaxIncluded:  noTax(),
	}
}

func item(productID string, qty int, price string) domain.SaleItemInput {
	return domain.SaleItemInput{ProductID: productID, ProductName: "Producto " + productID, Quantity: qty, UnitPrice: dec(price)}
}

func completedSale(t *testing.T, svc *Service, sessionID string, items ...domain.SaleItemInput) domain.Sale {
	t.Helper()
	ctx := cashierCtx()
	created, err := svc.CreateSale(ctx, receiptRequest(sessionID, items...))
	require.NoError(t, err)
	confirmed, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: created.Sale.Total})
	require.NoError(t, err)
	return confirmed.Sale
}

func TestSessionLifecycleBalancesToZeroVariance(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "100.00")
	assert.Equal(t, "ana", session.OpenedBy)
	assert.True(t, session.RecordedSalesTotal.IsZero())

	created, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "50.00")))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPending, created.Sale.Status)
	assert.Equal(t, "50", created.Sale.Total.String())

	confirmed, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("50.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, confirmed.Sale.Status)
	assert.True(t, confirmed.Sale.ChangeAmount.IsZero())

	closed, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: dec("150.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, closed.Session.Status)
	require.NotNil(t, closed.Session.Variance)
	assert.True(t, closed.Session.Variance.IsZero(), "variance %s", closed.Session.Variance)
	assert.Equal(t, "150", closed.Session.ExpectedAmount.String())
}

func TestConfirmPaymentRoundsChangeToTenCents(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	created, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "45.35")))
	require.NoError(t, err)

	confirmed, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("50.00")})
	require.NoError(t, err)
	assert.Equal(t, "4.7", confirmed.Sale.ChangeAmount.String())
	assert.Equal(t, "50", confirmed.Sale.ReceivedAmount.String())
	require.Len(t, confirmed.Sale.Payments, 1)
	assert.Equal(t, domain.PaymentCash, confirmed.Sale.Payments[0].Method)

	// The rounding delta is not compensated and shows up as variance.
	closed, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: dec("45.30")})
	require.NoError(t, err)
	assert.Equal(t, "-0.05", closed.Session.Variance.String())
}

func TestCreditNoteRespectsReturnCeiling(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	sale := completedSale(t, svc, session.ID, item("X", 3, "10.00"))
	itemID := sale.Items[0].ID

	note, err := svc.IssueCreditNote(ctx, sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNotePartialReturn,
		Items:        []domain.CreditNoteItemInput{{SaleItemID: itemID, Quantity: 2}},
		RefundMethod: domain.RefundVoucher,
	})
	require.NoError(t, err)
	assert.Equal(t, "20", note.CreditNote.Total.String())
	assert.Equal(t, "NC01-000001", note.CreditNote.Code)
	assert.Equal(t, domain.CreditNoteStatusPending, note.CreditNote.Status)

	got, err := svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "30", got.Sale.Total.String())
	assert.Equal(t, "20", got.CreditedTotal.String())
	assert.Equal(t, "10", got.EffectiveTotal.String())
	assert.Equal(t, domain.SaleStatusCompleted, got.Sale.Status)

	_, err = svc.IssueCreditNote(ctx, sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNotePartialReturn,
		Items:        []domain.CreditNoteItemInput{{SaleItemID: itemID, Quantity: 2}},
		RefundMethod: domain.RefundVoucher,
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestConvertQuoteOnlyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 2, "25.00")},
		ValidityDays: 15,
		TaxIncluded:  noTax(),
	})
	require.NoError(t, err)
	assert.Equal(t, "COT-000001", quote.Quote.Code)

	convert := domain.QuoteConvertRequest{SessionID: session.ID, PaymentMethod: domain.PaymentCash, DocumentType: domain.DocumentReceipt}
	converted, err := svc.ConvertQuoteToSale(ctx, quote.Quote.ID, convert)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusConverted, converted.Quote.Status)
	assert.Equal(t, []string{converted.Sale.ID}, converted.Quote.SaleIDs)
	assert.Equal(t, domain.SaleStatusPending, converted.Sale.Status)
	assert.Equal(t, quote.Quote.ID, converted.Sale.QuoteID)
	assert.Equal(t, "50", converted.Sale.Total.String())

	_, err = svc.ConvertQuoteToSale(ctx, quote.Quote.ID, convert)
	require.ErrorIs(t, err, store.ErrConflict)

	after, err := svc.GetQuote(ctx, quote.Quote.ID)
	require.NoError(t, err)
	assert.Len(t, after.Quote.SaleIDs, 1)
	assert.Equal(t, 2, after.Quote.ConversionAttempts)

	sales, err := svc.ListSales(ctx, domain.SaleFilter{SessionID: session.ID})
	require.NoError(t, err)
	assert.Len(t, sales.Sales, 1)
}

func TestCloseSessionTwiceConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "80.00")

	first, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: dec("79.50"), Note: "faltan monedas"})
	require.NoError(t, err)
	assert.Equal(t, "-0.5", first.Session.Variance.String())

	_, err = svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: dec("80.00")})
	require.ErrorIs(t, err, store.ErrConflict)

	summary, err := svc.GetSessionSummary(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, summary.Counted)
	assert.Equal(t, "79.5", summary.Counted.String())
	assert.Equal(t, "-0.5", summary.Variance.String())
}

func TestSessionSummaryIncludesMovements(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "100.00")
	completedSale(t, svc, session.ID, item("P1", 1, "50.00"))

	_, err := svc.PostMovement(ctx, session.ID, domain.MovementCreateRequest{Direction: domain.MovementOut, Amount: dec("30.00"), Reason: "proveedor"})
	require.NoError(t, err)
	_, err = svc.PostMovement(ctx, session.ID, domain.MovementCreateRequest{Direction: domain.MovementIn, Amount: dec("10.00"), Reason: "sencillo"})
	require.NoError(t, err)

	summary, err := svc.GetSessionSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "130", summary.Expected.String())
	assert.Equal(t, "50", summary.RecordedSalesTotal.String())
	assert.Equal(t, "10", summary.TotalIn.String())
	assert.Equal(t, "30", summary.TotalOut.String())
	assert.Len(t, summary.Movements, 2)
}

func TestDeleteMovementRecomputesSummary(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "100.00")

	movement, err := svc.PostMovement(ctx, session.ID, domain.MovementCreateRequest{Direction: domain.MovementOut, Amount: dec("30.00"), Reason: "proveedor"})
	require.NoError(t, err)

	resp, err := svc.DeleteMovement(ctx, movement.ID)
	require.NoError(t, err)
	assert.Equal(t, movement.ID, resp.Deleted.ID)
	assert.Equal(t, "100", resp.Summary.Expected.String())
	assert.Empty(t, resp.Summary.Movements)

	kept, err := svc.PostMovement(ctx, session.ID, domain.MovementCreateRequest{Direction: domain.MovementIn, Amount: dec("5.00"), Reason: "sencillo"})
	require.NoError(t, err)
	_, err = svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: dec("105.00")})
	require.NoError(t, err)

	_, err = svc.DeleteMovement(ctx, kept.ID)
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = svc.PostMovement(ctx, session.ID, domain.MovementCreateRequest{Direction: domain.MovementIn, Amount: dec("1.00"), Reason: "tarde"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestPostMovementValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	cases := map[string]domain.MovementCreateRequest{
		"zero amount":    {Direction: domain.MovementIn, Amount: decimal.Zero, Reason: "x"},
		"negative":       {Direction: domain.MovementOut, Amount: dec("-1"), Reason: "x"},
		"bad direction":  {Direction: "sideways", Amount: dec("1"), Reason: "x"},
		"missing reason": {Direction: domain.MovementIn, Amount: dec("1"), Reason: "  "},
		"reserved":       {Direction: domain.MovementOut, Amount: dec("1"), Reason: domain.MovementReasonCreditNoteRefund},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.PostMovement(ctx, session.ID, req)
			require.ErrorIs(t, err, store.ErrInvalidInput)
		})
	}

	_, err := svc.PostMovement(ctx, "ses_missing", domain.MovementCreateRequest{Direction: domain.MovementIn, Amount: dec("1"), Reason: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenSessionRules(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	_, err := svc.OpenSession(ctx, domain.SessionOpenRequest{RegisterID: "REG-404", OpeningAmount: decimal.Zero})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.OpenSession(ctx, domain.SessionOpenRequest{RegisterID: "REG-99", OpeningAmount: decimal.Zero})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.OpenSession(ctx, domain.SessionOpenRequest{RegisterID: "REG-01", OpeningAmount: dec("-5")})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	session := openSession(t, svc, "REG-01", "20.00")
	_, err = svc.OpenSession(ctx, domain.SessionOpenRequest{RegisterID: "REG-01", OpeningAmount: decimal.Zero})
	require.ErrorIs(t, err, store.ErrConflict)

	active, err := svc.GetActiveSession(ctx, "REG-01")
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.Session.ID)

	_, err = svc.GetActiveSession(ctx, "REG-02")
	require.ErrorIs(t, err, store.ErrNotFound)

	registers, err := svc.ListRegisters(ctx)
	require.NoError(t, err)
	assert.Len(t, registers, 3)
}

func TestListClosedSessionsFilters(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	_, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: decimal.Zero})
	require.NoError(t, err)

	closed, err := svc.ListClosedSessions(ctx, domain.ClosedSessionFilter{UserID: "ana"})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, session.ID, closed[0].ID)

	none, err := svc.ListClosedSessions(ctx, domain.ClosedSessionFilter{UserID: "luis"})
	require.NoError(t, err)
	assert.Empty(t, none)

	now := time.Now().UTC()
	_, err = svc.ListClosedSessions(ctx, domain.ClosedSessionFilter{From: now, To: now.Add(-time.Hour)})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCreateSaleComputesTaxAndCodes(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	req := receiptRequest(session.ID, item("P1", 2, "50.00"))
	req.TaxIncluded = nil
	taxed, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "100", taxed.Sale.Subtotal.String())
	assert.Equal(t, "18", taxed.Sale.Tax.String())
	assert.Equal(t, "118", taxed.Sale.Total.String())
	assert.Equal(t, "0.18", taxed.Sale.TaxRate.String())
	assert.Equal(t, "B001-000001", taxed.Sale.Code)
	assert.Equal(t, "100", taxed.Sale.Items[0].Subtotal.String())

	untaxed, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 2, "50.00")))
	require.NoError(t, err)
	assert.True(t, untaxed.Sale.Tax.IsZero())
	assert.Equal(t, "B001-000002", untaxed.Sale.Code)

	note, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		WarehouseID:  "WH-1",
		DocumentType: domain.DocumentInternalNote,
		Items:        []domain.SaleItemInput{item("P1", 1, "0")},
		TaxIncluded:  noTax(),
	})
	require.NoError(t, err)
	assert.Equal(t, "NI01-000001", note.Sale.Code)
	assert.Empty(t, note.Sale.SessionID)
}

func TestCreateSaleValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	invoice := receiptRequest(session.ID, item("P1", 1, "10"))
	invoice.DocumentType = domain.DocumentInvoice

	noSession := receiptRequest("", item("P1", 1, "10"))

	badPayment := receiptRequest(session.ID, item("P1", 1, "10"))
	badPayment.Payments = []domain.PaymentInput{{Method: domain.PaymentCash, Amount: decimal.Zero}}

	cases := map[string]domain.SaleCreateRequest{
		"no items":           receiptRequest(session.ID),
		"zero quantity":      receiptRequest(session.ID, item("P1", 0, "10")),
		"negative price":     receiptRequest(session.ID, item("P1", 1, "-1")),
		"invoice no client":  invoice,
		"receipt no session": noSession,
		"zero payment":       badPayment,
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateSale(ctx, req)
			require.ErrorIs(t, err, store.ErrInvalidInput)
		})
	}

	_, err := svc.CreateSale(ctx, receiptRequest("ses_missing", item("P1", 1, "10")))
	require.ErrorIs(t, err, store.ErrNotFound)

	invoice.ClientID = "CLI-1"
	created, err := svc.CreateSale(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, "F001-000001", created.Sale.Code)
}

func TestCreateSaleReplaysIdempotencyKey(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	req := receiptRequest(session.ID, item("P1", 1, "12.50"))
	req.IdempotencyKey = "pos-7-0001"
	first, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	replay, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Sale.ID, replay.Sale.ID)
	assert.Equal(t, first.Sale.Code, replay.Sale.Code)

	next, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "1")))
	require.NoError(t, err)
	assert.Equal(t, "B001-000002", next.Sale.Code)
}

func TestCreateSaleRejectsReservedQuoteKey(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 5, "100.00")},
		ValidityDays: 15,
		TaxIncluded:  noTax(),
	})
	require.NoError(t, err)

	req := receiptRequest(session.ID, item("P2", 1, "1.00"))
	req.IdempotencyKey = "quote:" + quote.Quote.ID
	_, err = svc.CreateSale(ctx, req)
	require.ErrorIs(t, err, store.ErrInvalidInput)

	converted, err := svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{
		SessionID: session.ID, PaymentMethod: domain.PaymentCash, DocumentType: domain.DocumentReceipt,
	})
	require.NoError(t, err)
	assert.Equal(t, quote.Quote.ID, converted.Sale.QuoteID)
	assert.Equal(t, "500", converted.Sale.Total.String())
	assert.Equal(t, []string{converted.Sale.ID}, converted.Quote.SaleIDs)
}

func TestConvertQuoteRefusesSaleOwnedElsewhere(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 5, "100.00")},
		ValidityDays: 15,
		TaxIncluded:  noTax(),
	})
	require.NoError(t, err)

	// A row written under the quote's key by something other than conversion.
	foreign, err := svc.repo.CreateSale(ctx, domain.Sale{
		IdempotencyKey: "quote:" + quote.Quote.ID,
		SessionID:      session.ID,
		WarehouseID:    "WH-1",
		DocumentType:   domain.DocumentReceipt,
		Items:          []domain.SaleItem{{ProductID: "P2", ProductName: "Producto P2", Quantity: 1, UnitPrice: dec("1"), Subtotal: dec("1")}},
		Subtotal:       dec("1"),
		Total:          dec("1"),
	})
	require.NoError(t, err)

	_, err = svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{
		SessionID: session.ID, PaymentMethod: domain.PaymentCash, DocumentType: domain.DocumentReceipt,
	})
	require.ErrorIs(t, err, store.ErrConflict)

	after, err := svc.GetQuote(ctx, quote.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusPending, after.Quote.Status)
	assert.Empty(t, after.Quote.SaleIDs)

	kept, err := svc.repo.GetSale(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Empty(t, kept.QuoteID)
}

func TestConfirmPaymentRejectsExcessChange(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	created, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "45.35")))
	require.NoError(t, err)

	tooMuch := dec("10.00")
	_, err = svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("50.00"), ChangeAmount: &tooMuch})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	still, err := svc.GetSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPending, still.Sale.Status)

	exact := dec("4.65")
	confirmed, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("50.00"), ChangeAmount: &exact})
	require.NoError(t, err)
	assert.Equal(t, "4.7", confirmed.Sale.ChangeAmount.String())
}

func TestConfirmPaymentSplitAndReferences(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	created, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "100.00")))
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{
		Payments: []domain.PaymentInput{{Method: domain.PaymentCard, Amount: dec("100.00")}},
	})
	require.ErrorIs(t, err, store.ErrInvalidInput, "card without reference")

	_, err = svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{
		Payments: []domain.PaymentInput{
			{Method: domain.PaymentCash, Amount: dec("40.00")},
			{Method: domain.PaymentYape, Amount: dec("50.00"), Reference: "YP-1"},
		},
	})
	require.ErrorIs(t, err, store.ErrInvalidInput, "payments short of total")

	confirmed, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{
		PaymentReference: "VISA-9911",
		Payments: []domain.PaymentInput{
			{Method: domain.PaymentCash, Amount: dec("40.00")},
			{Method: domain.PaymentCard, Amount: dec("60.00")},
		},
	})
	require.NoError(t, err)
	require.Len(t, confirmed.Sale.Payments, 2)
	assert.Equal(t, 1, confirmed.Sale.Payments[0].Position)
	assert.Equal(t, "VISA-9911", confirmed.Sale.Payments[1].Reference)
	assert.Equal(t, "100", confirmed.Sale.ReceivedAmount.String())
	assert.True(t, confirmed.Sale.ChangeAmount.IsZero())
	assert.NotNil(t, confirmed.Sale.PaidAt)

	_, err = svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("100.00")})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestConfirmPaymentUsesDeclaredPayments(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	req := receiptRequest(session.ID, item("P1", 1, "20.00"))
	req.Payments = []domain.PaymentInput{{Method: domain.PaymentTransfer, Amount: dec("20.00"), Reference: "OP-55"}}
	created, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPending, created.Sale.Status)

	confirmed, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{})
	require.NoError(t, err)
	require.Len(t, confirmed.Sale.Payments, 1)
	assert.Equal(t, domain.PaymentTransfer, confirmed.Sale.Payments[0].Method)
	assert.Equal(t, "20", confirmed.Sale.ReceivedAmount.String())
}

func TestCancelSaleRules(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	pending, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "10")))
	require.NoError(t, err)

	_, err = svc.CancelSale(ctx, pending.Sale.ID, domain.SaleCancelRequest{Reason: " "})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	cancelled, err := svc.CancelSale(ctx, pending.Sale.ID, domain.SaleCancelRequest{Reason: "cliente desistió"})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Sale.Status)
	assert.Equal(t, "cliente desistió", cancelled.Sale.CancelReason)

	_, err = svc.ConfirmPayment(ctx, pending.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("10")})
	require.ErrorIs(t, err, store.ErrConflict)

	done := completedSale(t, svc, session.ID, item("P2", 1, "5"))
	_, err = svc.CancelSale(ctx, done.ID, domain.SaleCancelRequest{Reason: "error"})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = svc.CancelSale(ctx, "sale_missing", domain.SaleCancelRequest{Reason: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmAfterSessionCloseIsConsistencyError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := New(memory.NewSeeded(), lock.NewLocalLocker(time.Second), config.DefaultSales(), zap.New(core))
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	created, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "10")))
	require.NoError(t, err)
	_, err = svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedAmount: decimal.Zero})
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("10")})
	require.ErrorIs(t, err, store.ErrConsistency)

	alerts := logs.FilterMessage("consistency violation").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, zapcore.ErrorLevel, alerts[0].Level)
	assert.Equal(t, created.Sale.ID, alerts[0].ContextMap()["sale_id"])

	still, err := svc.GetSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPending, still.Sale.Status)
}

func TestMutationsWriteAuditLines(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := New(memory.NewSeeded(), lock.NewLocalLocker(time.Second), config.DefaultSales(), zap.New(core))
	session := openSession(t, svc, "REG-02", "10")

	entries := logs.FilterLoggerName("audit").FilterMessage("session_open").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, session.ID, fields["entity_id"])
	assert.Equal(t, "ana", fields["actor"])
	assert.Equal(t, "10.00", fields["opening_amount"])
}

func TestConcurrentConfirmOnlyOneWins(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	created, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("P1", 1, "45.35")))
	require.NoError(t, err)

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec(fmt.Sprintf("%d", 50+n))})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)

	summary, err := svc.GetSessionSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "45.35", summary.RecordedSalesTotal.String())
}

func TestConcurrentConvertProducesOneSale(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 1, "99.90")},
		ValidityDays: 7,
	})
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		saleIDs  []string
		failures int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{
				SessionID:     session.ID,
				PaymentMethod: domain.PaymentCash,
				DocumentType:  domain.DocumentReceipt,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, store.ErrConflict)
				failures++
				return
			}
			saleIDs = append(saleIDs, resp.Sale.ID)
		}()
	}
	wg.Wait()

	require.Len(t, saleIDs, 1)
	assert.Equal(t, workers-1, failures)

	after, err := svc.GetQuote(ctx, quote.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, saleIDs, after.Quote.SaleIDs)
	assert.Equal(t, workers, after.Quote.ConversionAttempts)
}

func TestConcurrentOpenSessionOnePerRegister(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	const workers = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.OpenSession(ctx, domain.SessionOpenRequest{RegisterID: "REG-02", OpeningAmount: dec("50")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				opened++
				return
			}
			assert.ErrorIs(t, err, store.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, opened)
}

func TestCashRefundWritesMovement(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "100.00")
	sale := completedSale(t, svc, session.ID, item("X", 2, "15.00"), item("Y", 1, "5.00"))

	note, err := svc.IssueCreditNote(ctx, sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNoteFullReturn,
		RefundMethod: domain.RefundCash,
		SessionID:    session.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CreditNoteStatusRefunded, note.CreditNote.Status)
	assert.Len(t, note.CreditNote.Items, 2)
	assert.Equal(t, "35", note.CreditNote.Total.String())
	assert.NotEmpty(t, note.CreditNote.MovementID)

	summary, err := svc.GetSessionSummary(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "35", summary.TotalOut.String())
	assert.Equal(t, "100", summary.Expected.String())
	require.Len(t, summary.Movements, 1)
	assert.Equal(t, domain.MovementReasonCreditNoteRefund, summary.Movements[0].Reason)

	_, err = svc.DeleteMovement(ctx, note.CreditNote.MovementID)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = svc.IssueCreditNote(ctx, sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNoteFullReturn,
		RefundMethod: domain.RefundVoucher,
	})
	require.ErrorIs(t, err, store.ErrInvalidInput, "nothing left to return")
}

func TestCreditNoteTaxFollowsSaleRate(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")

	req := receiptRequest(session.ID, item("X", 3, "10.00"))
	req.TaxIncluded = nil
	created, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, created.Sale.ID, domain.SaleConfirmRequest{ReceivedAmount: dec("40.00")})
	require.NoError(t, err)

	note, err := svc.IssueCreditNote(ctx, created.Sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNotePartialReturn,
		Items:        []domain.CreditNoteItemInput{{SaleItemID: created.Sale.Items[0].ID, Quantity: 1}},
		RefundMethod: domain.RefundTransfer,
	})
	require.NoError(t, err)
	assert.Equal(t, "10", note.CreditNote.Subtotal.String())
	assert.Equal(t, "1.8", note.CreditNote.Tax.String())
	assert.Equal(t, "11.8", note.CreditNote.Total.String())
}

func TestCreditNoteRequiresCompletedSale(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	pending, err := svc.CreateSale(ctx, receiptRequest(session.ID, item("X", 1, "10")))
	require.NoError(t, err)

	_, err = svc.IssueCreditNote(ctx, pending.Sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNoteFullReturn,
		RefundMethod: domain.RefundVoucher,
	})
	require.ErrorIs(t, err, store.ErrConflict)

	sale := completedSale(t, svc, session.ID, item("X", 1, "10"))
	cases := map[string]domain.CreditNoteCreateRequest{
		"partial without items": {Reason: domain.CreditNotePartialReturn, RefundMethod: domain.RefundVoucher},
		"foreign item": {Reason: domain.CreditNotePartialReturn, RefundMethod: domain.RefundVoucher,
			Items: []domain.CreditNoteItemInput{{SaleItemID: "si_other", Quantity: 1}}},
		"zero quantity": {Reason: domain.CreditNotePartialReturn, RefundMethod: domain.RefundVoucher,
			Items: []domain.CreditNoteItemInput{{SaleItemID: sale.Items[0].ID, Quantity: 0}}},
		"duplicated lines over ceiling": {Reason: domain.CreditNotePartialReturn, RefundMethod: domain.RefundVoucher,
			Items: []domain.CreditNoteItemInput{{SaleItemID: sale.Items[0].ID, Quantity: 1}, {SaleItemID: sale.Items[0].ID, Quantity: 1}}},
		"session with voucher": {Reason: domain.CreditNoteFullReturn, RefundMethod: domain.RefundVoucher, SessionID: session.ID},
		"bad method":           {Reason: domain.CreditNoteFullReturn, RefundMethod: "crypto"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.IssueCreditNote(ctx, sale.ID, req)
			require.ErrorIs(t, err, store.ErrInvalidInput)
		})
	}
}

func TestCancelledCreditNoteReleasesQuantity(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	sale := completedSale(t, svc, session.ID, item("X", 2, "10.00"))

	note, err := svc.IssueCreditNote(ctx, sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNoteFullReturn,
		RefundMethod: domain.RefundVoucher,
	})
	require.NoError(t, err)

	cancelled, err := svc.UpdateCreditNoteStatus(ctx, note.CreditNote.ID, domain.CreditNoteStatusRequest{Status: domain.CreditNoteStatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, domain.CreditNoteStatusCancelled, cancelled.CreditNote.Status)

	_, err = svc.UpdateCreditNoteStatus(ctx, note.CreditNote.ID, domain.CreditNoteStatusRequest{Status: domain.CreditNoteStatusApplied})
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = svc.UpdateCreditNoteStatus(ctx, note.CreditNote.ID, domain.CreditNoteStatusRequest{Status: "lost"})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	got, err := svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, got.CreditedTotal.IsZero())
	assert.Equal(t, "20", got.EffectiveTotal.String())

	again, err := svc.IssueCreditNote(ctx, sale.ID, domain.CreditNoteCreateRequest{
		Reason:       domain.CreditNotePartialReturn,
		Items:        []domain.CreditNoteItemInput{{SaleItemID: sale.Items[0].ID, Quantity: 2}},
		RefundMethod: domain.RefundVoucher,
	})
	require.NoError(t, err)
	assert.Equal(t, "NC01-000002", again.CreditNote.Code)

	list, err := svc.ListCreditNotes(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, list.CreditNotes, 2)
	assert.Equal(t, note.CreditNote.ID, list.CreditNotes[0].ID)
}

func TestQuoteStatusTransitions(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()

	_, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{WarehouseID: "WH-1", Items: []domain.SaleItemInput{item("P1", 1, "1")}})
	require.ErrorIs(t, err, store.ErrInvalidInput, "validity days required")

	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		ClientID:     "CLI-9",
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 2, "50.00")},
		ValidityDays: 15,
	})
	require.NoError(t, err)
	q := quote.Quote
	assert.Equal(t, domain.QuoteStatusPending, q.Status)
	assert.Equal(t, q.IssuedAt.AddDate(0, 0, 15), q.ExpiresAt)
	assert.Equal(t, "118", q.Total.String())

	_, err = svc.UpdateQuoteStatus(ctx, q.ID, domain.QuoteStatusRequest{Status: domain.QuoteStatusConverted})
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = svc.UpdateQuoteStatus(ctx, q.ID, domain.QuoteStatusRequest{Status: domain.QuoteStatusRejected})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	accepted, err := svc.UpdateQuoteStatus(ctx, q.ID, domain.QuoteStatusRequest{Status: domain.QuoteStatusAccepted})
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusAccepted, accepted.Quote.Status)

	rejected, err := svc.UpdateQuoteStatus(ctx, q.ID, domain.QuoteStatusRequest{Status: domain.QuoteStatusRejected, RejectionReason: "precio alto"})
	require.NoError(t, err)
	assert.Equal(t, "precio alto", rejected.Quote.RejectionReason)

	_, err = svc.UpdateQuoteStatus(ctx, q.ID, domain.QuoteStatusRequest{Status: domain.QuoteStatusAccepted})
	require.ErrorIs(t, err, store.ErrConflict)

	session := openSession(t, svc, "REG-01", "0")
	_, err = svc.ConvertQuoteToSale(ctx, q.ID, domain.QuoteConvertRequest{SessionID: session.ID, PaymentMethod: domain.PaymentCash, DocumentType: domain.DocumentReceipt})
	require.ErrorIs(t, err, store.ErrConflict)

	listed, err := svc.ListQuotes(ctx, domain.QuoteFilter{Status: domain.QuoteStatusRejected})
	require.NoError(t, err)
	assert.Len(t, listed.Quotes, 1)
}

func TestConvertQuoteCarriesTaxAndPayment(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		ClientID:     "CLI-1",
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 2, "50.00")},
		ValidityDays: 7,
	})
	require.NoError(t, err)

	_, err = svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{SessionID: session.ID, PaymentMethod: domain.PaymentCard, DocumentType: domain.DocumentInvoice})
	require.ErrorIs(t, err, store.ErrInvalidInput, "card needs a reference")

	after, err := svc.GetQuote(ctx, quote.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusPending, after.Quote.Status)
	assert.Equal(t, 1, after.Quote.ConversionAttempts)

	converted, err := svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{
		SessionID:        session.ID,
		PaymentMethod:    domain.PaymentCard,
		PaymentReference: "VISA-1",
		DocumentType:     domain.DocumentInvoice,
	})
	require.NoError(t, err)
	sale := converted.Sale
	assert.Equal(t, "F001-000001", sale.Code)
	assert.Equal(t, "CLI-1", sale.ClientID)
	assert.Equal(t, "118", sale.Total.String())
	require.Len(t, sale.Payments, 1)
	assert.Equal(t, domain.PaymentCard, sale.Payments[0].Method)
	assert.Equal(t, "118", sale.Payments[0].Amount.String())
	assert.Equal(t, 2, converted.Quote.ConversionAttempts)

	confirmed, err := svc.ConfirmPayment(ctx, sale.ID, domain.SaleConfirmRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, confirmed.Sale.Status)
	assert.Equal(t, "VISA-1", confirmed.Sale.Payments[0].Reference)
}

func TestConvertInvoiceQuoteNeedsClient(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 1, "10")},
		ValidityDays: 7,
	})
	require.NoError(t, err)

	_, err = svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{SessionID: session.ID, PaymentMethod: domain.PaymentCash, DocumentType: domain.DocumentInvoice})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	after, err := svc.GetQuote(ctx, quote.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusPending, after.Quote.Status)
	assert.Empty(t, after.Quote.SaleIDs)
	assert.Equal(t, 1, after.Quote.ConversionAttempts)
}

func TestOverdueQuoteCannotConvert(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	session := openSession(t, svc, "REG-01", "0")
	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{
		WarehouseID:  "WH-1",
		Items:        []domain.SaleItemInput{item("P1", 1, "10")},
		ValidityDays: 7,
	})
	require.NoError(t, err)

	later := time.Now().UTC().AddDate(0, 0, 8)
	svc.now = func() time.Time { return later }

	_, err = svc.ConvertQuoteToSale(ctx, quote.Quote.ID, domain.QuoteConvertRequest{SessionID: session.ID, PaymentMethod: domain.PaymentCash, DocumentType: domain.DocumentReceipt})
	require.ErrorIs(t, err, store.ErrConflict)

	after, err := svc.GetQuote(ctx, quote.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusExpired, after.Quote.Status)
}

func TestExpireQuotesSweep(t *testing.T) {
	svc := newTestService(t)
	ctx := cashierCtx()
	short, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{WarehouseID: "WH-1", Items: []domain.SaleItemInput{item("P1", 1, "10")}, ValidityDays: 1})
	require.NoError(t, err)
	long, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{WarehouseID: "WH-1", Items: []domain.SaleItemInput{item("P1", 1, "10")}, ValidityDays: 30})
	require.NoError(t, err)

	later := time.Now().UTC().AddDate(0, 0, 2)
	svc.now = func() time.Time { return later }

	resp, err := svc.ExpireQuotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Expired)

	got, err := svc.GetQuote(ctx, short.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusExpired, got.Quote.Status)
	got, err = svc.GetQuote(ctx, long.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusPending, got.Quote.Status)
}

type busyLocker struct{}

func (busyLocker) Obtain(context.Context, string) (lock.Lease, error) {
	return nil, lock.ErrNotObtained
}

func TestBusyAggregateIsConflict(t *testing.T) {
	svc := New(memory.NewSeeded(), busyLocker{}, config.DefaultSales(), zaptest.NewLogger(t))
	_, err := svc.OpenSession(cashierCtx(), domain.SessionOpenRequest{RegisterID: "REG-01", OpeningAmount: decimal.Zero})
	require.ErrorIs(t, err, store.ErrConflict)
}
