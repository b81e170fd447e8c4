package store

import (
	"context"
	"errors"
	"time"

	"cajaflow/backend/internal/domain"
)

// Error kinds. Implementations wrap them with a reason; callers use errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrConsistency  = errors.New("consistency violation")
)

// Repository is the persistence boundary. Every mutating method is one
// atomic transaction against the aggregate it names.
type Repository interface {
	ListRegisters(ctx context.Context) ([]domain.CashRegister, error)
	GetRegister(ctx context.Context, registerID string) (*domain.CashRegister, error)

	CreateSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.CashSession, error)
	GetOpenSessionByRegister(ctx context.Context, registerID string) (*domain.CashSession, error)
	CloseSession(ctx context.Context, sessionID string, closing domain.SessionClosing) (*domain.CashSession, error)
	ListClosedSessions(ctx context.Context, filter domain.ClosedSessionFilter) ([]domain.CashSession, error)

	CreateMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	GetMovement(ctx context.Context, movementID string) (*domain.CashMovement, error)
	DeleteMovement(ctx context.Context, movementID string) (*domain.CashMovement, error)
	ListMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)

	NextSequence(ctx context.Context, series string) (int64, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	ConfirmSale(ctx context.Context, saleID string, confirmation domain.SaleConfirmation) (*domain.Sale, error)
	CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)

	CreateCreditNote(ctx context.Context, note domain.CreditNote, refund *domain.CashMovement) (*domain.CreditNote, error)
	GetCreditNote(ctx context.Context, creditNoteID string) (*domain.CreditNote, error)
	ListCreditNotes(ctx context.Context, saleID string) ([]domain.CreditNote, error)
	GetReturnedQuantities(ctx context.Context, saleID string) (map[string]int, error)
	UpdateCreditNoteStatus(ctx context.Context, creditNoteID string, status domain.CreditNoteStatus, at time.Time) (*domain.CreditNote, error)

	CreateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error)
	GetQuote(ctx context.Context, quoteID string) (*domain.Quote, error)
	ListQuotes(ctx context.Context, filter domain.QuoteFilter) ([]domain.Quote, error)
	UpdateQuoteStatus(ctx context.Context, quoteID string, status domain.QuoteStatus, rejectionReason string, at time.Time) (*domain.Quote, error)
	IncrementQuoteAttempts(ctx context.Context, quoteID string) (*domain.Quote, error)
	ConvertQuote(ctx context.Context, quoteID string, sale domain.Sale, at time.Time) (*domain.Sale, *domain.Quote, error)
	ExpireQuotes(ctx context.Context, now time.Time) (int, error)
}
